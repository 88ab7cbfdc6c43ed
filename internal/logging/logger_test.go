package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func captureGlobal(t *testing.T, config Config) *bytes.Buffer {
	t.Helper()
	previous, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(level)
	})

	var buf bytes.Buffer
	config.Output = &buf
	config.Format = FormatJSON
	require.NoError(t, Setup(config))
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestSetup(t *testing.T) {
	config := DefaultConfig()
	config.Level = LevelWarn
	config.GlobalFields = map[string]string{"app": "syncctl"}
	buf := captureGlobal(t, config)

	logger := Component("datasource")
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	entry := lastEntry(t, buf)
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "datasource", entry["component"])
	assert.Equal(t, "syncctl", entry["app"])
}

func TestSetup_InvalidValues(t *testing.T) {
	config := DefaultConfig()
	config.Level = "loud"
	assert.Error(t, Setup(config))

	config = DefaultConfig()
	config.Format = "xml"
	assert.Error(t, Setup(config))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)
}

func TestFromContext_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())
	ctx, span := provider.Tracer("test").Start(logger.WithContext(context.Background()), "op")
	defer span.End()

	l := FromContext(ctx)
	l.Info().Msg("traced")
	entry := lastEntry(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestHTTPMiddleware(t *testing.T) {
	buf := captureGlobal(t, Config{Level: LevelDebug})

	handler := HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(r).Info().Msg("handling")
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/srv/data/discovery/s/t/", nil))

	entry := lastEntry(t, buf)
	assert.Equal(t, "Request completed", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
	assert.Equal(t, "/srv/data/discovery/s/t/", entry["path"])
	assert.Contains(t, buf.String(), `"message":"handling"`)
}
