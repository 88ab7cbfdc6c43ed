package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.RemoteRequestsTotal)
	assert.NotNil(t, m.RemoteRequestDuration)
	assert.NotNil(t, m.RemoteObjectsTotal)

	assert.NotNil(t, m.CacheOperations)
	assert.NotNil(t, m.CacheOperationDuration)
	assert.NotNil(t, m.CachePurgesTotal)

	assert.NotNil(t, m.SearchesTotal)
	assert.NotNil(t, m.SearchesActive)
	assert.NotNil(t, m.StupefactionsTotal)
	assert.NotNil(t, m.PrefetchRunsTotal)

	assert.NotNil(t, m.ChangesTotal)
	assert.NotNil(t, m.ConflictsTotal)

	assert.NotNil(t, m.SessionsActive)
	assert.NotNil(t, m.SessionEventsTotal)

	assert.NotNil(t, m.NotificationsTotal)
	assert.NotNil(t, m.NotifierConnections)
}

func TestCounterIncrements(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.RemoteRequestsTotal.WithLabelValues("discovery", "true"))
	m.RemoteRequestsTotal.WithLabelValues("discovery", "true").Inc()
	after := testutil.ToFloat64(m.RemoteRequestsTotal.WithLabelValues("discovery", "true"))

	assert.Equal(t, before+1, after)
}
