// Package engine assembles a data source from the application config: the
// local cache, the transport and the engine, plus metrics and tracing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkkko/remotesync/internal/cache"
	"github.com/nkkko/remotesync/internal/config"
	"github.com/nkkko/remotesync/internal/datasource"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/telemetry"
	"github.com/nkkko/remotesync/internal/transport"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine owns one data source and the resources behind it
type Engine struct {
	config      *config.Config
	cache       domain.LocalCache
	source      *datasource.DataSource
	metricsSrv  *http.Server
	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// New creates an engine with all components initialized from the config.
// Its data source is active at once; Start runs the background loops.
func New(cfg *config.Config) (*Engine, error) {
	logger := log.With().Str("component", "engine").Logger()

	localCache, err := cache.New(cfg.ToCacheConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	remote := transport.New(cfg.ToTransportConfig())
	source, err := datasource.New(cfg.ToDataSourceConfig(), remote, localCache)
	if err != nil {
		localCache.Close()
		return nil, fmt.Errorf("failed to initialize data source: %w", err)
	}

	source.Activate()
	return &Engine{
		config: cfg,
		cache:  localCache,
		source: source,
		logger: logger,
	}, nil
}

// DataSource returns the engine's data source
func (e *Engine) DataSource() *datasource.DataSource {
	return e.source
}

// Location addresses a table of the configured remote and schema
func (e *Engine) Location(table string) proto.Location {
	return proto.Location{
		Address: e.config.Remote.Address,
		Schema:  e.config.Remote.Schema,
		Table:   table,
	}
}

// Start runs the data source's background loops, and the metrics endpoint
// when enabled, until ctx is done
func (e *Engine) Start(ctx context.Context) error {
	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	e.logger.Info().
		Str("address", e.config.Remote.Address).
		Str("cache", e.config.Cache.Backend).
		Msg("Starting sync engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.source.Start(gctx)
	})

	if e.config.Metrics.Enabled {
		e.metricsSrv = &http.Server{
			Addr:              e.config.Metrics.Addr,
			Handler:           e.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			e.logger.Info().Str("addr", e.config.Metrics.Addr).Msg("Serving metrics")
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}
	return nil
}

// Shutdown deactivates the data source and releases the cache and tracer
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down sync engine")
	e.source.Deactivate()

	var result error
	if err := e.cache.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close cache")
		result = err
	}
	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return result
}
