package config

import (
	"time"

	"github.com/nkkko/remotesync/internal/cache"
	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/datasource"
	"github.com/nkkko/remotesync/internal/logging"
	"github.com/nkkko/remotesync/internal/notifier"
	"github.com/nkkko/remotesync/internal/prefetch"
	"github.com/nkkko/remotesync/internal/router"
	"github.com/nkkko/remotesync/internal/session"
	"github.com/nkkko/remotesync/internal/telemetry"
	"github.com/nkkko/remotesync/internal/transport"
)

// ToCacheConfig converts to cache factory config
func (c *Config) ToCacheConfig() cache.Config {
	config := cache.DefaultConfig()
	config.Type = cache.Type(c.Cache.Backend)
	config.DataDir = c.Cache.DataDir
	config.Capacity = c.Cache.Capacity
	config.Badger.SyncWrites = c.Cache.SyncWrites
	if c.Cache.GCIntervalMinutes > 0 {
		config.Badger.GCInterval = time.Duration(c.Cache.GCIntervalMinutes) * time.Minute
	}
	return config
}

// ToTransportConfig converts to transport config
func (c *Config) ToTransportConfig() transport.Config {
	return transport.Config{
		DataPrefix:    c.Remote.DataPrefix,
		SessionPrefix: c.Remote.SessionPrefix,
		Timeout:       millis(c.Remote.RequestTimeoutMs),
		Headers:       c.Remote.Headers,
	}
}

// ToSessionConfig converts to session manager config
func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		Area:          c.Remote.Area,
		RetryInterval: millis(c.Session.RetryIntervalMs),
		SweepInterval: seconds(c.Session.SweepIntervalSeconds),
		ExpiryHorizon: seconds(c.Session.ExpiryHorizonSeconds),
	}
}

// ToNotifierConfig converts to push channel config
func (c *Config) ToNotifierConfig() notifier.Config {
	config := notifier.DefaultConfig()
	if c.Notifier.PushPath != "" {
		config.PushPath = c.Notifier.PushPath
	}
	config.BufferSize = c.Notifier.BufferSize
	config.FlushInterval = millis(c.Notifier.FlushIntervalMs)
	config.ReconnectInterval = seconds(c.Notifier.ReconnectIntervalSeconds)
	return config
}

// ToDataSourceConfig converts to the engine config. The configured remote
// is followed over its push channel when the notifier is enabled.
func (c *Config) ToDataSourceConfig() datasource.Config {
	config := datasource.Config{
		RefreshInterval:    seconds(c.Search.RefreshIntervalSeconds),
		RecentSearches:     c.Search.RecentCapacity,
		DispatchDelay:      millis(c.Changes.DispatchDelayMs),
		RedispatchInterval: millis(c.Changes.RedispatchIntervalMs),
		Session:            c.ToSessionConfig(),
		Events:             router.Config{MaxBufferSize: c.Changes.EventBufferSize},
		Changes: change.Config{
			RecentCapacity: c.Changes.RecentOperations,
			CommitHistory:  c.Changes.CommitHistory,
		},
		Prefetch: prefetch.Config{
			IdleDelay: millis(c.Prefetch.IdleDelayMs),
			BatchSize: c.Prefetch.BatchSize,
		},
		Push: c.ToNotifierConfig(),
	}
	if c.Notifier.Enabled {
		config.PushAddresses = []string{c.Remote.Address}
	}
	return config
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	config.GlobalFields = c.Logging.GlobalFields
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
