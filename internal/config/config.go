// Package config loads the syncctl configuration: defaults, then a YAML
// file, then REMOTESYNC_* environment variables, then command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Cache     CacheConfig     `yaml:"cache"`
	Session   SessionConfig   `yaml:"session"`
	Search    SearchConfig    `yaml:"search"`
	Changes   ChangesConfig   `yaml:"changes"`
	Prefetch  PrefetchConfig  `yaml:"prefetch"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RemoteConfig describes the server and its wire protocol
type RemoteConfig struct {
	Address          string            `yaml:"address"`
	Schema           string            `yaml:"schema"`
	Area             string            `yaml:"area"`
	DataPrefix       string            `yaml:"data_prefix"`
	SessionPrefix    string            `yaml:"session_prefix"`
	RequestTimeoutMs int               `yaml:"request_timeout_ms"`
	Headers          map[string]string `yaml:"headers"`
}

// CacheConfig selects and sizes the local cache
type CacheConfig struct {
	Backend           string `yaml:"backend"`
	DataDir           string `yaml:"data_dir"`
	Capacity          int    `yaml:"capacity"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
	SyncWrites        bool   `yaml:"sync_writes"`
}

// SessionConfig contains session manager settings
type SessionConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	RetryIntervalMs      int `yaml:"retry_interval_ms"`
	ExpiryHorizonSeconds int `yaml:"expiry_horizon_seconds"`
}

// SearchConfig contains read path settings
type SearchConfig struct {
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	RecentCapacity         int `yaml:"recent_capacity"`
}

// ChangesConfig contains write path settings
type ChangesConfig struct {
	RecentOperations     int `yaml:"recent_operations"`
	CommitHistory        int `yaml:"commit_history"`
	DispatchDelayMs      int `yaml:"dispatch_delay_ms"`
	RedispatchIntervalMs int `yaml:"redispatch_interval_ms"`
	EventBufferSize      int `yaml:"event_buffer_size"`
}

// PrefetchConfig contains prefetch scheduler settings
type PrefetchConfig struct {
	IdleDelayMs int `yaml:"idle_delay_ms"`
	BatchSize   int `yaml:"batch_size"`
}

// NotifierConfig contains push channel settings
type NotifierConfig struct {
	Enabled                  bool   `yaml:"enabled"`
	PushPath                 string `yaml:"push_path"`
	BufferSize               int    `yaml:"buffer_size"`
	FlushIntervalMs          int    `yaml:"flush_interval_ms"`
	ReconnectIntervalSeconds int    `yaml:"reconnect_interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Address:          "http://localhost:8080",
			Schema:           "global",
			Area:             "client",
			DataPrefix:       "/srv/data",
			SessionPrefix:    "/srv/session",
			RequestTimeoutMs: 30000,
			Headers:          map[string]string{},
		},
		Cache: CacheConfig{
			Backend:           "memory",
			DataDir:           "./data",
			Capacity:          10000,
			GCIntervalMinutes: 10,
		},
		Session: SessionConfig{
			SweepIntervalSeconds: 60,
			RetryIntervalMs:      5000,
			ExpiryHorizonSeconds: 300,
		},
		Search: SearchConfig{
			RefreshIntervalSeconds: 900,
			RecentCapacity:         1024,
		},
		Changes: ChangesConfig{
			RecentOperations:     32,
			CommitHistory:        1024,
			DispatchDelayMs:      10,
			RedispatchIntervalMs: 5000,
			EventBufferSize:      100,
		},
		Prefetch: PrefetchConfig{
			IdleDelayMs: 50,
			BatchSize:   16,
		},
		Notifier: NotifierConfig{
			Enabled:                  true,
			PushPath:                 "/srv/push",
			BufferSize:               200,
			FlushIntervalMs:          50,
			ReconnectIntervalSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "remotesync",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9102",
			Path:    "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, address string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Flags have the highest priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Cache.DataDir = absDataDir
	}
	if address != "" {
		config.Remote.Address = address
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings no component could run with
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "badger", "bbolt":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if !strings.HasPrefix(c.Remote.Address, "http://") && !strings.HasPrefix(c.Remote.Address, "https://") {
		return fmt.Errorf("remote address %q must be an http(s) URL", c.Remote.Address)
	}
	if c.Remote.Schema == "" {
		return fmt.Errorf("remote schema must not be empty")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	envString("REMOTESYNC_REMOTE_ADDRESS", &config.Remote.Address)
	envString("REMOTESYNC_REMOTE_SCHEMA", &config.Remote.Schema)
	envString("REMOTESYNC_REMOTE_AREA", &config.Remote.Area)
	envInt("REMOTESYNC_REMOTE_REQUEST_TIMEOUT_MS", &config.Remote.RequestTimeoutMs)

	envString("REMOTESYNC_CACHE_BACKEND", &config.Cache.Backend)
	envString("REMOTESYNC_CACHE_DATA_DIR", &config.Cache.DataDir)
	envInt("REMOTESYNC_CACHE_CAPACITY", &config.Cache.Capacity)

	envInt("REMOTESYNC_SEARCH_REFRESH_INTERVAL_SECONDS", &config.Search.RefreshIntervalSeconds)
	envInt("REMOTESYNC_CHANGES_DISPATCH_DELAY_MS", &config.Changes.DispatchDelayMs)

	if enabled := os.Getenv("REMOTESYNC_NOTIFIER_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Notifier.Enabled = val
		}
	}

	envString("REMOTESYNC_LOG_LEVEL", &config.Logging.Level)
	envString("REMOTESYNC_LOG_FORMAT", &config.Logging.Format)

	if endpoint := os.Getenv("REMOTESYNC_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
		config.Telemetry.Enabled = true
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			*dst = val
		}
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
