package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/internal/cache"
	"github.com/nkkko/remotesync/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "/srv/data", cfg.Remote.DataPrefix)
	assert.Equal(t, 1024, cfg.Search.RecentCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `remote:
  address: "https://sync.example.com"
cache:
  backend: "bbolt"
  data_dir: "./test-data"
search:
  refresh_interval_seconds: 60
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.Remote.Address)
	assert.Equal(t, "bbolt", cfg.Cache.Backend)
	assert.Equal(t, "./test-data", cfg.Cache.DataDir)
	assert.Equal(t, 60, cfg.Search.RefreshIntervalSeconds)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unspecified fields keep their defaults
	assert.Equal(t, "/srv/session", cfg.Remote.SessionPrefix)
	assert.Equal(t, 16, cfg.Prefetch.BatchSize)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Precedence(t *testing.T) {
	testConfig := `remote:
  address: "http://file:8080"
cache:
  backend: "badger"
  data_dir: "./file-data"
logging:
  level: "error"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("REMOTESYNC_REMOTE_ADDRESS", "http://env:8080")
	t.Setenv("REMOTESYNC_CACHE_BACKEND", "bbolt")
	t.Setenv("REMOTESYNC_LOG_LEVEL", "info")

	cfg, err := LoadConfig(configFile, "./cli-data", "", "warn")
	require.NoError(t, err)

	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Cache.DataDir, "flags beat the file")
	assert.Equal(t, "http://env:8080", cfg.Remote.Address, "env beats the file")
	assert.Equal(t, "bbolt", cfg.Cache.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level, "flags beat env")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("REMOTESYNC_CACHE_BACKEND", "redis")
	_, err := LoadConfig("", "", "", "")
	assert.Error(t, err)

	t.Setenv("REMOTESYNC_CACHE_BACKEND", "")
	_, err = LoadConfig("", "", "ftp://nowhere", "")
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Backend = "badger"
	cfg.Cache.Capacity = 50

	cacheCfg := cfg.ToCacheConfig()
	assert.Equal(t, cache.BadgerCache, cacheCfg.Type)
	assert.Equal(t, 50, cacheCfg.Capacity)
	assert.Equal(t, 10*time.Minute, cacheCfg.Badger.GCInterval)

	transportCfg := cfg.ToTransportConfig()
	assert.Equal(t, cfg.Remote.DataPrefix, transportCfg.DataPrefix)
	assert.Equal(t, 30*time.Second, transportCfg.Timeout)

	dsCfg := cfg.ToDataSourceConfig()
	assert.Equal(t, 15*time.Minute, dsCfg.RefreshInterval)
	assert.Equal(t, 10*time.Millisecond, dsCfg.DispatchDelay)
	assert.Equal(t, "client", dsCfg.Session.Area)
	assert.Equal(t, time.Minute, dsCfg.Session.SweepInterval)
	assert.Equal(t, 50*time.Millisecond, dsCfg.Prefetch.IdleDelay)
	assert.Equal(t, []string{cfg.Remote.Address}, dsCfg.PushAddresses)
	assert.Equal(t, "/srv/push", dsCfg.Push.PushPath)

	cfg.Notifier.Enabled = false
	assert.Empty(t, cfg.ToDataSourceConfig().PushAddresses)

	logCfg := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelInfo, logCfg.Level)
	assert.Equal(t, logging.FormatConsole, logCfg.Format)

	telemetryCfg := cfg.ToTelemetryConfig()
	assert.False(t, telemetryCfg.Enabled)
	assert.Equal(t, "remotesync", telemetryCfg.ServiceName)
}
