package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "redis://localhost:6379", cfg.Broker.URL)
	assert.Equal(t, 10, cfg.Broker.PoolSize)
	assert.Equal(t, 18890, cfg.Gateway.Port)
	assert.Equal(t, 60, cfg.Queue.ProcessingTimeout)
	assert.Equal(t, 20, cfg.Health.WindowSize)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Broker.URL = "redis://broker:6380"
	cfg.Gateway.APIKey = "secret"
	cfg.Queue.DeadLetterCap = 50

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://broker:6380", loaded.Broker.URL)
	assert.Equal(t, "secret", loaded.Gateway.APIKey)
	assert.Equal(t, 50, loaded.Queue.DeadLetterCap)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway":{"port":9999}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Gateway.Port)
	// untouched sections keep defaults
	assert.Equal(t, "redis://localhost:6379", cfg.Broker.URL)
	assert.Equal(t, 30, cfg.Queue.SweepInterval)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.PollIntervalDuration())
	assert.Equal(t, time.Minute, cfg.Queue.ProcessingTimeoutDuration())
	assert.Equal(t, 10*time.Second, cfg.Gateway.HeartbeatIntervalDuration())
	assert.Equal(t, 15*time.Second, cfg.Broker.ProbeIntervalDuration())
}
