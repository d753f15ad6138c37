package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9290, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Store.Fast.Provider)
	assert.Equal(t, "chromem", cfg.Store.Semantic.Provider)
	// Unset bus timeout stays zero: sends wait indefinitely.
	assert.Equal(t, time.Duration(0), cfg.Bus.DefaultTimeout.Duration())
	assert.Equal(t, 1000, cfg.Bus.HistoryLimit)
	assert.Equal(t, 5*time.Minute, cfg.Guard.FreshnessWindow.Duration())
}

func TestLoadWithFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8181
bus:
  default_timeout: 5s
  history_limit: 50
store:
  fast:
    provider: memory
  semantic:
    provider: none
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Bus.DefaultTimeout.Duration())
	assert.Equal(t, 50, cfg.Bus.HistoryLimit)
	assert.Equal(t, "none", cfg.Store.Semantic.Provider)
	// Defaults still fill the gaps.
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	t.Setenv("SECONDBRAIN_SERVER_PORT", "8282")
	t.Setenv("SECONDBRAIN_BUS_HISTORY_LIMIT", "25")
	// Unprefixed variables are never ingested as configuration.
	t.Setenv("SERVER_PORT", "1234")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Bus.HistoryLimit)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9290, cfg.Server.Port)
}

func TestValidate_InvalidFastProvider(t *testing.T) {
	cfg := Default()
	cfg.Store.Fast.Provider = "memcached"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fast tier provider")
}

func TestValidate_RedisWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Store.Fast.Provider = "redis"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis url")
}

func TestValidate_RateLimit(t *testing.T) {
	cfg := Default()
	cfg.Guard.RateLimit.Enabled = true
	cfg.Guard.RateLimit.RequestsPerSecond = 0
	require.Error(t, cfg.Validate())

	cfg.Guard.RateLimit.RequestsPerSecond = 10
	cfg.Guard.RateLimit.Burst = 20
	require.NoError(t, cfg.Validate())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
}
