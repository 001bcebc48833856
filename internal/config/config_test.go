package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("QUANTFLOW_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.Port)
	assert.Equal(t, "SSE", cfg.Exchange)
	assert.Equal(t, 120, cfg.CallsPerMinute)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrentTasks)
	assert.Equal(t, 4, cfg.MaxSubRequests)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUANTFLOW_DATA_DIR", t.TempDir())
	t.Setenv("QUANTFLOW_PORT", "9999")
	t.Setenv("DATAHUB_CALLS_PER_MINUTE", "60")
	t.Setenv("DATAHUB_CALL_TIMEOUT", "10s")
	t.Setenv("QUANTFLOW_MAX_TASKS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 60, cfg.CallsPerMinute)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
}

func TestLoad_YAMLPluginOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUANTFLOW_DATA_DIR", dir)

	yaml := `
plugins:
  daily_bars:
    calls_per_minute: 480
    retry_attempts: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quantflow.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	// Overridden plugin uses its own budget
	assert.Equal(t, 480, cfg.PluginCallsPerMinute("daily_bars"))
	assert.Equal(t, 5, cfg.PluginRetryAttempts("daily_bars"))
	// Timeout was not overridden, falls back to global
	assert.Equal(t, cfg.CallTimeout, cfg.PluginCallTimeout("daily_bars"))

	// Unknown plugin falls back entirely
	assert.Equal(t, cfg.CallsPerMinute, cfg.PluginCallsPerMinute("stock_basic"))
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUANTFLOW_DATA_DIR", dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "quantflow.yaml"), []byte("plugins: ["), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidConcurrencyRejected(t *testing.T) {
	t.Setenv("QUANTFLOW_DATA_DIR", t.TempDir())
	t.Setenv("QUANTFLOW_MAX_TASKS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_DBPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUANTFLOW_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.DataDir, "meta.db"), cfg.MetaDBPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "market.duckdb"), cfg.MarketDBPath())
}
