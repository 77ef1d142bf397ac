package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"app": map[string]any{"env": "prod"},
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)
	assert.Equal(t, "/data/market", cfg.Datastore.Root)
	assert.Equal(t, "binance", cfg.Datastore.Exchange)
	assert.Equal(t, 480, cfg.Datastore.RateLimitPerMin)
	assert.Equal(t, 1000, cfg.Datastore.MaxBatch)
	assert.Equal(t, "https://fapi.binance.com", cfg.Binance.RESTBaseURL)
	assert.Equal(t, 15, cfg.Binance.HTTPTimeoutSeconds)
	assert.Equal(t, "/data/backtest", cfg.Backtest.ResultsRoot)
	assert.Equal(t, "1h", cfg.Backtest.DefaultTimeframe)
	assert.Equal(t, 1, cfg.Backtest.MaxConcurrent)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"app": map[string]any{"log_level": "debug", "http_addr": "127.0.0.1:8800"},
		"datastore": map[string]any{
			"root":               "/tmp/market",
			"rate_limit_per_min": 120,
			"max_batch":          500,
		},
		"backtest": map[string]any{"default_timeframe": "4h", "max_concurrent": 4},
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "127.0.0.1:8800", cfg.App.HTTPAddr)
	assert.Equal(t, "/tmp/market", cfg.Datastore.Root)
	assert.Equal(t, 120, cfg.Datastore.RateLimitPerMin)
	assert.Equal(t, 500, cfg.Datastore.MaxBatch)
	assert.Equal(t, "4h", cfg.Backtest.DefaultTimeframe)
	assert.Equal(t, 4, cfg.Backtest.MaxConcurrent)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"app": map[string]any{"log_level": "verbose"},
	})
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadRejectsOversizedBatch(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"datastore": map[string]any{"max_batch": 5000},
	})
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_batch")
}

func TestLoadRejectsBadAddr(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"app": map[string]any{"http_addr": "localhost"},
	})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestWatcherInitialLevel(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"app": map[string]any{"log_level": "warn"},
	})
	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", w.Level())
}

func TestWatcherDefaultsLevel(t *testing.T) {
	path := writeConfig(t, map[string]any{})
	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, "info", w.Level())
}
