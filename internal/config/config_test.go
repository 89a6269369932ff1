package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Pool.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Pool.DisconnectGrace)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
pool:
  max_attempts: 5
  retry_delay: 250ms
workers:
  - id: gpu0
    url: http://10.0.0.5:8188
    priority: 10
    affinity: [flows/sdxl.json]
  - id: sim0
    sim:
      max_latency: 2s
      failure_rate: 0.1
archive:
  enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Pool.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.SuccessGrace, "unset keys keep defaults")
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, []string{"flows/sdxl.json"}, cfg.Workers[0].Affinity)
	require.NotNil(t, cfg.Workers[1].Sim)
	assert.Equal(t, 2*time.Second, cfg.Workers[1].Sim.MaxLatency)
	assert.Equal(t, "flowpool.db", cfg.Archive.Path)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "pool: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"max attempts", func(c *Config) { c.Pool.MaxAttempts = 0 }, "max_attempts"},
		{"negative grace", func(c *Config) { c.Pool.DisconnectGrace = -time.Second }, "disconnect_grace"},
		{"worker without id", func(c *Config) { c.Workers = []WorkerConfig{{URL: "http://x"}} }, "id is required"},
		{"duplicate worker", func(c *Config) {
			c.Workers = []WorkerConfig{{ID: "a", URL: "http://x"}, {ID: "a", URL: "http://y"}}
		}, "duplicate id"},
		{"url and sim", func(c *Config) {
			c.Workers = []WorkerConfig{{ID: "a", URL: "http://x", Sim: &SimConfig{}}}
		}, "exactly one of url or sim"},
		{"neither url nor sim", func(c *Config) { c.Workers = []WorkerConfig{{ID: "a"}} }, "exactly one of url or sim"},
		{"sim rate", func(c *Config) {
			c.Workers = []WorkerConfig{{ID: "a", Sim: &SimConfig{FailureRate: 2}}}
		}, "within [0, 1]"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"archive path", func(c *Config) { c.Archive.Enabled = true; c.Archive.Path = "" }, "archive.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "flowpool.log")
	logger, closeFn, err := SetupLogger(LogConfig{Level: "warn", Format: "json", File: file, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	slog.Warn("Worker offline", "worker", "gpu0")
	require.NoError(t, closeFn())

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"worker":"gpu0"`)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Worker offline")

	_, _, err = SetupLogger(LogConfig{Level: "nope"}, &buf)
	assert.Error(t, err)
}
