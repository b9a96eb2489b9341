package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/trackflow/pkg/trackflow/config"
	tferrors "github.com/randalmurphal/trackflow/pkg/trackflow/errors"
)

// TestValuesDuration verifies duration extraction with various input types.
func TestValuesDuration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"string duration", map[string]any{"timeout": "30s"}, 30 * time.Second},
		{"string complex duration", map[string]any{"timeout": "1h30m"}, 90 * time.Minute},
		{"int seconds", map[string]any{"timeout": 60}, 60 * time.Second},
		{"int64 seconds", map[string]any{"timeout": int64(45)}, 45 * time.Second},
		{"float64 seconds", map[string]any{"timeout": 30.5}, 30*time.Second + 500*time.Millisecond},
		{"time.Duration directly", map[string]any{"timeout": 5 * time.Minute}, 5 * time.Minute},
		{"key missing", map[string]any{"other": "value"}, 10 * time.Second},
		{"invalid string", map[string]any{"timeout": "invalid"}, 10 * time.Second},
		{"wrong type bool", map[string]any{"timeout": true}, 10 * time.Second},
		{"nil map", nil, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := config.NewValues(tt.data)
			assert.Equal(t, tt.want, v.Duration("timeout", 10*time.Second))
		})
	}
}

// TestValuesInt verifies integer coercion.
func TestValuesInt(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want int
	}{
		{"int", map[string]any{"n": 3}, 3},
		{"int64", map[string]any{"n": int64(4)}, 4},
		{"whole float64", map[string]any{"n": 5.0}, 5},
		{"fractional float64", map[string]any{"n": 5.5}, 7},
		{"string", map[string]any{"n": "5"}, 7},
		{"missing", nil, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.NewValues(tt.data).Int("n", 7))
		})
	}
}

func TestValuesAccessors(t *testing.T) {
	v := config.NewValues(map[string]any{
		"name":    "alice",
		"enabled": true,
		"nested":  map[string]any{"k": "v"},
		"scalar":  1,
	})

	assert.Equal(t, "alice", v.String("name", "x"))
	assert.Equal(t, "x", v.String("enabled", "x"))
	assert.True(t, v.Bool("enabled", false))
	assert.False(t, v.Bool("name", false))
	assert.Equal(t, "v", v.Sub("nested").String("k", ""))
	assert.Empty(t, v.Sub("scalar").Raw())
	assert.Empty(t, v.Sub("missing").Raw())
	assert.True(t, v.Has("name"))
	assert.False(t, v.Has("missing"))
	assert.NotNil(t, config.NewValues(nil).Raw())
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "https://api.segment.io", cfg.Host)
	assert.Equal(t, "/v1/batch", cfg.Path)
	assert.Equal(t, 15, cfg.FlushAt)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 480*1024, cfg.MaxBatchBytes)
	assert.Equal(t, 32*1024, cfg.MaxEventBytes)
	assert.Equal(t, 10000, cfg.MaxBacklog)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Second, cfg.CloseTimeout)
	assert.Equal(t, config.PartialUniform, cfg.PartialRejection)
	assert.False(t, cfg.CircuitBreaker.Enabled)

	// Only the write key is missing.
	err := cfg.Validate()
	require.Error(t, err)
	var valErr *tferrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "write_key", valErr.Field)

	cfg.WriteKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"missing write key", func(c *config.Config) { c.WriteKey = "" }, "write_key"},
		{"relative host", func(c *config.Config) { c.Host = "localhost" }, "host"},
		{"path without slash", func(c *config.Config) { c.Path = "v1/batch" }, "path"},
		{"zero flush_at", func(c *config.Config) { c.FlushAt = 0 }, "flush_at"},
		{"zero flush interval", func(c *config.Config) { c.FlushInterval = 0 }, "flush_interval"},
		{"event larger than batch", func(c *config.Config) { c.MaxEventBytes = c.MaxBatchBytes }, "max_event_bytes"},
		{"negative backlog", func(c *config.Config) { c.MaxBacklog = -1 }, "max_backlog"},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }, "max_retries"},
		{"max backoff below initial", func(c *config.Config) { c.MaxBackoff = time.Millisecond }, "max_backoff"},
		{"zero http timeout", func(c *config.Config) { c.HTTPTimeout = 0 }, "http_timeout"},
		{"zero in flight", func(c *config.Config) { c.MaxInFlight = 0 }, "max_in_flight"},
		{"unknown partial policy", func(c *config.Config) { c.PartialRejection = "sometimes" }, "partial_rejection"},
		{"negative breaker timeout", func(c *config.Config) { c.CircuitBreaker.Timeout = -time.Second }, "circuit_breaker.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.WriteKey = "k"
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var valErr *tferrors.ValidationError
			require.True(t, errors.As(err, &valErr))
			assert.Equal(t, tt.field, valErr.Field)
			assert.NotEmpty(t, valErr.Message)
		})
	}
}

func TestValidate_DisableNeedsNoWriteKey(t *testing.T) {
	cfg := config.Default()
	cfg.Disable = true
	assert.NoError(t, cfg.Validate())
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
write_key: abc
host: http://localhost:9000
flush_at: 20
flush_interval: 5s
max_retries: 5
initial_backoff: 0.1
http_timeout: 3
partial_rejection: PER_ITEM
metrics: true
circuit_breaker:
  enabled: true
  consecutive_failures: 2
  timeout: 1m
`)

	cfg, err := config.FromYAML(data)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.WriteKey)
	assert.Equal(t, "http://localhost:9000", cfg.Host)
	assert.Equal(t, "/v1/batch", cfg.Path)
	assert.Equal(t, 20, cfg.FlushAt)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, config.PartialPerItem, cfg.PartialRejection)
	assert.True(t, cfg.Metrics)
	assert.False(t, cfg.Tracing)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, 2, cfg.CircuitBreaker.ConsecutiveFailures)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, 1, cfg.CircuitBreaker.MaxRequests)
}

func TestFromJSON(t *testing.T) {
	data := []byte(`{"write_key":"abc","max_backlog":50,"close_timeout":"2s","disable":true}`)

	cfg, err := config.FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxBacklog)
	assert.Equal(t, 2*time.Second, cfg.CloseTimeout)
	assert.True(t, cfg.Disable)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := config.FromJSON([]byte(`{"write_key":"abc","flush_at":-1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush_at")

	_, err = config.FromJSON([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse json")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "trackflow.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("write_key: y\nflush_at: 3\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.FlushAt)

	jsonPath := filepath.Join(dir, "trackflow.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"write_key":"j","flush_at":4}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.FlushAt)

	tomlPath := filepath.Join(dir, "trackflow.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(""), 0o600))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
