package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/eventspine/pkg/eventspine/config"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, config.New(nil).Raw())
	assert.NotNil(t, config.New(map[string]any{}).Raw())

	cfg := config.New(map[string]any{"key": "value"})
	assert.True(t, cfg.Has("key"))
	assert.False(t, cfg.Has("missing"))
}

func TestString(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"key exists", map[string]any{"name": "spine"}, "spine"},
		{"key missing", map[string]any{"other": "x"}, "default"},
		{"empty string kept", map[string]any{"name": ""}, ""},
		{"wrong type", map[string]any{"name": 123}, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).String("name", "default"))
		})
	}
}

func TestInt(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want int
	}{
		{"int", map[string]any{"n": 42}, 42},
		{"int64", map[string]any{"n": int64(42)}, 42},
		{"whole float from json", map[string]any{"n": 42.0}, 42},
		{"fractional float rejected", map[string]any{"n": 42.5}, 7},
		{"missing", map[string]any{}, 7},
		{"wrong type", map[string]any{"n": "42"}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).Int("n", 7))
		})
	}
}

func TestFloat(t *testing.T) {
	cfg := config.New(map[string]any{"factor": 2.5, "count": 3})
	assert.Equal(t, 2.5, cfg.Float("factor", 1.0))
	assert.Equal(t, 3.0, cfg.Float("count", 1.0))
	assert.Equal(t, 1.0, cfg.Float("missing", 1.0))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"duration string", map[string]any{"timeout": "30s"}, 30 * time.Second},
		{"compound string", map[string]any{"timeout": "1m30s"}, 90 * time.Second},
		{"int seconds", map[string]any{"timeout": 5}, 5 * time.Second},
		{"float seconds", map[string]any{"timeout": 1.5}, 1500 * time.Millisecond},
		{"native duration", map[string]any{"timeout": 2 * time.Second}, 2 * time.Second},
		{"invalid string", map[string]any{"timeout": "soon"}, time.Second},
		{"missing", map[string]any{}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).Duration("timeout", time.Second))
		})
	}
}

func TestBool(t *testing.T) {
	cfg := config.New(map[string]any{"on": true, "off": false, "str": "true"})
	assert.True(t, cfg.Bool("on", false))
	assert.False(t, cfg.Bool("off", true))
	assert.True(t, cfg.Bool("str", true), "non-bool falls back to default")
	assert.False(t, cfg.Bool("missing", false))
}

func TestStringSlice(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want []string
	}{
		{"string slice", map[string]any{"types": []string{"a", "b"}}, []string{"a", "b"}},
		{"any slice of strings", map[string]any{"types": []any{"a", "b"}}, []string{"a", "b"}},
		{"mixed any slice rejected", map[string]any{"types": []any{"a", 1}}, []string{"x"}},
		{"missing", map[string]any{}, []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).StringSlice("types", []string{"x"}))
		})
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
persistence_enabled: true
handler_timeout: 30s
max_concurrent_handlers: 4
retry_backoff_factor: 2.0
safety_critical_types:
  - vitals.threshold_breached
  - device.fault
`))
	require.NoError(t, err)

	assert.True(t, cfg.Bool("persistence_enabled", false))
	assert.Equal(t, 30*time.Second, cfg.Duration("handler_timeout", 0))
	assert.Equal(t, 4, cfg.Int("max_concurrent_handlers", 0))
	assert.Equal(t, 2.0, cfg.Float("retry_backoff_factor", 0))
	assert.Equal(t,
		[]string{"vitals.threshold_breached", "device.fault"},
		cfg.StringSlice("safety_critical_types", nil))

	_, err = config.FromYAML([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"audit_enabled": true, "snapshot_threshold": 100}`))
	require.NoError(t, err)
	assert.True(t, cfg.Bool("audit_enabled", false))
	assert.Equal(t, 100, cfg.Int("snapshot_threshold", 0))

	_, err = config.FromJSON([]byte("{broken"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "bus.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("persistence_enabled: true\n"), 0o644))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, cfg.Bool("persistence_enabled", false))

	jsonPath := filepath.Join(dir, "bus.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"audit_enabled": true}`), 0o644))

	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, cfg.Bool("audit_enabled", false))

	tomlPath := filepath.Join(dir, "bus.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("x = 1\n"), 0o644))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
