package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"empty db", func(c *Config) { c.Server.DB = "" }},
		{"bad transport", func(c *Config) { c.Client.Transport = "carrier-pigeon" }},
		{"nats transport without url", func(c *Config) { c.Client.Transport = "nats" }},
		{"publish without url", func(c *Config) { c.NATS.Publish = true }},
		{"zero max objects", func(c *Config) { c.Fetch.MaxObjects = 0 }},
		{"negative delay", func(c *Config) { c.Fetch.Delay = Duration(-time.Second) }},
		{"zero buffer", func(c *Config) { c.Dispatch.BufferSize = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestWriteAndLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "storesync.toml")
	c := Default()
	c.Server.Addr = "0.0.0.0:9000"
	c.Fetch.Delay = Duration(250 * time.Millisecond)
	require.NoError(t, c.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "250ms")

	loaded, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", loaded.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, loaded.Fetch.Delay.Std())
	assert.Equal(t, c.Dispatch, loaded.Dispatch)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
  ping_interval: 2s
log:
  level: debug
  format: json
`), 0644))

	c, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Server.Addr)
	assert.Equal(t, 2*time.Second, c.Server.PingInterval.Std())
	assert.Equal(t, "json", c.Log.Format)
	// untouched sections keep their defaults
	assert.Equal(t, 256, c.Fetch.MaxObjects)

	level, err := c.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	_, err := Load(path, false)
	assert.Error(t, err)

	c, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, c.Server.Addr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storesync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[fetch]\ndelay = 'soon'\n"), 0644))
	_, err := Load(path, false)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STORESYNC_SERVER_ADDR":       ":1234",
		"STORESYNC_CLIENT_TOKEN":      "tok",
		"STORESYNC_FETCH_MAX_OBJECTS": "10",
		"STORESYNC_NATS_PUBLISH":      "true",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	c := Default()
	require.NoError(t, c.applyEnv(lookup))
	assert.Equal(t, ":1234", c.Server.Addr)
	assert.Equal(t, "tok", c.Client.Token)
	assert.Equal(t, 10, c.Fetch.MaxObjects)
	assert.True(t, c.NATS.Publish)

	env["STORESYNC_FETCH_MAX_OBJECTS"] = "many"
	assert.Error(t, Default().applyEnv(lookup))
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("STORESYNC_LOG_LEVEL", "warn")
	c, err := Load(filepath.Join(t.TempDir(), "none.toml"), true)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)
}
