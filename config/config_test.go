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

	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, 30*time.Second, cfg.Transport.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Registry.TeardownDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.EpochStore.Kind)
	assert.Equal(t, time.Hour, cfg.EpochStore.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Transport.MultiplexEndpoints)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deltaconn.yaml")
	content := `
transport:
  kind: tcp
  handshakeTimeout: 5s
  multiplexEndpoints:
    - tcp://push.example:9000
registry:
  teardownDelay: 250ms
epochstore:
  kind: redis
redis:
  address: redis.internal:6379
  db: 2
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Transport.Kind)
	assert.Equal(t, 5*time.Second, cfg.Transport.HandshakeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.TeardownDelay)
	assert.Equal(t, "redis", cfg.EpochStore.Kind)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.IsMultiplexed("tcp://push.example:9000"))
	assert.False(t, cfg.IsMultiplexed("tcp://other:9000"))

	// Untouched keys keep their defaults.
	assert.Equal(t, time.Hour, cfg.EpochStore.TTL)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DELTACONN_LOG_LEVEL", "warn")
	t.Setenv("DELTACONN_REGISTRY_TEARDOWNDELAY", "5s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Registry.TeardownDelay)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid transport", func(t *testing.T) {
		t.Setenv("DELTACONN_TRANSPORT_KIND", "carrier-pigeon")
		_, err := Load("")
		assert.ErrorContains(t, err, "invalid transport kind")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero handshake timeout", func(c *Config) { c.Transport.HandshakeTimeout = 0 }},
		{"negative teardown", func(c *Config) { c.Registry.TeardownDelay = -time.Second }},
		{"unknown epoch store", func(c *Config) { c.EpochStore.Kind = "disk" }},
		{"redis without address", func(c *Config) { c.EpochStore.Kind = "redis"; c.Redis.Address = "" }},
		{"metrics without namespace", func(c *Config) { c.Metrics.Namespace = "" }},
		{"retry intervals", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
