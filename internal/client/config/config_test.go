package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:50051", c.ServerEndpointAddr)
	assert.Equal(t, "ws://127.0.0.1:8080/realtime", c.RealtimeURL)
	assert.Equal(t, 3*time.Second, c.OnlineCheckInterval)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, c.OutboxExpiry)
	assert.Equal(t, 5, c.LockoutThreshold)
	assert.Equal(t, "pbkdf2-sha256", c.KDF)
	assert.Empty(t, c.Attachments.Bucket)
	require.NoError(t, c.Validate())
}

func TestLoadConfig_DefaultsWithoutArgs(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:50051", cfg.ServerEndpointAddr)
	assert.Equal(t, 3*time.Second, cfg.OnlineCheckInterval)
}

func TestPaths(t *testing.T) {
	c := Config{DataDir: "/data"}
	assert.Equal(t, filepath.Join("/data", "client.db"), c.Database())
	assert.Equal(t, filepath.Join("/data", "session.json"), c.Tokens())

	c.DatabasePath, c.TokenFile = "/x.db", "/t.json"
	assert.Equal(t, "/x.db", c.Database())
	assert.Equal(t, "/t.json", c.Tokens())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty endpoint", func(c *Config) { c.ServerEndpointAddr = "" }},
		{"http realtime url", func(c *Config) { c.RealtimeURL = "http://host/realtime" }},
		{"unknown kdf", func(c *Config) { c.KDF = "md5" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }},
		{"no lockout threshold", func(c *Config) { c.LockoutThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.LoadDefaults()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	var c Config
	c.LoadDefaults()
	c.KDF = "argon2id"
	require.NoError(t, c.Validate())
}
