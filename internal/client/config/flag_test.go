package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected *Config
		wantErr  bool
	}{
		{
			name: "endpoint and interval",
			args: []string{"-a", "127.0.0.1:9090", "-i", "10"},
			expected: &Config{
				ServerEndpointAddr:  "127.0.0.1:9090",
				OnlineCheckInterval: 10 * time.Second,
			},
		},
		{
			name: "realtime, timeout and attachments",
			args: []string{"-w", "wss://chat.example/rt", "-t", "15m", "-s3-path-style", "-s3-bucket", "files", "send", "hello"},
			expected: &Config{
				RealtimeURL:    "wss://chat.example/rt",
				SessionTimeout: 15 * time.Minute,
				Attachments:    Attachments{Bucket: "files", UsePathStyle: true},
			},
		},
		{
			name: "foreign flags ignored",
			args: []string{"-config", "x.json", "-z", "1", "-l", "debug"},
			expected: &Config{
				LogLevel: "debug",
			},
		},
		{name: "bad interval", args: []string{"-i", "abc"}, wantErr: true},
		{name: "bad duration", args: []string{"-t", "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			err := parseFlags(cfg, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(tt.expected, cfg))
		})
	}
}

func TestLoadConfig_FlagsOverrideJSON(t *testing.T) {
	path := writeTempJSON(t, "", "", map[string]any{
		"server_endpoint_addr": "json:1",
		"heartbeat_interval":   "45s",
	})

	cfg, err := LoadConfig([]string{"-c", path, "-a", "flag:2"})
	require.NoError(t, err)
	assert.Equal(t, "flag:2", cfg.ServerEndpointAddr)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
}

func TestLoadConfig_InvalidResult(t *testing.T) {
	_, err := LoadConfig([]string{"-w", "http://not-a-socket"})
	require.Error(t, err)
}
