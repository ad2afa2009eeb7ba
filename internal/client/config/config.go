package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/cryptox"
)

// Attachments addresses the S3-compatible bucket holding encrypted files.
// An empty Bucket disables attachments.
type Attachments struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Config holds runtime settings for the GophChat client.
type Config struct {
	ServerEndpointAddr string
	RealtimeURL        string
	// DataDir holds the preferences database and the token file unless
	// they are given explicitly.
	DataDir      string
	DatabasePath string
	TokenFile    string

	LogLevel  string
	LogFormat string
	LogFile   string

	KDF string

	OnlineCheckInterval  time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	SessionTimeout       time.Duration
	OutboxExpiry         time.Duration
	TypingDebounce       time.Duration
	TypingExpiry         time.Duration
	LockoutThreshold     int
	LockoutDuration      time.Duration

	Attachments Attachments
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.RealtimeURL = "ws://127.0.0.1:8080/realtime"
	c.DataDir = defaultDataDir()
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.KDF = cryptox.PBKDF2{}.Name()

	c.OnlineCheckInterval = 3 * time.Second
	c.HeartbeatInterval = 30 * time.Second
	c.RequestTimeout = 10 * time.Second
	c.ReconnectBaseDelay = time.Second
	c.ReconnectMaxDelay = 30 * time.Second
	c.ReconnectMaxAttempts = 15
	c.SessionTimeout = 30 * time.Minute
	c.OutboxExpiry = 5 * time.Minute
	c.TypingDebounce = 3 * time.Second
	c.TypingExpiry = 6 * time.Second
	c.LockoutThreshold = 5
	c.LockoutDuration = 5 * time.Minute

	c.Attachments.Region = "us-east-1"
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gophchat")
	}
	return ".gophchat"
}

// Database returns the preferences database path.
func (c *Config) Database() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "client.db")
}

// Tokens returns the token file path.
func (c *Config) Tokens() string {
	if c.TokenFile != "" {
		return c.TokenFile
	}
	return filepath.Join(c.DataDir, "session.json")
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.ServerEndpointAddr == "" {
		return errors.New("server endpoint address is required")
	}
	u, err := url.Parse(c.RealtimeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("realtime url %q must be a ws:// or wss:// url", c.RealtimeURL)
	}
	switch c.KDF {
	case cryptox.PBKDF2{}.Name(), cryptox.Argon2ID{}.Name(), "argon2":
	default:
		return fmt.Errorf("unknown kdf %q", c.KDF)
	}
	for name, d := range map[string]time.Duration{
		"online check interval": c.OnlineCheckInterval,
		"heartbeat interval":    c.HeartbeatInterval,
		"request timeout":       c.RequestTimeout,
		"reconnect base delay":  c.ReconnectBaseDelay,
		"session timeout":       c.SessionTimeout,
		"outbox expiry":         c.OutboxExpiry,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("reconnect max delay is below the base delay")
	}
	if c.LockoutThreshold < 1 {
		return errors.New("lockout threshold must be at least 1")
	}
	return nil
}

// LoadConfig applies defaults, then the JSON file named by -c/-config,
// then command-line flags. Later sources take precedence.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
