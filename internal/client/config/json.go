package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/flagx"
	"github.com/dmitrijs2005/gophchat/internal/timex"
)

// JsonConfig is the file form of Config. Pointer fields distinguish an
// absent value from a zero one.
type JsonConfig struct {
	ServerEndpointAddr string `json:"server_endpoint_addr"`
	RealtimeURL        string `json:"realtime_url"`
	DataDir            string `json:"data_dir"`
	DatabasePath       string `json:"database_path"`
	TokenFile          string `json:"token_file"`
	LogLevel           string `json:"log_level"`
	LogFormat          string `json:"log_format"`
	LogFile            string `json:"log_file"`
	KDF                string `json:"kdf"`

	OnlineCheckInterval  *timex.Duration `json:"online_check_interval"`
	HeartbeatInterval    *timex.Duration `json:"heartbeat_interval"`
	RequestTimeout       *timex.Duration `json:"request_timeout"`
	ReconnectBaseDelay   *timex.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay    *timex.Duration `json:"reconnect_max_delay"`
	ReconnectMaxAttempts *int            `json:"reconnect_max_attempts"`
	SessionTimeout       *timex.Duration `json:"session_timeout"`
	OutboxExpiry         *timex.Duration `json:"outbox_expiry"`
	TypingDebounce       *timex.Duration `json:"typing_debounce"`
	TypingExpiry         *timex.Duration `json:"typing_expiry"`
	LockoutThreshold     *int            `json:"lockout_threshold"`
	LockoutDuration      *timex.Duration `json:"lockout_duration"`

	Attachments *struct {
		Bucket       string `json:"bucket"`
		Region       string `json:"region"`
		Endpoint     string `json:"endpoint"`
		AccessKey    string `json:"access_key"`
		SecretKey    string `json:"secret_key"`
		UsePathStyle bool   `json:"use_path_style"`
	} `json:"attachments"`
}

// parseJson overlays cfg with the file named by -c/-config in args. No
// flag means no change.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func (jc *JsonConfig) apply(cfg *Config) {
	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setString(&cfg.RealtimeURL, jc.RealtimeURL)
	setString(&cfg.DataDir, jc.DataDir)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.TokenFile, jc.TokenFile)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)
	setString(&cfg.LogFile, jc.LogFile)
	setString(&cfg.KDF, jc.KDF)

	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.HeartbeatInterval, jc.HeartbeatInterval)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	setDuration(&cfg.ReconnectBaseDelay, jc.ReconnectBaseDelay)
	setDuration(&cfg.ReconnectMaxDelay, jc.ReconnectMaxDelay)
	setInt(&cfg.ReconnectMaxAttempts, jc.ReconnectMaxAttempts)
	setDuration(&cfg.SessionTimeout, jc.SessionTimeout)
	setDuration(&cfg.OutboxExpiry, jc.OutboxExpiry)
	setDuration(&cfg.TypingDebounce, jc.TypingDebounce)
	setDuration(&cfg.TypingExpiry, jc.TypingExpiry)
	setInt(&cfg.LockoutThreshold, jc.LockoutThreshold)
	setDuration(&cfg.LockoutDuration, jc.LockoutDuration)

	if a := jc.Attachments; a != nil {
		setString(&cfg.Attachments.Bucket, a.Bucket)
		setString(&cfg.Attachments.Region, a.Region)
		setString(&cfg.Attachments.Endpoint, a.Endpoint)
		setString(&cfg.Attachments.AccessKey, a.AccessKey)
		setString(&cfg.Attachments.SecretKey, a.SecretKey)
		cfg.Attachments.UsePathStyle = a.UsePathStyle
	}
}
