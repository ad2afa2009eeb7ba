package config

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/flagx"
)

var knownFlags = []string{"-a", "-w", "-d", "-l", "-k", "-i", "-t", "-s3-bucket", "-s3-endpoint", "-s3-path-style"}

// parseFlags overlays cfg with the flags it owns. Other arguments are
// left to their own parsers.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags, "-s3-path-style")

	fs := flag.NewFlagSet("gophchat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.RealtimeURL, "w", cfg.RealtimeURL, "realtime websocket url")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.KDF, "k", cfg.KDF, "key derivation function")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval/time.Second), "online check interval (in seconds)")
	fs.DurationVar(&cfg.SessionTimeout, "t", cfg.SessionTimeout, "inactivity timeout")
	fs.StringVar(&cfg.Attachments.Bucket, "s3-bucket", cfg.Attachments.Bucket, "attachment bucket")
	fs.StringVar(&cfg.Attachments.Endpoint, "s3-endpoint", cfg.Attachments.Endpoint, "attachment endpoint")
	fs.BoolVar(&cfg.Attachments.UsePathStyle, "s3-path-style", cfg.Attachments.UsePathStyle, "path-style bucket addressing")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	return nil
}
