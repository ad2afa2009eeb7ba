// Package config loads runtime configuration for the GophChat client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-a string         address:port of the backend gRPC endpoint
//	-w string         realtime websocket url
//	-d string         data directory
//	-l string         log level (debug, info, warn, error)
//	-k string         key derivation function (pbkdf2-sha256, argon2id)
//	-i int            online status check interval (seconds)
//	-t duration       inactivity timeout
//	-s3-bucket string attachment bucket
//	-s3-endpoint string
//	-s3-path-style    use path-style bucket addressing
//
// # JSON schema
//
// Durations use timex.Duration, so they may be strings like "3s" or
// integer nanoseconds. Absent fields keep their defaults:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "realtime_url": "ws://127.0.0.1:8080/realtime",
//	  "heartbeat_interval": "30s",
//	  "attachments": {"bucket": "gophchat", "endpoint": "http://127.0.0.1:9000", "use_path_style": true}
//	}
//
// The package does not read environment variables; S3 credentials fall
// back to the default AWS chain when absent from the file.
package config
