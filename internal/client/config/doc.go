// Package config loads runtime configuration for the wallet sync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the backend HTTP API
//	-w string   URL of the change notification websocket endpoint
//	-d string   path of the local SQLite database
//	-i int      periodic sync interval (seconds)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "30s" or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "http://127.0.0.1:8080",
//	  "websocket_addr": "ws://127.0.0.1:8080/api/sync/ws",
//	  "database_dsn": "walletsync.db",
//	  "sync_interval": "30s"
//	}
//
// Primary API
//
//   - type Config                     — runtime settings for the client
//   - func LoadConfig() *Config       — builds Config by applying defaults, JSON, then flags
//   - func (*Config) LoadDefaults()   — sets sensible defaults
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
