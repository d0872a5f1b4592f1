package config

import "time"

// Config holds runtime settings for the wallet sync client.
//
// Fields:
//   - ServerEndpointAddr: base URL of the backend HTTP API.
//   - WebsocketAddr: URL of the change notification endpoint. When empty it
//     is derived from ServerEndpointAddr.
//   - DatabaseDsn: path of the local SQLite database.
//   - WalletID: the wallet this client instance synchronizes.
//   - AccessToken: bearer token presented on every sync request.
//   - SyncInterval: how often the client reconciles with the server even
//     without a change notification.
//
// Units: SyncInterval is a time.Duration (e.g., 30*time.Second).
type Config struct {
	ServerEndpointAddr string
	WebsocketAddr      string
	DatabaseDsn        string
	WalletID           string
	AccessToken        string
	SyncInterval       time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.WebsocketAddr = ""
	c.DatabaseDsn = "walletsync.db"
	c.WalletID = ""
	c.AccessToken = ""
	c.SyncInterval = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
