package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the backend HTTP API (default from Config)
//	-w string   change notification websocket URL (default from Config)
//	-d string   local SQLite database path (default from Config)
//	-l string   wallet id to synchronize (default from Config)
//	-t string   access token for the backend (default from Config)
//	-i int      periodic sync interval in seconds (default from Config)
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-w", "-d", "-l", "-t", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "base URL of the backend HTTP API")
	fs.StringVar(&cfg.WebsocketAddr, "w", cfg.WebsocketAddr, "change notification websocket URL")
	fs.StringVar(&cfg.DatabaseDsn, "d", cfg.DatabaseDsn, "local SQLite database path")
	fs.StringVar(&cfg.WalletID, "l", cfg.WalletID, "wallet id to synchronize")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token for the backend")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "periodic sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
