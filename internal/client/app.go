// Package client initializes and runs the sync daemon: it opens the
// local SQLite store, wires the projection builder, snapshot manager,
// transport and sync engine, and keeps the configured wallet
// reconciled with the server until a shutdown signal arrives.
package client

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/walletsync/internal/client/config"
	"github.com/dmitrijs2005/walletsync/internal/client/storage"
	syncengine "github.com/dmitrijs2005/walletsync/internal/client/sync"
	"github.com/dmitrijs2005/walletsync/internal/client/transport"
	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/logging"
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	store    *storage.Storage
	engine   *syncengine.Engine
	listener *transport.Listener
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	if cfg.WalletID == "" {
		return nil, common.ErrNoWalletSelected
	}

	store, err := storage.Open(ctx, cfg.DatabaseDsn)
	if err != nil {
		return nil, err
	}

	builder := state.NewBuilder(logger)
	manager := snapshot.NewManager(store, store, builder, logger)

	tokens := transport.StaticToken(cfg.AccessToken)
	httpClient := transport.NewHTTPClient(cfg.ServerEndpointAddr, tokens)

	engine := syncengine.NewEngine(syncengine.Options{
		Store:        store,
		Transport:    httpClient,
		Rebuilder:    manager,
		Logger:       logger,
		SyncInterval: cfg.SyncInterval,
		OnDenial: func(d syncengine.Denial) {
			for _, r := range d.Rejections {
				logger.Warn(ctx, "local change rejected by server", "wallet_id", d.WalletID, "event_id", r.ID, "reason", r.Reason)
			}
		},
	})

	listener, err := transport.NewListener(websocketURL(cfg), cfg.WalletID, tokens, logger, func(walletID string) {
		engine.Trigger(walletID)
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{config: cfg, logger: logger, store: store, engine: engine, listener: listener}, nil
}

// websocketURL returns the change feed address, deriving it from the
// HTTP endpoint when the config does not name one explicitly.
func websocketURL(cfg *config.Config) string {
	if cfg.WebsocketAddr != "" {
		return cfg.WebsocketAddr
	}
	addr := strings.Replace(cfg.ServerEndpointAddr, "http", "ws", 1)
	return strings.TrimSuffix(addr, "/") + "/api/sync/ws"
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	walletID := app.config.WalletID
	app.logger.Info(ctx, "Starting sync...", "wallet_id", walletID, "server", app.config.ServerEndpointAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.listener.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.engine.Run(ctx, walletID)
	}()

	// Catch up immediately instead of waiting for the first hint/tick.
	app.engine.Trigger(walletID)
	app.engine.NotifyLocalChange(walletID)

	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}

	app.logger.Info(ctx, "Sync stopped")
}
