// Package server initializes and runs the sync server: it opens the
// PostgreSQL-backed event store, applies migrations, wires the sync
// service and serves the HTTP API until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/logging"
	"github.com/dmitrijs2005/walletsync/internal/server/config"
	"github.com/dmitrijs2005/walletsync/internal/server/httpapi"
	"github.com/dmitrijs2005/walletsync/internal/server/storage"
	syncsvc "github.com/dmitrijs2005/walletsync/internal/server/sync"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *http.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	db, err := storage.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	svc := syncsvc.NewService(db, syncsvc.PostgresRepos{}, cfg.UndoWindow, logger)
	hub := httpapi.NewHub(logger)
	api := httpapi.NewServer(svc, hub, []byte(cfg.SecretKey), logger)

	srv := &http.Server{
		Addr:    cfg.EndpointAddr,
		Handler: api.Routes(),
	}

	return &App{config: cfg, logger: logger, db: db, server: srv}, nil
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

	app.logger.Info(ctx, "Starting app...", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, err.Error())
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}

	app.logger.Info(ctx, "App stopped")
}
