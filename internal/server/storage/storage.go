// Package storage holds the server's PostgreSQL repositories: the
// authoritative event log, projection snapshots, wallet membership and
// the permission matrix. Repositories are bound to a dbx.DBTX so a
// request handler can run several of them inside one transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/walletsync/internal/server/storage/migrations"
)

// Open connects to PostgreSQL via pgx and applies the embedded goose
// migrations.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
