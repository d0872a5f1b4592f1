// Package storage is the client's local store: a SQLite-backed event log,
// snapshot stack and key-value table for sync cursors. It is the single
// source of truth on the device; projections are always derived from it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/walletsync/internal/client/storage/migrations"
	"github.com/dmitrijs2005/walletsync/internal/event"
)

// TimeLayout is the storage form of timestamps. Fixed fractional digits
// keep lexicographic order equal to chronological order, so SQL range
// scans over created_at are correct.
const TimeLayout = event.TimeLayout

// Storage wraps the client database. It implements event.Log and
// snapshot.Store plus the local-only bookkeeping the sync engine needs.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at dsn and runs the
// embedded goose migrations.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Storage{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// ConfigGet returns the value for key, or "" when the key is unset.
func (s *Storage) ConfigGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading config %q: %w", key, err)
	}
	return value, nil
}

// ConfigSet upserts a config key.
func (s *Storage) ConfigSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

func cursorKey(walletID string) string {
	return "last_sync_timestamp_" + walletID
}

// Cursor returns the wallet's last synced event timestamp, or "" before
// the first successful pull.
func (s *Storage) Cursor(ctx context.Context, walletID string) (string, error) {
	return s.ConfigGet(ctx, cursorKey(walletID))
}

// SetCursor advances the wallet's sync cursor.
func (s *Storage) SetCursor(ctx context.Context, walletID, timestamp string) error {
	return s.ConfigSet(ctx, cursorKey(walletID), timestamp)
}

// ClearWallet removes every trace of the wallet: its events, snapshots and
// sync cursor. Used on wallet deletion and on read-permission resync.
func (s *Storage) ClearWallet(ctx context.Context, walletID string) error {
	for _, q := range []string{
		`DELETE FROM events WHERE wallet_id = ?`,
		`DELETE FROM snapshots WHERE wallet_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, walletID); err != nil {
			return fmt.Errorf("clearing wallet: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, cursorKey(walletID)); err != nil {
		return fmt.Errorf("clearing wallet cursor: %w", err)
	}
	return nil
}
