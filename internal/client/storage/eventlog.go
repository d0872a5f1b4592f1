package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/event"
)

const eventColumns = `id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, version, created_at, COALESCE(idempotency_key, ''), synced`

func scanEvent(row interface{ Scan(...any) error }) (*event.Event, error) {
	var e event.Event
	var data string
	var createdAt string
	if err := row.Scan(&e.ID, &e.WalletID, &e.AggregateType, &e.AggregateID, &e.Type,
		&data, &e.Version, &createdAt, &e.IdempotencyKey, &e.Synced); err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	ts, err := time.Parse(TimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp: %w", err)
	}
	e.CreatedAt = ts
	return &e, nil
}

func (s *Storage) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting events: %w", err)
	}
	defer rows.Close()

	var result []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Append assigns the aggregate's next version and inserts the event. When
// the event carries an idempotency key that is already present, the
// existing event is returned unchanged (at-most-once for retried writes).
func (s *Storage) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	var out *event.Event
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if e.IdempotencyKey != "" {
			existing, err := getEventWhere(ctx, tx, `idempotency_key = ?`, e.IdempotencyKey)
			if err != nil && !errors.Is(err, common.ErrorNotFound) {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}

		var version int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM events
			 WHERE wallet_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
			e.WalletID, e.AggregateType, e.AggregateID).Scan(&version)
		if err != nil {
			return fmt.Errorf("assigning version: %w", err)
		}

		stored := *e
		stored.Version = version
		if err := insertEvent(ctx, tx, &stored); err != nil {
			return err
		}
		out = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Insert stores an event exactly as given. Re-insertion of a known id is
// a no-op so pulled batches can be applied blindly.
func (s *Storage) Insert(ctx context.Context, e *event.Event) error {
	return insertEvent(ctx, s.db, e)
}

func insertEvent(ctx context.Context, db dbx.DBTX, e *event.Event) error {
	key := sql.NullString{String: e.IdempotencyKey, Valid: e.IdempotencyKey != ""}
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, version, created_at, idempotency_key, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.WalletID, e.AggregateType, e.AggregateID, e.Type, string(e.Data),
		e.Version, e.CreatedAt.UTC().Format(TimeLayout), key, e.Synced)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func getEventWhere(ctx context.Context, db dbx.DBTX, where string, args ...any) (*event.Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE `+where, args...)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting event: %w", err)
	}
	return e, nil
}

// GetByID returns the stored event or common.ErrorNotFound.
func (s *Storage) GetByID(ctx context.Context, walletID, id string) (*event.Event, error) {
	return getEventWhere(ctx, s.db, `wallet_id = ? AND id = ?`, walletID, id)
}

// Events returns the wallet's full log in (created_at, id) order.
func (s *Storage) Events(ctx context.Context, walletID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wallet_id = ? ORDER BY created_at, id`,
		walletID)
}

// EventsForAggregate returns one aggregate's history in replay order.
func (s *Storage) EventsForAggregate(ctx context.Context, walletID string, at event.AggregateType, aggregateID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE wallet_id = ? AND aggregate_type = ? AND aggregate_id = ?
		 ORDER BY created_at, id`,
		walletID, at, aggregateID)
}

// EventsAfter returns events strictly after since, in replay order.
func (s *Storage) EventsAfter(ctx context.Context, walletID string, since time.Time) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE wallet_id = ? AND created_at > ?
		 ORDER BY created_at, id`,
		walletID, since.UTC().Format(TimeLayout))
}

// Unsynced returns events not yet accepted by the server, in replay order.
func (s *Storage) Unsynced(ctx context.Context, walletID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE wallet_id = ? AND synced = 0
		 ORDER BY created_at, id`,
		walletID)
}

// MarkSynced flips the synced flag for the given ids.
func (s *Storage) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET synced = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking events synced: %w", err)
	}
	return nil
}

// DeleteUnsynced removes all pending events for the wallet and reports how
// many were dropped. Used when the server rejects a pushed batch for a
// permission denial: the optimistic local effect must be discarded.
func (s *Storage) DeleteUnsynced(ctx context.Context, walletID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE wallet_id = ? AND synced = 0`, walletID)
	if err != nil {
		return 0, fmt.Errorf("deleting unsynced events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Delete removes a single event by id. Used to discard an individually
// rejected optimistic write.
func (s *Storage) Delete(ctx context.Context, walletID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE wallet_id = ? AND id = ?`, walletID, id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// Hash returns the wallet's log digest over its (id, version) pairs.
func (s *Storage) Hash(ctx context.Context, walletID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version FROM events WHERE wallet_id = ?`, walletID)
	if err != nil {
		return "", fmt.Errorf("selecting id/version pairs: %w", err)
	}
	defer rows.Close()

	var pairs []event.IDVersion
	for rows.Next() {
		var p event.IDVersion
		if err := rows.Scan(&p.ID, &p.Version); err != nil {
			return "", err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return event.Digest(pairs), nil
}

// Count returns the number of events in the wallet's log.
func (s *Storage) Count(ctx context.Context, walletID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE wallet_id = ?`, walletID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}
