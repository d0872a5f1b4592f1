package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/event"
)

const eventColumns = `id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, version, created_at, COALESCE(idempotency_key, '')`

// EventRepository is the authoritative event log over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type EventRepository struct {
	db dbx.DBTX
}

// NewEventRepository constructs a repository bound to the given DBTX.
func NewEventRepository(db dbx.DBTX) *EventRepository {
	return &EventRepository{db: db}
}

func scanEvent(row interface{ Scan(...any) error }) (*event.Event, error) {
	var e event.Event
	var data, createdAt string
	if err := row.Scan(&e.ID, &e.WalletID, &e.AggregateType, &e.AggregateID, &e.Type,
		&data, &e.Version, &createdAt, &e.IdempotencyKey); err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	ts, err := time.Parse(event.TimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp: %w", err)
	}
	e.CreatedAt = ts
	return &e, nil
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

// Insert stores an accepted event. The log is append-only: a duplicate id
// is a caller bug here, idempotent replays are detected before insertion.
func (r *EventRepository) Insert(ctx context.Context, e *event.Event, authorID string) error {
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, version, created_at, idempotency_key, author_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.WalletID, e.AggregateType, e.AggregateID, e.Type, string(e.Data),
		e.Version, e.CreatedAt.UTC().Format(event.TimeLayout), key, authorID)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetByID returns the event, or common.ErrorNotFound.
func (r *EventRepository) GetByID(ctx context.Context, walletID, id string) (*event.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wallet_id = $1 AND id = $2`, walletID, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting event: %w", err)
	}
	return e, nil
}

// GetByIdempotencyKey returns the event previously stored under key, or
// common.ErrorNotFound.
func (r *EventRepository) GetByIdempotencyKey(ctx context.Context, walletID, key string) (*event.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wallet_id = $1 AND idempotency_key = $2`, walletID, key)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting event: %w", err)
	}
	return e, nil
}

// Events returns the wallet's full log in replay order.
func (r *EventRepository) Events(ctx context.Context, walletID string) ([]event.Event, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
}

// EventsAfter returns events created strictly after since, in replay order.
func (r *EventRepository) EventsAfter(ctx context.Context, walletID string, since time.Time) ([]event.Event, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE wallet_id = $1 AND created_at > $2 ORDER BY created_at, id`,
		walletID, since.UTC().Format(event.TimeLayout))
}

// EventsForAggregate returns one aggregate's events in replay order.
func (r *EventRepository) EventsForAggregate(ctx context.Context, walletID string, at event.AggregateType, aggregateID string) ([]event.Event, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE wallet_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		 ORDER BY created_at, id`, walletID, at, aggregateID)
}

// Hash computes the wallet's log digest over (id, version) pairs.
func (r *EventRepository) Hash(ctx context.Context, walletID string) (string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, version FROM events WHERE wallet_id = $1`, walletID)
	if err != nil {
		return "", fmt.Errorf("selecting event versions: %w", err)
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

// Count returns the wallet's event count.
func (r *EventRepository) Count(ctx context.Context, walletID string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE wallet_id = $1`, walletID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}
