// Package event defines the immutable domain event model shared by the
// client and server halves of walletsync: the event record itself, the
// typed payload union, the replay ordering, and the log digest used for
// cheap sync comparison.
package event

import (
	"context"
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width RFC3339 form event timestamps take whenever
// they travel or are stored as strings (sync cursors, SQL columns, the
// `since` query parameter). Fixed fractional digits keep lexicographic order
// equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// AggregateType identifies the kind of domain entity an event belongs to.
type AggregateType string

const (
	AggregateContact     AggregateType = "contact"
	AggregateTransaction AggregateType = "transaction"
)

// Type is the lifecycle kind of an event.
type Type string

const (
	TypeCreated Type = "CREATED"
	TypeUpdated Type = "UPDATED"
	TypeDeleted Type = "DELETED"
	TypeUndo    Type = "UNDO"
)

// Event is an immutable record in a wallet's append-only log.
//
// Once appended, ID, Data and CreatedAt never change; only Synced may flip
// from false to true (client-side bookkeeping, meaningless on the server).
type Event struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"wallet_id"`
	AggregateType  AggregateType   `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Type           Type            `json:"event_type"`
	Data           json.RawMessage `json:"event_data"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Synced         bool            `json:"-"`
}

// Before reports whether e precedes other in the (timestamp, id) total
// order used for replay. The id tie-break keeps the order deterministic
// when two events share a timestamp.
func (e *Event) Before(other *Event) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.ID < other.ID
}

// Log is the append-only, per-wallet partitioned event store.
//
// Implementations: the client's SQLite storage and the server's Postgres
// storage. Unsynced/MarkSynced are local bookkeeping and are no-ops on the
// server side, where every accepted event is authoritative immediately.
type Log interface {
	// Append assigns version = currentVersion(aggregate)+1 and inserts the
	// event. If the event carries an idempotency key that is already
	// present, the existing event is returned instead of a duplicate.
	Append(ctx context.Context, e *Event) (*Event, error)

	// Insert stores an event exactly as given (version included).
	// Re-insertion of an already-known id is a no-op, not an error.
	Insert(ctx context.Context, e *Event) error

	// GetByID returns the stored event or common.ErrorNotFound.
	GetByID(ctx context.Context, walletID, id string) (*Event, error)

	// Events returns all events for the wallet in (timestamp, id) order.
	Events(ctx context.Context, walletID string) ([]Event, error)

	// EventsForAggregate returns the aggregate's history in replay order.
	EventsForAggregate(ctx context.Context, walletID string, at AggregateType, aggregateID string) ([]Event, error)

	// EventsAfter returns events with a timestamp strictly greater than
	// since, in replay order. Used for incremental pull.
	EventsAfter(ctx context.Context, walletID string, since time.Time) ([]Event, error)

	// Unsynced returns events not yet accepted by the server.
	Unsynced(ctx context.Context, walletID string) ([]Event, error)

	// MarkSynced flips the synced flag for the given event ids.
	MarkSynced(ctx context.Context, ids []string) error

	// Hash returns the wallet's log digest (see Digest).
	Hash(ctx context.Context, walletID string) (string, error)

	// Count returns the number of events in the wallet's log.
	Count(ctx context.Context, walletID string) (int64, error)
}
