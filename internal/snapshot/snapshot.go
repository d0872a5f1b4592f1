// Package snapshot bounds replay cost by periodically persisting the
// state builder's output. A snapshot is a cached projection plus a pointer
// into the log; rebuilding loads the latest snapshot and folds only the
// tail of events recorded after it.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/logging"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

// Interval is how many events between opportunistic snapshots.
const Interval = 10

// Retention is how many snapshots are kept per wallet. Older ones are
// pruned on save.
const Retention = 5

// Snapshot is a persisted projection. Index is a strictly increasing
// sequence per wallet: wallets never share an index space. State is
// exactly the fold of all events up to and including LastEventID.
type Snapshot struct {
	WalletID    string
	Index       int64
	LastEventID string
	LastEventAt time.Time
	EventCount  int64
	State       *state.AppState
}

// Store persists snapshots. Save assigns the wallet's next index and
// prunes beyond Retention; Latest returns common.ErrorNotFound when the
// wallet has no snapshot yet.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Latest(ctx context.Context, walletID string) (*Snapshot, error)
}

// Log is the read-only slice of the event log the manager replays from.
// Both the client's SQLite store and the server's Postgres repository
// satisfy it.
type Log interface {
	Events(ctx context.Context, walletID string) ([]event.Event, error)
	EventsAfter(ctx context.Context, walletID string, since time.Time) ([]event.Event, error)
	Count(ctx context.Context, walletID string) (int64, error)
}

// ShouldSnapshot reports whether a snapshot is due: every Interval events,
// and unconditionally right after an UNDO was processed, because an UNDO
// invalidates the incremental-apply fast path.
func ShouldSnapshot(eventCount int64, afterUndo bool) bool {
	if afterUndo {
		return true
	}
	return eventCount > 0 && eventCount%Interval == 0
}

// Manager couples the event log, the state builder and the snapshot store
// for one side of the system (client or server).
type Manager struct {
	log     Log
	store   Store
	builder *state.Builder
	logger  logging.Logger
}

// NewManager returns a Manager over the given log and store.
func NewManager(log Log, store Store, builder *state.Builder, logger logging.Logger) *Manager {
	return &Manager{log: log, store: store, builder: builder, logger: logger}
}

// Latest returns the wallet's most recent snapshot, or common.ErrorNotFound.
func (m *Manager) Latest(ctx context.Context, walletID string) (*Snapshot, error) {
	return m.store.Latest(ctx, walletID)
}

// Save persists the state as the wallet's next snapshot.
func (m *Manager) Save(ctx context.Context, walletID string, st *state.AppState, lastEventID string, lastEventAt time.Time, eventCount int64) error {
	s := &Snapshot{
		WalletID:    walletID,
		LastEventID: lastEventID,
		LastEventAt: lastEventAt,
		EventCount:  eventCount,
		State:       st,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// RebuildFrom materializes the wallet's current state: latest snapshot
// plus the event tail after it. Falls back to a full replay when no
// snapshot exists, the tail contains a cross-baseline UNDO, or an event
// was inserted behind the snapshot baseline.
func (m *Manager) RebuildFrom(ctx context.Context, walletID string) (*state.AppState, error) {
	snap, err := m.store.Latest(ctx, walletID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return m.rebuildFull(ctx, walletID)
		}
		return nil, fmt.Errorf("loading latest snapshot: %w", err)
	}

	tail, err := m.log.EventsAfter(ctx, walletID, snap.LastEventAt)
	if err != nil {
		return nil, fmt.Errorf("loading events after snapshot: %w", err)
	}

	// A synced event from an offline peer can carry a timestamp at or
	// before the baseline. It is invisible to the tail, so the snapshot
	// no longer covers its prefix: the count check catches this.
	total, err := m.log.Count(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if total-int64(len(tail)) != snap.EventCount {
		if m.logger != nil {
			m.logger.Debug(ctx, "snapshot baseline stale, full replay", "wallet_id", walletID)
		}
		return m.rebuildFull(ctx, walletID)
	}

	if len(tail) == 0 {
		return snap.State, nil
	}

	st, err := m.builder.ApplyEvents(ctx, snap.State, tail)
	if err != nil {
		if errors.Is(err, state.ErrCrossBaselineUndo) {
			if m.logger != nil {
				m.logger.Debug(ctx, "undo reaches behind snapshot, full replay", "wallet_id", walletID)
			}
			return m.rebuildFull(ctx, walletID)
		}
		return nil, err
	}
	return st, nil
}

// RebuildAndMaybeSnapshot rebuilds the wallet's state and persists a new
// snapshot when one is due. afterUndo forces the snapshot.
func (m *Manager) RebuildAndMaybeSnapshot(ctx context.Context, walletID string, afterUndo bool) (*state.AppState, error) {
	st, err := m.RebuildFrom(ctx, walletID)
	if err != nil {
		return nil, err
	}

	count, err := m.log.Count(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if !ShouldSnapshot(count, afterUndo) {
		return st, nil
	}

	last, err := m.lastEvent(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return st, nil
	}
	if err := m.Save(ctx, walletID, st, last.ID, last.CreatedAt, count); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Manager) rebuildFull(ctx context.Context, walletID string) (*state.AppState, error) {
	events, err := m.log.Events(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return m.builder.BuildState(ctx, events), nil
}

func (m *Manager) lastEvent(ctx context.Context, walletID string) (*event.Event, error) {
	events, err := m.log.Events(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}
