package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/client/transport"
	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/logging"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

// Storage is the slice of the local store the engine needs.
// *storage.Storage satisfies it.
type Storage interface {
	Count(ctx context.Context, walletID string) (int64, error)
	Hash(ctx context.Context, walletID string) (string, error)
	Insert(ctx context.Context, e *event.Event) error
	Unsynced(ctx context.Context, walletID string) ([]event.Event, error)
	MarkSynced(ctx context.Context, ids []string) error
	Delete(ctx context.Context, walletID, id string) error
	DropSnapshots(ctx context.Context, walletID string) error
	Cursor(ctx context.Context, walletID string) (string, error)
	SetCursor(ctx context.Context, walletID, timestamp string) error
	ClearWallet(ctx context.Context, walletID string) error
}

// Transport is the server-facing slice of the wire client.
type Transport interface {
	Hash(ctx context.Context, walletID string) (*transport.HashResult, error)
	EventsSince(ctx context.Context, walletID, since string) ([]event.Event, error)
	Push(ctx context.Context, walletID string, events []event.Event) (*transport.PushResult, error)
}

// Rebuilder recomputes the wallet projection after the log changed.
// *snapshot.Manager satisfies it.
type Rebuilder interface {
	RebuildAndMaybeSnapshot(ctx context.Context, walletID string, afterUndo bool) (*state.AppState, error)
}

// Denial reports server-rejected events that were removed from the local
// log, so the UI can tell the user their change did not take.
type Denial struct {
	WalletID   string
	Rejections []transport.PushRejection
}

// Options wires an Engine.
type Options struct {
	Store     Storage
	Transport Transport
	Rebuilder Rebuilder
	Logger    logging.Logger

	// SyncInterval is the periodic reconciliation interval for the pull
	// loop; zero disables the periodic tick (hint/trigger driven only).
	SyncInterval time.Duration

	// OnState, OnDenial and OnLogout are optional callbacks invoked from
	// the syncing goroutine.
	OnState  func(walletID string, st *state.AppState)
	OnDenial func(d Denial)
	OnLogout func()
}

// Engine reconciles wallets with the server. At most one sync runs per
// wallet; concurrent triggers are dropped as redundant.
type Engine struct {
	store     Storage
	transport Transport
	rebuilder Rebuilder
	logger    logging.Logger

	syncInterval time.Duration
	onState      func(string, *state.AppState)
	onDenial     func(Denial)
	onLogout     func()

	mu           stdsync.Mutex
	inFlight     map[string]bool
	pullBackoffs map[string]*Backoff
	pushBackoffs map[string]*Backoff
	pullTriggers map[string]chan struct{}
	pushTriggers map[string]chan struct{}
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		store:        opts.Store,
		transport:    opts.Transport,
		rebuilder:    opts.Rebuilder,
		logger:       opts.Logger,
		syncInterval: opts.SyncInterval,
		onState:      opts.OnState,
		onDenial:     opts.OnDenial,
		onLogout:     opts.OnLogout,
		inFlight:     make(map[string]bool),
		pullBackoffs: make(map[string]*Backoff),
		pushBackoffs: make(map[string]*Backoff),
		pullTriggers: make(map[string]chan struct{}),
		pushTriggers: make(map[string]chan struct{}),
	}
}

// Sync runs one reconciliation pass for the wallet. Returns
// common.ErrSyncInFlight when one is already running.
func (e *Engine) Sync(ctx context.Context, walletID string) error {
	if !e.begin(walletID) {
		return common.ErrSyncInFlight
	}
	defer e.end(walletID)
	return e.sync(ctx, walletID)
}

func (e *Engine) begin(walletID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[walletID] {
		return false
	}
	e.inFlight[walletID] = true
	return true
}

func (e *Engine) end(walletID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, walletID)
}

func (e *Engine) sync(ctx context.Context, walletID string) error {
	n, err := e.store.Count(ctx, walletID)
	if err != nil {
		return fmt.Errorf("counting local events: %w", err)
	}
	if n == 0 {
		return e.fullPull(ctx, walletID)
	}

	changed := false
	afterUndo := false

	// Pull first so pushed versions land on top of the latest remote log.
	remote, err := e.transport.Hash(ctx, walletID)
	if err != nil {
		return e.fail(ctx, walletID, "fetching remote hash", err)
	}
	local, err := e.store.Hash(ctx, walletID)
	if err != nil {
		return fmt.Errorf("computing local hash: %w", err)
	}
	if remote.Hash != local {
		pulled, undo, err := e.pull(ctx, walletID)
		if err != nil {
			return err
		}
		changed = changed || pulled
		afterUndo = afterUndo || undo
	}

	pushed, err := e.push(ctx, walletID)
	if err != nil {
		return err
	}
	changed = changed || pushed

	if changed || afterUndo {
		return e.rebuild(ctx, walletID, afterUndo)
	}
	return nil
}

// pull inserts remote events created after the wallet's cursor and
// advances the cursor. Reports whether anything landed and whether an
// UNDO was among it.
func (e *Engine) pull(ctx context.Context, walletID string) (changed, afterUndo bool, err error) {
	cursor, err := e.store.Cursor(ctx, walletID)
	if err != nil {
		return false, false, fmt.Errorf("reading cursor: %w", err)
	}

	events, err := e.transport.EventsSince(ctx, walletID, cursor)
	if err != nil {
		return false, false, e.fail(ctx, walletID, "pulling events", err)
	}

	maxTS := cursor
	for i := range events {
		ev := events[i]
		ev.Synced = true
		if err := e.store.Insert(ctx, &ev); err != nil {
			return false, false, fmt.Errorf("storing pulled event %s: %w", ev.ID, err)
		}
		if ev.Type == event.TypeUndo {
			afterUndo = true
		}
		if ts := ev.CreatedAt.UTC().Format(event.TimeLayout); ts > maxTS {
			maxTS = ts
		}
		changed = true
	}
	if maxTS != cursor {
		if err := e.store.SetCursor(ctx, walletID, maxTS); err != nil {
			return false, false, fmt.Errorf("advancing cursor: %w", err)
		}
	}
	return changed, afterUndo, nil
}

// push submits pending local events. Accepted ones are marked synced;
// rejected ones can never be accepted and are removed from the local log,
// with permission denials surfaced to the denial callback.
func (e *Engine) push(ctx context.Context, walletID string) (changed bool, err error) {
	pending, err := e.store.Unsynced(ctx, walletID)
	if err != nil {
		return false, fmt.Errorf("loading pending events: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	res, err := e.transport.Push(ctx, walletID, pending)
	if err != nil {
		return false, e.fail(ctx, walletID, "pushing events", err)
	}

	if len(res.Accepted) > 0 {
		if err := e.store.MarkSynced(ctx, res.Accepted); err != nil {
			return false, fmt.Errorf("marking events synced: %w", err)
		}
	}

	if len(res.Rejected) > 0 {
		var denied []transport.PushRejection
		for _, rej := range res.Rejected {
			e.logger.Warn(ctx, "event rejected by server", "wallet_id", walletID, "event_id", rej.ID, "reason", rej.Reason)
			if err := e.store.Delete(ctx, walletID, rej.ID); err != nil {
				return false, fmt.Errorf("removing rejected event %s: %w", rej.ID, err)
			}
			if rej.Reason == common.RejectPermissionDenied {
				denied = append(denied, rej)
			}
		}
		// A removed event may already sit under a snapshot baseline, so
		// stale snapshots must go before the projection is rebuilt.
		if err := e.store.DropSnapshots(ctx, walletID); err != nil {
			return false, fmt.Errorf("dropping snapshots: %w", err)
		}
		if len(denied) > 0 && e.onDenial != nil {
			e.onDenial(Denial{WalletID: walletID, Rejections: denied})
		}
		changed = true
	}
	return changed, nil
}

// fullPull replaces the wallet's empty local log with the server's. Any
// events the user cannot read never arrive, so permission filtering takes
// effect here.
func (e *Engine) fullPull(ctx context.Context, walletID string) error {
	events, err := e.transport.EventsSince(ctx, walletID, "")
	if err != nil {
		return e.fail(ctx, walletID, "full pull", err)
	}

	if err := e.store.ClearWallet(ctx, walletID); err != nil {
		return fmt.Errorf("clearing wallet: %w", err)
	}

	maxTS := ""
	for i := range events {
		ev := events[i]
		ev.Synced = true
		if err := e.store.Insert(ctx, &ev); err != nil {
			return fmt.Errorf("storing pulled event %s: %w", ev.ID, err)
		}
		if ts := ev.CreatedAt.UTC().Format(event.TimeLayout); ts > maxTS {
			maxTS = ts
		}
	}
	if maxTS != "" {
		if err := e.store.SetCursor(ctx, walletID, maxTS); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
	}
	return e.rebuild(ctx, walletID, false)
}

func (e *Engine) rebuild(ctx context.Context, walletID string, afterUndo bool) error {
	st, err := e.rebuilder.RebuildAndMaybeSnapshot(ctx, walletID, afterUndo)
	if err != nil {
		return fmt.Errorf("rebuilding projection: %w", err)
	}
	if e.onState != nil {
		e.onState(walletID, st)
	}
	return nil
}

// fail wraps a transport error, firing the logout callback when the
// server declined our credentials.
func (e *Engine) fail(ctx context.Context, walletID, op string, err error) error {
	if errors.Is(err, common.ErrAuthDeclined) {
		e.logger.Warn(ctx, "server declined credentials, logging out", "wallet_id", walletID)
		if e.onLogout != nil {
			e.onLogout()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
