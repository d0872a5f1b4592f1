package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// memLog is an in-memory event.Log sufficient for manager tests.
type memLog struct {
	events []event.Event
}

func (l *memLog) Append(ctx context.Context, e *event.Event) (*event.Event, error) {
	l.events = append(l.events, *e)
	return e, nil
}

func (l *memLog) Insert(ctx context.Context, e *event.Event) error {
	for i := range l.events {
		if l.events[i].ID == e.ID {
			return nil
		}
	}
	l.events = append(l.events, *e)
	return nil
}

func (l *memLog) GetByID(ctx context.Context, walletID, id string) (*event.Event, error) {
	for i := range l.events {
		if l.events[i].WalletID == walletID && l.events[i].ID == id {
			e := l.events[i]
			return &e, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (l *memLog) Events(ctx context.Context, walletID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range l.events {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	event.SortForReplay(out)
	return out, nil
}

func (l *memLog) EventsForAggregate(ctx context.Context, walletID string, at event.AggregateType, aggregateID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range l.events {
		if e.WalletID == walletID && e.AggregateType == at && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	event.SortForReplay(out)
	return out, nil
}

func (l *memLog) EventsAfter(ctx context.Context, walletID string, since time.Time) ([]event.Event, error) {
	var out []event.Event
	for _, e := range l.events {
		if e.WalletID == walletID && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	event.SortForReplay(out)
	return out, nil
}

func (l *memLog) Unsynced(ctx context.Context, walletID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range l.events {
		if e.WalletID == walletID && !e.Synced {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLog) MarkSynced(ctx context.Context, ids []string) error {
	for _, id := range ids {
		for i := range l.events {
			if l.events[i].ID == id {
				l.events[i].Synced = true
			}
		}
	}
	return nil
}

func (l *memLog) Hash(ctx context.Context, walletID string) (string, error) {
	var pairs []event.IDVersion
	for _, e := range l.events {
		if e.WalletID == walletID {
			pairs = append(pairs, event.IDVersion{ID: e.ID, Version: e.Version})
		}
	}
	return event.Digest(pairs), nil
}

func (l *memLog) Count(ctx context.Context, walletID string) (int64, error) {
	var n int64
	for _, e := range l.events {
		if e.WalletID == walletID {
			n++
		}
	}
	return n, nil
}

// memStore keeps snapshots per wallet with index assignment and pruning,
// mirroring the persistent stores' contract.
type memStore struct {
	snapshots map[string][]*Snapshot
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[string][]*Snapshot)}
}

func (s *memStore) Save(ctx context.Context, snap *Snapshot) error {
	stack := s.snapshots[snap.WalletID]
	next := int64(0)
	if len(stack) > 0 {
		next = stack[len(stack)-1].Index + 1
	}
	cp := *snap
	cp.Index = next
	stack = append(stack, &cp)
	if len(stack) > Retention {
		stack = stack[len(stack)-Retention:]
	}
	s.snapshots[snap.WalletID] = stack
	return nil
}

func (s *memStore) Latest(ctx context.Context, walletID string) (*Snapshot, error) {
	stack := s.snapshots[walletID]
	if len(stack) == 0 {
		return nil, common.ErrorNotFound
	}
	return stack[len(stack)-1], nil
}

func strptr(s string) *string { return &s }
func i64ptr(n int64) *int64   { return &n }

func mustData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func seedWallet(t *testing.T, log *memLog, walletID string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := log.Append(ctx, &event.Event{
		ID: "c-created", WalletID: walletID, AggregateType: event.AggregateContact, AggregateID: "c1",
		Type: event.TypeCreated, Data: mustData(t, event.ContactData{Name: strptr("Alice")}),
		Version: 1, CreatedAt: t0,
	})
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		_, err := log.Append(ctx, &event.Event{
			ID: fmt.Sprintf("t-%03d", i), WalletID: walletID, AggregateType: event.AggregateTransaction,
			AggregateID: fmt.Sprintf("t%d", i), Type: event.TypeCreated,
			Data: mustData(t, event.TransactionData{
				ContactID: strptr("c1"), Direction: strptr(event.DirectionLent), Amount: i64ptr(10),
			}),
			Version: 1, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestShouldSnapshot(t *testing.T) {
	assert.False(t, ShouldSnapshot(0, false))
	assert.False(t, ShouldSnapshot(7, false))
	assert.True(t, ShouldSnapshot(10, false))
	assert.True(t, ShouldSnapshot(20, false))
	assert.True(t, ShouldSnapshot(3, true), "UNDO forces a snapshot regardless of count")
}

func TestRebuildFrom_NoSnapshotFallsBackToFullReplay(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	seedWallet(t, log, "w1", 4)

	m := NewManager(log, newMemStore(), state.NewBuilder(nil), nil)
	st, err := m.RebuildFrom(ctx, "w1")
	require.NoError(t, err)

	assert.Equal(t, int64(30), st.Balance("c1"))
}

func TestRebuildFrom_SnapshotPlusTailEqualsFullReplay(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	store := newMemStore()
	builder := state.NewBuilder(nil)
	m := NewManager(log, store, builder, nil)

	seedWallet(t, log, "w1", 10)

	// Snapshot at event #10.
	st, err := m.RebuildAndMaybeSnapshot(ctx, "w1", false)
	require.NoError(t, err)
	_, err = store.Latest(ctx, "w1")
	require.NoError(t, err, "snapshot expected at 10 events")

	// Three more events.
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, &event.Event{
			ID: fmt.Sprintf("x-%d", i), WalletID: "w1", AggregateType: event.AggregateTransaction,
			AggregateID: fmt.Sprintf("x%d", i), Type: event.TypeCreated,
			Data: mustData(t, event.TransactionData{
				ContactID: strptr("c1"), Direction: strptr(event.DirectionOwed), Amount: i64ptr(5),
			}),
			Version: 1, CreatedAt: t0.Add(time.Duration(100+i) * time.Second),
		})
		require.NoError(t, err)
	}

	incremental, err := m.RebuildFrom(ctx, "w1")
	require.NoError(t, err)

	all, err := log.Events(ctx, "w1")
	require.NoError(t, err)
	full := builder.BuildState(ctx, all)

	assert.Equal(t, full, incremental)
	assert.Equal(t, st.Balance("c1")-15, incremental.Balance("c1"))
}

func TestRebuildFrom_BackdatedEventInvalidatesBaseline(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	store := newMemStore()
	builder := state.NewBuilder(nil)
	m := NewManager(log, store, builder, nil)

	seedWallet(t, log, "w1", 10)
	_, err := m.RebuildAndMaybeSnapshot(ctx, "w1", false)
	require.NoError(t, err)
	_, err = store.Latest(ctx, "w1")
	require.NoError(t, err, "snapshot expected at 10 events")

	// A peer that was offline syncs in a transaction timestamped before
	// the snapshot baseline. It never shows up in the tail after the
	// baseline, so snapshot+tail alone would miss it.
	require.NoError(t, log.Insert(ctx, &event.Event{
		ID: "late-1", WalletID: "w1", AggregateType: event.AggregateTransaction, AggregateID: "late1",
		Type: event.TypeCreated,
		Data: mustData(t, event.TransactionData{
			ContactID: strptr("c1"), Direction: strptr(event.DirectionLent), Amount: i64ptr(1000),
		}),
		Version: 1, CreatedAt: t0.Add(3 * time.Second),
	}))

	st, err := m.RebuildFrom(ctx, "w1")
	require.NoError(t, err)

	all, err := log.Events(ctx, "w1")
	require.NoError(t, err)
	full := builder.BuildState(ctx, all)

	assert.Equal(t, full, st)
	assert.Equal(t, int64(1090), st.Balance("c1"))
}

func TestRebuildFrom_CrossBaselineUndoForcesFullReplay(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	store := newMemStore()
	builder := state.NewBuilder(nil)
	m := NewManager(log, store, builder, nil)

	seedWallet(t, log, "w1", 10)
	_, err := m.RebuildAndMaybeSnapshot(ctx, "w1", false)
	require.NoError(t, err)

	// Undo an event that is behind the snapshot baseline.
	_, err = log.Append(ctx, &event.Event{
		ID: "undo-1", WalletID: "w1", AggregateType: event.AggregateTransaction, AggregateID: "t3",
		Type: event.TypeUndo, Data: mustData(t, event.UndoData{UndoneEventID: "t-003"}),
		Version: 2, CreatedAt: t0.Add(200 * time.Second),
	})
	require.NoError(t, err)

	st, err := m.RebuildFrom(ctx, "w1")
	require.NoError(t, err)

	// 9 lent transactions of 10, one undone.
	assert.Equal(t, int64(80), st.Balance("c1"))
}

func TestRebuildAndMaybeSnapshot_UndoForcesSnapshot(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}
	store := newMemStore()
	m := NewManager(log, store, state.NewBuilder(nil), nil)

	seedWallet(t, log, "w1", 3)
	_, err := m.RebuildAndMaybeSnapshot(ctx, "w1", true)
	require.NoError(t, err)

	snap, err := store.Latest(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.EventCount)
}

func TestStore_IndexIsPerWallet(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	require.NoError(t, store.Save(ctx, &Snapshot{WalletID: "w1", State: state.NewAppState()}))
	require.NoError(t, store.Save(ctx, &Snapshot{WalletID: "w1", State: state.NewAppState()}))
	require.NoError(t, store.Save(ctx, &Snapshot{WalletID: "w2", State: state.NewAppState()}))

	s1, err := store.Latest(ctx, "w1")
	require.NoError(t, err)
	s2, err := store.Latest(ctx, "w2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), s1.Index)
	assert.Equal(t, int64(0), s2.Index, "wallets must not share an index space")
}
