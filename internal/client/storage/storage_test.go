package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(id, walletID, aggregateID string, offset time.Duration) *event.Event {
	name := "Alice"
	data, _ := json.Marshal(event.ContactData{Name: &name})
	return &event.Event{
		ID:            id,
		WalletID:      walletID,
		AggregateType: event.AggregateContact,
		AggregateID:   aggregateID,
		Type:          event.TypeCreated,
		Data:          data,
		CreatedAt:     t0.Add(offset),
	}
}

func TestAppend_AssignsMonotonicVersions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.Version)

	e2 := testEvent("e2", "w1", "c1", time.Second)
	e2.Type = event.TypeUpdated
	got, err := s.Append(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// Another aggregate starts back at 1.
	other, err := s.Append(ctx, testEvent("e3", "w1", "c2", 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestAppend_IdempotencyKeyReturnsExisting(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := testEvent("e1", "w1", "c1", 0)
	first.IdempotencyKey = "k1"
	stored, err := s.Append(ctx, first)
	require.NoError(t, err)

	retry := testEvent("e-other", "w1", "c1", time.Minute)
	retry.IdempotencyKey = "k1"
	got, err := s.Append(ctx, retry)
	require.NoError(t, err)

	assert.Equal(t, stored.ID, got.ID, "retried write must return the original event")

	n, err := s.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsert_DuplicateIDIsNoop(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	e := testEvent("e1", "w1", "c1", 0)
	e.Version = 1
	require.NoError(t, s.Insert(ctx, e))
	require.NoError(t, s.Insert(ctx, e), "re-insertion of a known id must not error")

	n, err := s.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvents_OrderedByTimestampThenID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// Same timestamp, ids force the order; plus one later event.
	for _, e := range []*event.Event{
		testEvent("bbb", "w1", "c1", 0),
		testEvent("aaa", "w1", "c2", 0),
		testEvent("ccc", "w1", "c3", time.Second),
	} {
		e.Version = 1
		require.NoError(t, s.Insert(ctx, e))
	}

	events, err := s.Events(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "aaa", events[0].ID)
	assert.Equal(t, "bbb", events[1].ID)
	assert.Equal(t, "ccc", events[2].ID)
}

func TestEventsAfter_StrictlyAfter(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := testEvent(fmt.Sprintf("e%d", i), "w1", fmt.Sprintf("c%d", i), time.Duration(i)*time.Second)
		e.Version = 1
		require.NoError(t, s.Insert(ctx, e))
	}

	events, err := s.EventsAfter(ctx, "w1", t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestEventsForAggregate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)
	_, err = s.Append(ctx, testEvent("e2", "w1", "c2", time.Second))
	require.NoError(t, err)

	events, err := s.EventsForAggregate(ctx, "w1", event.AggregateContact, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)
	remote := testEvent("e2", "w1", "c2", time.Second)
	remote.Version = 1
	remote.Synced = true
	require.NoError(t, s.Insert(ctx, remote))

	pending, err := s.Unsynced(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e1", pending[0].ID)

	require.NoError(t, s.MarkSynced(ctx, []string{"e1"}))
	pending, err = s.Unsynced(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteUnsynced(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)
	synced := testEvent("e2", "w1", "c2", time.Second)
	synced.Version = 1
	synced.Synced = true
	require.NoError(t, s.Insert(ctx, synced))

	dropped, err := s.DeleteUnsynced(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	n, err := s.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "synced events survive")
}

func TestHash_EqualForSameContentDifferentArrivalOrder(t *testing.T) {
	ctx := context.Background()
	a := newTestStorage(t)
	b := newTestStorage(t)

	e1 := testEvent("e1", "w1", "c1", 0)
	e1.Version = 1
	e2 := testEvent("e2", "w1", "c2", time.Second)
	e2.Version = 1

	require.NoError(t, a.Insert(ctx, e1))
	require.NoError(t, a.Insert(ctx, e2))
	require.NoError(t, b.Insert(ctx, e2))
	require.NoError(t, b.Insert(ctx, e1))

	ha, err := a.Hash(ctx, "w1")
	require.NoError(t, err)
	hb, err := b.Hash(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	// And a different wallet hashes the empty set.
	hw2, err := a.Hash(ctx, "w2")
	require.NoError(t, err)
	assert.NotEqual(t, ha, hw2)
}

func TestGetByID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)

	got, err := s.GetByID(ctx, "w1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.AggregateID)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = s.GetByID(ctx, "w1", "ghost")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestCursor(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	cur, err := s.Cursor(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "", cur)

	require.NoError(t, s.SetCursor(ctx, "w1", "2024-03-01T10:00:00.000000000Z"))
	cur, err = s.Cursor(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:00:00.000000000Z", cur)

	// Other wallets keep their own cursor.
	cur, err = s.Cursor(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "", cur)
}

func TestClearWallet_IsolatedPerWallet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("e1", "w1", "c1", 0))
	require.NoError(t, err)
	_, err = s.Append(ctx, testEvent("e2", "w2", "c1", 0))
	require.NoError(t, err)
	require.NoError(t, s.SetCursor(ctx, "w1", "x"))

	require.NoError(t, s.ClearWallet(ctx, "w1"))

	n1, err := s.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n1)
	n2, err := s.Count(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n2, "other wallets untouched")

	cur, err := s.Cursor(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "", cur)
}

func TestSnapshots_SaveLatestAndRetention(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Latest(ctx, "w1")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	for i := 0; i < snapshot.Retention+2; i++ {
		st := state.NewAppState()
		st.Contacts["c1"] = &state.Contact{ID: "c1", Name: fmt.Sprintf("v%d", i)}
		require.NoError(t, s.Save(ctx, &snapshot.Snapshot{
			WalletID:    "w1",
			LastEventID: fmt.Sprintf("e%d", i),
			LastEventAt: t0.Add(time.Duration(i) * time.Second),
			EventCount:  int64(i + 1),
			State:       st,
		}))
	}

	latest, err := s.Latest(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(snapshot.Retention+1), latest.Index, "index keeps increasing past pruning")
	assert.Equal(t, "v6", latest.State.Contacts["c1"].Name)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE wallet_id = ?`, "w1").Scan(&count))
	assert.Equal(t, snapshot.Retention, count)
}

func TestSnapshots_IndexPerWallet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, w := range []string{"w1", "w1", "w2"} {
		require.NoError(t, s.Save(ctx, &snapshot.Snapshot{
			WalletID: w, LastEventID: "e", LastEventAt: t0, EventCount: 1, State: state.NewAppState(),
		}))
	}

	s1, err := s.Latest(ctx, "w1")
	require.NoError(t, err)
	s2, err := s.Latest(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s1.Index)
	assert.Equal(t, int64(0), s2.Index)
}
