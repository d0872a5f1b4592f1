package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

// SnapshotRepository persists wallet projection snapshots. Implements
// snapshot.Store.
type SnapshotRepository struct {
	db dbx.DBTX
}

// NewSnapshotRepository constructs a repository bound to the given DBTX.
func NewSnapshotRepository(db dbx.DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save assigns the wallet's next snapshot index, inserts the snapshot and
// prunes beyond snapshot.Retention. Callers are expected to run it inside
// a transaction when atomicity with the event insert matters.
func (r *SnapshotRepository) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encoding snapshot state: %w", err)
	}

	var next int64
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(snapshot_index), -1) + 1 FROM snapshots WHERE wallet_id = $1`,
		snap.WalletID).Scan(&next)
	if err != nil {
		return fmt.Errorf("selecting next snapshot index: %w", err)
	}
	snap.Index = next

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO snapshots (wallet_id, snapshot_index, last_event_id, last_event_at, event_count, state)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.WalletID, snap.Index, snap.LastEventID,
		snap.LastEventAt.UTC().Format(event.TimeLayout), snap.EventCount, string(stateJSON))
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE wallet_id = $1 AND snapshot_index <= $2`,
		snap.WalletID, snap.Index-snapshot.Retention)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	return nil
}

// Latest returns the wallet's most recent snapshot, or common.ErrorNotFound.
func (r *SnapshotRepository) Latest(ctx context.Context, walletID string) (*snapshot.Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT snapshot_index, last_event_id, last_event_at, event_count, state
		 FROM snapshots WHERE wallet_id = $1
		 ORDER BY snapshot_index DESC LIMIT 1`, walletID)

	snap := snapshot.Snapshot{WalletID: walletID}
	var lastEventAt, stateJSON string
	err := row.Scan(&snap.Index, &snap.LastEventID, &lastEventAt, &snap.EventCount, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting latest snapshot: %w", err)
	}

	snap.LastEventAt, err = time.Parse(event.TimeLayout, lastEventAt)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot timestamp: %w", err)
	}
	st := state.NewAppState()
	if err := json.Unmarshal([]byte(stateJSON), st); err != nil {
		return nil, fmt.Errorf("decoding snapshot state: %w", err)
	}
	snap.State = st
	return &snap, nil
}
