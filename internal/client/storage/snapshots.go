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
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

// Save assigns the wallet's next snapshot index, inserts the snapshot and
// prunes beyond the retention window. Index assignment and insert run in
// one transaction so concurrent saves cannot collide.
func (s *Storage) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encoding snapshot state: %w", err)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(snapshot_index), -1) + 1 FROM snapshots WHERE wallet_id = ?`,
			snap.WalletID).Scan(&next)
		if err != nil {
			return fmt.Errorf("assigning snapshot index: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots (wallet_id, snapshot_index, last_event_id, last_event_at, event_count, state)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.WalletID, next, snap.LastEventID,
			snap.LastEventAt.UTC().Format(TimeLayout), snap.EventCount, string(stateJSON))
		if err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		snap.Index = next

		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE wallet_id = ? AND snapshot_index NOT IN (
			     SELECT snapshot_index FROM snapshots WHERE wallet_id = ?
			     ORDER BY snapshot_index DESC LIMIT ?
			 )`,
			snap.WalletID, snap.WalletID, snapshot.Retention)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
		return nil
	})
}

// DropSnapshots removes all of the wallet's snapshots, forcing the next
// rebuild to replay the full log. Used after events are removed from the
// log, which can invalidate any snapshot baseline.
func (s *Storage) DropSnapshots(ctx context.Context, walletID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE wallet_id = ?`, walletID); err != nil {
		return fmt.Errorf("dropping snapshots: %w", err)
	}
	return nil
}

// Latest returns the wallet's most recent snapshot, or common.ErrorNotFound.
func (s *Storage) Latest(ctx context.Context, walletID string) (*snapshot.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_index, last_event_id, last_event_at, event_count, state
		 FROM snapshots WHERE wallet_id = ?
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

	snap.LastEventAt, err = time.Parse(TimeLayout, lastEventAt)
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
