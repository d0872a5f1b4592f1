// Package sync implements the server side of reconciliation: answering
// hash and pull requests, and judging pushed batches event by event with
// atomic accept (insert + projection rebuild in one transaction).
package sync

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/logging"
	"github.com/dmitrijs2005/walletsync/internal/permission"
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
	"github.com/dmitrijs2005/walletsync/internal/state"
)

// DefaultUndoWindow bounds how long after an event's creation an undo of
// it is still accepted.
const DefaultUndoWindow = 5 * time.Second

// EventLog is the slice of the event repository the service needs.
type EventLog interface {
	GetByID(ctx context.Context, walletID, id string) (*event.Event, error)
	GetByIdempotencyKey(ctx context.Context, walletID, key string) (*event.Event, error)
	Insert(ctx context.Context, e *event.Event, authorID string) error
	Events(ctx context.Context, walletID string) ([]event.Event, error)
	EventsAfter(ctx context.Context, walletID string, since time.Time) ([]event.Event, error)
	Count(ctx context.Context, walletID string) (int64, error)
	Hash(ctx context.Context, walletID string) (string, error)
}

// Repos vends repositories bound to a DBTX so an accepted event's insert,
// rebuild and snapshot run inside one transaction.
type Repos interface {
	Events(db dbx.DBTX) EventLog
	Permissions(db dbx.DBTX) permission.Store
	Snapshots(db dbx.DBTX) snapshot.Store
}

// Rejection is the verdict for one refused event.
type Rejection struct {
	ID     string
	Reason string
}

// Result partitions a pushed batch.
type Result struct {
	Accepted []string
	Rejected []Rejection
}

// HashInfo is the wallet digest a client compares against its own.
type HashInfo struct {
	Hash  string
	Count int64
}

// Service answers sync requests against the authoritative log.
type Service struct {
	db         *sql.DB
	repos      Repos
	logger     logging.Logger
	undoWindow time.Duration

	runTx func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

// NewService builds a Service. undoWindow <= 0 selects DefaultUndoWindow.
func NewService(db *sql.DB, repos Repos, undoWindow time.Duration, logger logging.Logger) *Service {
	if undoWindow <= 0 {
		undoWindow = DefaultUndoWindow
	}
	return &Service{
		db:         db,
		repos:      repos,
		logger:     logger,
		undoWindow: undoWindow,
		runTx: func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
			return dbx.WithTx(ctx, db, nil, fn)
		},
	}
}

// requireMember resolves the caller's wallet membership; non-members get
// common.ErrPermissionDenied.
func (s *Service) requireMember(ctx context.Context, walletID, userID string) error {
	_, err := s.repos.Permissions(s.db).RoleOf(ctx, walletID, userID)
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrPermissionDenied
	}
	if err != nil {
		return fmt.Errorf("resolving membership: %w", err)
	}
	return nil
}

// Hash returns the wallet's log digest and event count.
func (s *Service) Hash(ctx context.Context, userID, walletID string) (*HashInfo, error) {
	if err := s.requireMember(ctx, walletID, userID); err != nil {
		return nil, err
	}
	log := s.repos.Events(s.db)
	hash, err := log.Hash(ctx, walletID)
	if err != nil {
		return nil, err
	}
	count, err := log.Count(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &HashInfo{Hash: hash, Count: count}, nil
}

// EventsSince returns the wallet's events after since in replay order;
// a nil since returns the whole log.
func (s *Service) EventsSince(ctx context.Context, userID, walletID string, since *time.Time) ([]event.Event, error) {
	if err := s.requireMember(ctx, walletID, userID); err != nil {
		return nil, err
	}
	log := s.repos.Events(s.db)
	if since == nil {
		return log.Events(ctx, walletID)
	}
	return log.EventsAfter(ctx, walletID, *since)
}

// Push judges each event in replay order. Accepted events are inserted and
// the wallet projection rebuilt atomically; rejected events carry a
// machine-readable reason and leave no trace.
func (s *Service) Push(ctx context.Context, userID, walletID string, events []event.Event) (*Result, error) {
	if err := s.requireMember(ctx, walletID, userID); err != nil {
		return nil, err
	}

	resolver := permission.NewResolver(s.repos.Permissions(s.db))
	res := &Result{}

	for _, e := range event.Sorted(events) {
		reason, err := s.judge(ctx, resolver, userID, walletID, &e)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			s.logger.Warn(ctx, "event rejected", "wallet_id", walletID, "event_id", e.ID, "reason", reason)
			res.Rejected = append(res.Rejected, Rejection{ID: e.ID, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, e.ID)
	}
	return res, nil
}

// judge returns a reject reason ("" to accept, after inserting) or an
// internal error that aborts the whole push.
func (s *Service) judge(ctx context.Context, resolver *permission.Resolver, userID, walletID string, e *event.Event) (string, error) {
	if e.WalletID != walletID {
		return common.RejectValidationFailed, nil
	}
	if err := event.Validate(e); err != nil {
		return common.RejectValidationFailed, nil
	}

	log := s.repos.Events(s.db)

	// Retried delivery of a known event is accepted silently; a different
	// payload under a known id can never be merged.
	existing, err := log.GetByID(ctx, walletID, e.ID)
	if err == nil {
		if existing.Version == e.Version && bytes.Equal(existing.Data, e.Data) {
			return "", nil
		}
		return common.RejectConflict, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return "", err
	}

	if e.IdempotencyKey != "" {
		if _, err := log.GetByIdempotencyKey(ctx, walletID, e.IdempotencyKey); err == nil {
			return common.RejectConflict, nil
		} else if !errors.Is(err, common.ErrorNotFound) {
			return "", err
		}
	}

	// Scope for the permission check: the touched aggregate, or for an
	// UNDO the aggregate of the event being undone.
	scopeType, scopeID := e.AggregateType, e.AggregateID
	if e.Type == event.TypeUndo {
		targetID := e.UndoneEventID()
		target, err := log.GetByID(ctx, walletID, targetID)
		if errors.Is(err, common.ErrorNotFound) {
			return common.RejectUndoTargetMissing, nil
		}
		if err != nil {
			return "", err
		}
		if e.CreatedAt.Sub(target.CreatedAt) > s.undoWindow {
			return common.RejectUndoTooOld, nil
		}
		scopeType, scopeID = target.AggregateType, target.AggregateID
	}

	allowed, err := resolver.Resolve(ctx, walletID, userID, scopeType, scopeID, permission.ActionForEvent(e))
	if err != nil {
		return "", fmt.Errorf("resolving permission: %w", err)
	}
	if !allowed {
		return common.RejectPermissionDenied, nil
	}

	err = s.runTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		txLog := s.repos.Events(tx)
		if err := txLog.Insert(ctx, e, userID); err != nil {
			return err
		}
		mgr := snapshot.NewManager(txLog, s.repos.Snapshots(tx), state.NewBuilder(s.logger), s.logger)
		_, err := mgr.RebuildAndMaybeSnapshot(ctx, walletID, e.Type == event.TypeUndo)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storing event %s: %w", e.ID, err)
	}
	return "", nil
}
