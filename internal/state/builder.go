package state

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/logging"
)

// ErrCrossBaselineUndo is returned by ApplyEvents when the tail contains an
// UNDO whose target is not part of the tail itself, i.e. the target predates
// the state the tail is being folded onto. Suppressing such a target needs
// a full replay; the caller must discard the state and rebuild from genesis.
var ErrCrossBaselineUndo = errors.New("undo targets an event before the state baseline")

// Builder folds event sequences into AppState. It carries no state of its
// own besides a logger for replay warnings.
type Builder struct {
	log logging.Logger
}

// NewBuilder returns a Builder. The logger is used only to warn about
// unknown event types skipped during replay; nil disables the warnings.
func NewBuilder(log logging.Logger) *Builder {
	return &Builder{log: log}
}

// BuildState replays events from scratch. The input slice is not modified.
//
// Algorithm: sort by (timestamp, id); collect the set of event ids undone
// by any UNDO event; fold over the rest in order, skipping undone events
// and the UNDO events themselves; recompute balances from the surviving
// transactions.
func (b *Builder) BuildState(ctx context.Context, events []event.Event) *AppState {
	sorted := event.Sorted(events)
	undone := undoneSet(sorted)

	st := NewAppState()
	for i := range sorted {
		b.applyOne(ctx, st, &sorted[i], undone)
	}
	recomputeBalances(st)
	return st
}

// ApplyEvents folds only tail onto an existing state, for performance. The
// input state is not mutated; a new state is returned.
//
// Incremental apply is only valid when every UNDO in the tail targets an
// event that is also in the tail. A cross-baseline UNDO would require
// un-applying an event already folded into state, which a forward fold
// cannot do; in that case ErrCrossBaselineUndo is returned and the caller
// must fall back to BuildState over the full log.
func (b *Builder) ApplyEvents(ctx context.Context, st *AppState, tail []event.Event) (*AppState, error) {
	sorted := event.Sorted(tail)
	undone := undoneSet(sorted)

	inTail := make(map[string]struct{}, len(sorted))
	for i := range sorted {
		inTail[sorted[i].ID] = struct{}{}
	}
	for target := range undone {
		if _, ok := inTail[target]; !ok {
			return nil, ErrCrossBaselineUndo
		}
	}

	out := st.Clone()
	for i := range sorted {
		b.applyOne(ctx, out, &sorted[i], undone)
	}
	recomputeBalances(out)
	return out, nil
}

func undoneSet(sorted []event.Event) map[string]struct{} {
	undone := make(map[string]struct{})
	for i := range sorted {
		if id := sorted[i].UndoneEventID(); id != "" {
			undone[id] = struct{}{}
		}
	}
	return undone
}

func (b *Builder) applyOne(ctx context.Context, st *AppState, e *event.Event, undone map[string]struct{}) {
	if e.Type == event.TypeUndo {
		return
	}
	if _, skip := undone[e.ID]; skip {
		return
	}
	switch e.AggregateType {
	case event.AggregateContact:
		b.applyContact(ctx, st, e)
	case event.AggregateTransaction:
		b.applyTransaction(ctx, st, e)
	default:
		b.warn(ctx, "skipping event with unknown aggregate type", "event_id", e.ID, "aggregate_type", string(e.AggregateType))
	}
}

func (b *Builder) applyContact(ctx context.Context, st *AppState, e *event.Event) {
	switch e.Type {
	case event.TypeCreated:
		d, err := e.DecodeContact()
		if err != nil {
			b.warn(ctx, "skipping undecodable contact event", "event_id", e.ID, "error", err)
			return
		}
		c := &Contact{
			ID:        e.AggregateID,
			Username:  d.Username,
			Phone:     d.Phone,
			Email:     d.Email,
			Notes:     d.Notes,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.CreatedAt,
			Synced:    e.Synced,
		}
		if d.Name != nil {
			c.Name = *d.Name
		}
		st.Contacts[e.AggregateID] = c

	case event.TypeUpdated:
		existing, ok := st.Contacts[e.AggregateID]
		if !ok {
			return // update for an absent aggregate is a defensive no-op
		}
		d, err := e.DecodeContact()
		if err != nil {
			b.warn(ctx, "skipping undecodable contact event", "event_id", e.ID, "error", err)
			return
		}
		if d.Name != nil {
			existing.Name = *d.Name
		}
		if d.Username != nil {
			existing.Username = d.Username
		}
		if d.Phone != nil {
			existing.Phone = d.Phone
		}
		if d.Email != nil {
			existing.Email = d.Email
		}
		if d.Notes != nil {
			existing.Notes = d.Notes
		}
		existing.UpdatedAt = e.CreatedAt
		existing.Synced = e.Synced

	case event.TypeDeleted:
		delete(st.Contacts, e.AggregateID)
		// Deleting a contact cascades over its transactions.
		for id, t := range st.Transactions {
			if t.ContactID == e.AggregateID {
				delete(st.Transactions, id)
			}
		}

	default:
		b.warn(ctx, "skipping event with unknown type", "event_id", e.ID, "event_type", string(e.Type))
	}
}

func (b *Builder) applyTransaction(ctx context.Context, st *AppState, e *event.Event) {
	switch e.Type {
	case event.TypeCreated:
		d, err := e.DecodeTransaction()
		if err != nil {
			b.warn(ctx, "skipping undecodable transaction event", "event_id", e.ID, "error", err)
			return
		}
		if d.ContactID == nil {
			return
		}
		if _, ok := st.Contacts[*d.ContactID]; !ok {
			return // transaction for an unknown contact carries no effect
		}
		t := &Transaction{
			ID:          e.AggregateID,
			ContactID:   *d.ContactID,
			Kind:        event.KindMoney,
			Direction:   event.DirectionOwed,
			Currency:    "IQD",
			DueDate:     d.DueDate,
			Description: d.Description,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.CreatedAt,
			Synced:      e.Synced,
		}
		if d.Kind != nil {
			t.Kind = *d.Kind
		}
		if d.Direction != nil {
			t.Direction = *d.Direction
		}
		if d.Amount != nil {
			t.Amount = *d.Amount
		}
		if d.Currency != nil {
			t.Currency = *d.Currency
		}
		if d.Date != nil {
			t.Date = *d.Date
		} else {
			t.Date = e.CreatedAt.Format("2006-01-02")
		}
		st.Transactions[e.AggregateID] = t

	case event.TypeUpdated:
		existing, ok := st.Transactions[e.AggregateID]
		if !ok {
			return
		}
		d, err := e.DecodeTransaction()
		if err != nil {
			b.warn(ctx, "skipping undecodable transaction event", "event_id", e.ID, "error", err)
			return
		}
		if d.ContactID != nil {
			existing.ContactID = *d.ContactID
		}
		if d.Kind != nil {
			existing.Kind = *d.Kind
		}
		if d.Direction != nil {
			existing.Direction = *d.Direction
		}
		if d.Amount != nil {
			existing.Amount = *d.Amount
		}
		if d.Currency != nil {
			existing.Currency = *d.Currency
		}
		if d.Date != nil {
			existing.Date = *d.Date
		}
		if d.DueDate != nil {
			existing.DueDate = d.DueDate
		}
		if d.Description != nil {
			existing.Description = d.Description
		}
		existing.UpdatedAt = e.CreatedAt
		existing.Synced = e.Synced

	case event.TypeDeleted:
		delete(st.Transactions, e.AggregateID)

	default:
		b.warn(ctx, "skipping event with unknown type", "event_id", e.ID, "event_type", string(e.Type))
	}
}

func recomputeBalances(st *AppState) {
	for _, c := range st.Contacts {
		c.Balance = 0
	}
	for _, t := range st.Transactions {
		c, ok := st.Contacts[t.ContactID]
		if !ok {
			continue
		}
		if t.Direction == event.DirectionLent {
			c.Balance += t.Amount
		} else {
			c.Balance -= t.Amount
		}
	}
}

func (b *Builder) warn(ctx context.Context, msg string, args ...any) {
	if b.log != nil {
		b.log.Warn(ctx, msg, args...)
	}
}
