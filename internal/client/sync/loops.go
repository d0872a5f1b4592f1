package sync

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
)

// Trigger asks for a reconciliation of the wallet as soon as possible:
// change hints from the server and app foregrounding land here. Resets the
// pull backoff so the attempt is immediate.
func (e *Engine) Trigger(walletID string) {
	e.pullBackoff(walletID).Reset()
	notify(e.trigger(e.pullTriggers, walletID))
}

// NotifyLocalChange tells the push loop a new local event is pending.
func (e *Engine) NotifyLocalChange(walletID string) {
	e.pushBackoff(walletID).Reset()
	notify(e.trigger(e.pushTriggers, walletID))
}

// Run blocks running the wallet's two background loops until ctx ends:
// a permanent pull loop (hints + periodic tick) and a push loop that only
// works while unsynced events exist.
func (e *Engine) Run(ctx context.Context, walletID string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.pushLoop(ctx, walletID)
	}()
	e.pullLoop(ctx, walletID)
	<-done
}

func (e *Engine) pullLoop(ctx context.Context, walletID string) {
	b := e.pullBackoff(walletID)
	triggers := e.trigger(e.pullTriggers, walletID)

	for {
		if _, ok := e.attempt(ctx, walletID, b); !ok {
			return
		}
		if b.Remaining() > 0 {
			// Failed attempt: keep climbing the ladder without waiting
			// for an external trigger.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-triggers:
		case <-e.tick():
		}
	}
}

// inFlightRecheckDelay is how long the push loop waits before re-checking
// pending work after its attempt was dropped because a sync for the
// wallet was already running.
const inFlightRecheckDelay = 100 * time.Millisecond

func (e *Engine) pushLoop(ctx context.Context, walletID string) {
	b := e.pushBackoff(walletID)
	triggers := e.trigger(e.pushTriggers, walletID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-triggers:
		}
		for e.hasPending(ctx, walletID) {
			dropped, ok := e.attempt(ctx, walletID, b)
			if !ok {
				return
			}
			if dropped {
				// The overlapping sync may have gathered its unsynced
				// set before the newest local event; the trigger is
				// already consumed, so wait and re-check instead of
				// going back to the select.
				select {
				case <-ctx.Done():
					return
				case <-time.After(inFlightRecheckDelay):
				}
				continue
			}
			if b.Remaining() == 0 {
				// Attempt succeeded; let the trigger channel drive the
				// next round.
				break
			}
		}
	}
}

// attempt runs one guarded sync honoring the backoff. dropped reports that
// another sync for the wallet was already in flight. ok is false when the
// loop must stop (context canceled or credentials declined).
func (e *Engine) attempt(ctx context.Context, walletID string, b *Backoff) (dropped, ok bool) {
	if wait := b.Remaining(); wait > 0 {
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(wait):
		}
	}

	err := e.Sync(ctx, walletID)
	switch {
	case err == nil:
		b.Reset()
	case errors.Is(err, common.ErrSyncInFlight):
		b.Reset()
		return true, true
	case errors.Is(err, common.ErrAuthDeclined):
		return false, false
	case ctx.Err() != nil:
		return false, false
	default:
		b.OnFailure()
		e.logger.Warn(ctx, "sync attempt failed", "wallet_id", walletID, "error", err, "retry_in", b.Remaining())
	}
	return false, true
}

func (e *Engine) hasPending(ctx context.Context, walletID string) bool {
	pending, err := e.store.Unsynced(ctx, walletID)
	return err == nil && len(pending) > 0
}

func (e *Engine) tick() <-chan time.Time {
	if e.syncInterval <= 0 {
		return nil
	}
	return time.After(e.syncInterval)
}

func (e *Engine) pullBackoff(walletID string) *Backoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.pullBackoffs[walletID]
	if !ok {
		b = NewBackoff()
		e.pullBackoffs[walletID] = b
	}
	return b
}

func (e *Engine) pushBackoff(walletID string) *Backoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.pushBackoffs[walletID]
	if !ok {
		b = NewBackoff()
		e.pushBackoffs[walletID] = b
	}
	return b
}

func (e *Engine) trigger(m map[string]chan struct{}, walletID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := m[walletID]
	if !ok {
		ch = make(chan struct{}, 1)
		m[walletID] = ch
	}
	return ch
}

// notify is a non-blocking send: a pending trigger already covers this one.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
