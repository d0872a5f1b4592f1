// Package sync runs the client side of reconciliation: a per-wallet engine
// that compares log digests with the server, pulls missing events, pushes
// pending ones and rebuilds projections, with ladder backoff on failure.
package sync

import (
	stdsync "sync"
	"time"
)

// backoffLadder is the retry schedule: advance one step per failure, hold
// at the last step, reset on any external trigger.
var backoffLadder = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	5 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Backoff tracks retry eligibility along the ladder. Safe for concurrent use.
type Backoff struct {
	mu     stdsync.Mutex
	step   int
	nextAt time.Time
	now    func() time.Time
}

// NewBackoff returns a Backoff that allows an immediate first attempt.
func NewBackoff() *Backoff {
	return &Backoff{now: time.Now}
}

// CanAttempt reports whether enough time has passed since the last failure.
func (b *Backoff) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.nextAt)
}

// OnFailure records a failed attempt and advances the ladder.
func (b *Backoff) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAt = b.now().Add(backoffLadder[b.step])
	if b.step < len(backoffLadder)-1 {
		b.step++
	}
}

// Reset rewinds to the start of the ladder and allows an immediate attempt.
// Called on success and on any external trigger (change hint, user action).
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step = 0
	b.nextAt = time.Time{}
}

// Remaining returns how long until the next attempt is allowed (zero when
// an attempt is allowed now).
func (b *Backoff) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.nextAt.Sub(b.now())
	if d < 0 {
		return 0
	}
	return d
}
