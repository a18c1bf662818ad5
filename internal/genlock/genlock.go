// Package genlock provides the process-wide generation lock. Every caller that
// touches the accelerator, queue worker or interactive path alike, holds it
// for the duration of the engine call.
package genlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"gend/internal/metrics"
)

// ErrAcquireCancelled is returned when the caller's context ends before the
// lock is granted.
var ErrAcquireCancelled = errors.New("generation lock acquisition cancelled")

// IsAcquireCancelled reports whether err came from a cancelled Acquire.
func IsAcquireCancelled(err error) bool { return errors.Is(err, ErrAcquireCancelled) }

// Lock is a binary ownership token. Waiters are granted in FIFO order.
type Lock struct {
	sem   *semaphore.Weighted
	held  atomic.Bool
	owner atomic.Value // string
}

// New returns an unheld lock. Construct one per process and inject it.
func New() *Lock {
	l := &Lock{sem: semaphore.NewWeighted(1)}
	l.owner.Store("")
	return l
}

// Guard is the scoped ownership handle returned by Acquire.
type Guard struct {
	l     *Lock
	owner string
	start time.Time
	once  sync.Once
}

// Acquire blocks until the lock is free or ctx ends. On error the caller does
// not hold the lock. owner is recorded for diagnostics only.
func (l *Lock) Acquire(ctx context.Context, owner string) (*Guard, error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		metrics.LockWait.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %w", ErrAcquireCancelled, err)
	}
	metrics.LockWait.WithLabelValues("acquired").Observe(time.Since(start).Seconds())
	l.held.Store(true)
	l.owner.Store(owner)
	metrics.LockHeld.Set(1)
	return &Guard{l: l, owner: owner, start: time.Now()}, nil
}

// TryAcquire takes the lock only if it is free right now.
func (l *Lock) TryAcquire(owner string) (*Guard, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.held.Store(true)
	l.owner.Store(owner)
	metrics.LockHeld.Set(1)
	return &Guard{l: l, owner: owner, start: time.Now()}, true
}

// IsHeld is advisory; do not base correctness decisions on it.
func (l *Lock) IsHeld() bool { return l.held.Load() }

// Owner returns the tag of the current holder, or "" when free. Advisory.
func (l *Lock) Owner() string {
	s, _ := l.owner.Load().(string)
	return s
}

// Release hands the lock to the next waiter. Safe to call more than once and
// on a nil Guard.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.l.owner.Store("")
		g.l.held.Store(false)
		metrics.LockHeld.Set(0)
		g.l.sem.Release(1)
	})
}

// Owner returns the tag passed to Acquire.
func (g *Guard) Owner() string { return g.owner }

// HeldFor returns how long the guard has been held.
func (g *Guard) HeldFor() time.Duration { return time.Since(g.start) }
