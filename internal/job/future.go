package job

import (
	"context"
	"sync"
)

// Outcome is the terminal value carried by a Future.
type Outcome struct {
	Status Status
	Result *Result
	Err    error
}

// Future is a one-shot completion slot. The first Resolve wins; any number of
// goroutines may wait on it and all observe the same Outcome.
type Future struct {
	once sync.Once
	done chan struct{}
	out  Outcome
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Resolve stores the outcome and wakes all waiters. Later calls are no-ops and
// report false.
func (f *Future) Resolve(o Outcome) bool {
	applied := false
	f.once.Do(func() {
		f.out = o
		close(f.done)
		applied = true
	})
	return applied
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether Resolve has been called.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Peek returns the outcome without blocking; ok is false while unresolved.
func (f *Future) Peek() (o Outcome, ok bool) {
	if !f.Resolved() {
		return Outcome{}, false
	}
	return f.out, true
}

// Outcome blocks until the future resolves and returns the stored outcome.
func (f *Future) Outcome() Outcome {
	<-f.done
	return f.out
}

// Wait blocks until the future resolves or ctx ends. Ending ctx only stops
// this waiter.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.out.Result, f.out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
