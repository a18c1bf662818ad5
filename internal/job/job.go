// Package job defines the unit of generative work tracked by the queue: its
// identity, state machine, progress and one-shot completion future.
//
// A Job is safe for concurrent use. Transitions are serialized by a per-job
// mutex and never leave a terminal status; readers on other goroutines should
// use Snapshot.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a single unit of requested generative work.
type Job struct {
	id        string
	kind      Kind
	origin    string
	payload   any
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	future *Future

	mu          sync.RWMutex
	status      Status
	startedAt   time.Time
	completedAt time.Time
	progress    int
	message     string
	errMsg      string
}

// View is an immutable copy of a job's fields.
type View struct {
	ID          string
	Kind        Kind
	Origin      string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Progress    int
	Message     string
	Error       string
}

// New builds a Pending job with a fresh id.
func New(kind Kind, origin string, payload any) *Job {
	return NewWithID(uuid.NewString(), kind, origin, payload, time.Now())
}

// NewWithID builds a Pending job with a caller-chosen id and creation time.
// Callers are responsible for id uniqueness.
func NewWithID(id string, kind Kind, origin string, payload any, createdAt time.Time) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		id:        id,
		kind:      kind,
		origin:    origin,
		payload:   payload,
		createdAt: createdAt,
		ctx:       ctx,
		cancel:    cancel,
		future:    newFuture(),
		status:    StatusPending,
	}
}

func (j *Job) ID() string           { return j.id }
func (j *Job) Kind() Kind           { return j.kind }
func (j *Job) Origin() string       { return j.origin }
func (j *Job) Payload() any         { return j.payload }
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// Context is cancelled when the job is cancelled. The worker passes it to the
// lock acquisition and to the engine.
func (j *Job) Context() context.Context { return j.ctx }

// Future is the job's completion slot.
func (j *Job) Future() *Future { return j.future }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// CompletedAt returns the terminal timestamp, zero while active.
func (j *Job) CompletedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.completedAt
}

// Snapshot returns a consistent copy of the job's mutable fields.
func (j *Job) Snapshot() View {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return View{
		ID:          j.id,
		Kind:        j.kind,
		Origin:      j.origin,
		Status:      j.status,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Progress:    j.progress,
		Message:     j.message,
		Error:       j.errMsg,
	}
}

// MarkProcessing moves a Pending job to Processing.
func (j *Job) MarkProcessing(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return false
	}
	j.status = StatusProcessing
	j.startedAt = now
	return true
}

// SetProgress records progress for a Processing job. pct is clamped to 0..100.
func (j *Job) SetProgress(pct int, msg string) bool {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	j.progress = pct
	j.message = msg
	return true
}

// Complete marks a Processing job Completed and resolves its future.
func (j *Job) Complete(now time.Time, res *Result) bool {
	j.mu.Lock()
	if j.status != StatusProcessing {
		j.mu.Unlock()
		return false
	}
	j.status = StatusCompleted
	j.completedAt = now
	j.progress = 100
	// resolved under mu: a terminal snapshot always has a resolved future
	j.future.Resolve(Outcome{Status: StatusCompleted, Result: res})
	j.mu.Unlock()
	j.cancel()
	return true
}

// Fail marks a Processing job Failed with err's message and resolves its future.
func (j *Job) Fail(now time.Time, err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = &EngineError{Err: err}
	}
	msg := ee.Error()
	if msg == "" {
		msg = "unknown error"
	}
	j.mu.Lock()
	if j.status != StatusProcessing {
		j.mu.Unlock()
		return false
	}
	j.status = StatusFailed
	j.completedAt = now
	j.errMsg = msg
	j.future.Resolve(Outcome{Status: StatusFailed, Err: ee})
	j.mu.Unlock()
	j.cancel()
	return true
}

// Cancel triggers the job's cancellation signal, moves it to Cancelled and
// resolves its future. It returns the status it left, or false when the job
// was already terminal.
func (j *Job) Cancel(now time.Time) (Status, bool) {
	j.mu.Lock()
	prev := j.status
	if prev.Terminal() {
		j.mu.Unlock()
		return prev, false
	}
	j.status = StatusCancelled
	j.completedAt = now
	j.future.Resolve(Outcome{Status: StatusCancelled, Err: ErrCancelled})
	j.mu.Unlock()
	j.cancel()
	return prev, true
}
