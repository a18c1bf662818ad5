// Package queue runs generation jobs one at a time, in submission order, on a
// single worker goroutine. The worker holds the generation lock for the whole
// engine call so queued work never overlaps with out-of-band callers.
//
// The queue is structured into small files by concern:
//
//   - queue.go: Queue type, construction, enqueue, shutdown.
//   - worker.go: the consumer loop and per-job execution.
//   - query.go: read-only views, cancellation, clearing.
//   - errors.go: sentinel errors.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"gend/internal/events"
	"gend/internal/genlock"
	"gend/internal/job"
	"gend/internal/metrics"
)

// ProgressFunc receives engine progress (0..100) and a short message.
type ProgressFunc func(pct int, msg string)

// Executor runs one job. Implementations must return promptly once ctx ends.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, progress ProgressFunc) (*job.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, j *job.Job, progress ProgressFunc) (*job.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, j *job.Job, progress ProgressFunc) (*job.Result, error) {
	return f(ctx, j, progress)
}

// Options configures a Queue. Lock and Executor are required.
type Options struct {
	Lock      *genlock.Lock
	Executor  Executor
	Publisher events.Publisher
	Logger    zerolog.Logger
	Tracer    trace.Tracer
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type record struct {
	j   *job.Job
	seq uint64
}

// Queue is a FIFO job queue with a single consumer.
type Queue struct {
	lock   *genlock.Lock
	exec   Executor
	pub    events.Publisher
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	jobs sync.Map // id -> *record
	seq  atomic.Uint64

	mu     sync.Mutex
	fifo   []*job.Job
	closed bool
	wake   chan struct{}

	// transMu pairs each job transition with its event so subscribers never
	// see them out of order. Never acquire mu while holding it.
	transMu sync.Mutex

	current atomic.Pointer[job.Job]
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a stopped queue; call Start to launch the worker.
func New(opts Options) *Queue {
	q := &Queue{
		lock:   opts.Lock,
		exec:   opts.Executor,
		pub:    opts.Publisher,
		log:    opts.Logger.With().Str("component", "queue").Logger(),
		tracer: opts.Tracer,
		now:    opts.Now,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if q.lock == nil {
		q.lock = genlock.New()
	}
	if q.pub == nil {
		q.pub = events.Nop{}
	}
	if q.tracer == nil {
		q.tracer = otel.Tracer("gend/queue")
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Start launches the worker. Calling it again is a no-op.
func (q *Queue) Start() {
	if q.started.CompareAndSwap(false, true) {
		go q.run()
	}
}

// Enqueue makes j visible to queries and appends it to the FIFO. It never
// blocks. A job enqueued after Close is cancelled immediately.
func (q *Queue) Enqueue(j *job.Job) {
	q.mu.Lock()
	// created is published before j becomes visible, so it precedes both
	// "processing" and any cancellation
	q.pub.Publish(events.StatusChanged(j, job.StatusPending, job.StatusPending))
	q.jobs.Store(j.ID(), &record{j: j, seq: q.seq.Add(1)})
	metrics.JobsEnqueued.WithLabelValues(string(j.Kind()), j.Origin()).Inc()
	if q.closed {
		q.mu.Unlock()
		q.cancelJob(j)
		return
	}
	q.fifo = append(q.fifo, j)
	metrics.QueueDepth.Set(float64(len(q.fifo)))
	q.mu.Unlock()

	q.log.Debug().Str("job_id", j.ID()).Str("kind", string(j.Kind())).Str("origin", j.Origin()).Msg("enqueued")
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit builds a job and enqueues it.
func (q *Queue) Submit(kind job.Kind, origin string, payload any) *job.Job {
	j := job.New(kind, origin, payload)
	q.Enqueue(j)
	return j
}

// Close stops intake, cancels pending jobs and the job in flight, and waits up
// to timeout for the worker to exit.
func (q *Queue) Close(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.fifo
	q.fifo = nil
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, j := range pending {
		q.cancelJob(j)
	}
	if cur := q.current.Load(); cur != nil {
		q.cancelJob(cur)
	}
	close(q.stop)
	if !q.started.Load() {
		return nil
	}
	select {
	case <-q.done:
		q.log.Info().Int("discarded", len(pending)).Msg("queue closed")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// cancelJob cancels j and reports the transition. It returns false when the
// job was already terminal.
func (q *Queue) cancelJob(j *job.Job) bool {
	q.transMu.Lock()
	prev, ok := j.Cancel(q.now())
	if ok {
		q.pub.Publish(events.StatusChanged(j, prev, job.StatusCancelled))
	}
	q.transMu.Unlock()
	if !ok {
		return false
	}
	metrics.JobsFinished.WithLabelValues(string(j.Kind()), string(job.StatusCancelled)).Inc()
	q.log.Info().Str("job_id", j.ID()).Str("from", string(prev)).Msg("cancelled")
	return true
}

// removePending drops j from the FIFO if it is still waiting there.
func (q *Queue) removePending(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.fifo {
		if p == j {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(q.fifo)))
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
