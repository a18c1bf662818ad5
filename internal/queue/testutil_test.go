package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/events"
	"gend/internal/genlock"
	"gend/internal/job"
)

// fakeExecutor records invocations. When hold is true each call blocks until
// release(id) is called; ignoreCtx makes a held call deaf to cancellation.
type fakeExecutor struct {
	mu        sync.Mutex
	started   []string
	gates     map[string]chan struct{}
	hold      bool
	ignoreCtx bool
	fail      map[string]error
	panics    map[string]bool
	steps     int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{gates: map[string]chan struct{}{}, fail: map[string]error{}, panics: map[string]bool{}}
}

func (f *fakeExecutor) gate(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[id]
	if !ok {
		g = make(chan struct{})
		f.gates[id] = g
	}
	return g
}

func (f *fakeExecutor) release(id string) { close(f.gate(id)) }

func (f *fakeExecutor) Execute(ctx context.Context, j *job.Job, progress ProgressFunc) (*job.Result, error) {
	f.mu.Lock()
	f.started = append(f.started, j.ID())
	hold, ignore := f.hold, f.ignoreCtx
	err := f.fail[j.ID()]
	doPanic := f.panics[j.ID()]
	steps := f.steps
	f.mu.Unlock()

	for i := 1; i <= steps; i++ {
		progress(i*100/steps, "step")
	}
	if hold {
		if ignore {
			<-f.gate(j.ID())
		} else {
			select {
			case <-f.gate(j.ID()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if doPanic {
		panic("engine exploded")
	}
	if err != nil {
		return nil, err
	}
	return &job.Result{Kind: j.Kind(), Text: "done:" + j.ID()}, nil
}

func (f *fakeExecutor) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, exec Executor, opts ...func(*Options)) *Queue {
	t.Helper()
	o := Options{
		Lock:      genlock.New(),
		Executor:  exec,
		Publisher: events.NewMemoryPublisher(),
		Logger:    zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	q := New(o)
	q.Start()
	t.Cleanup(func() { _ = q.Close(time.Second) })
	return q
}

// waitStatus polls until job id has status want.
func waitStatus(t *testing.T, q *Queue, id string, want job.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		j, ok := q.GetJob(id)
		if ok && j.Status() == want {
			return
		}
		if time.Now().After(deadline) {
			got := job.Status("unknown")
			if ok {
				got = j.Status()
			}
			t.Fatalf("job %s: status %s, want %s", id, got, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func newJob(id string) *job.Job {
	return job.NewWithID(id, job.KindTextToImage, "api", nil, time.Now())
}
