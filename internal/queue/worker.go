package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gend/internal/events"
	"gend/internal/job"
	"gend/internal/metrics"
)

func (q *Queue) run() {
	defer close(q.done)
	q.log.Info().Msg("worker started")
	for {
		j, ok := q.next()
		if !ok {
			q.log.Info().Msg("worker stopped")
			return
		}
		q.process(j)
	}
}

// next blocks until a job is available or the queue stops.
func (q *Queue) next() (*job.Job, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.fifo) > 0 {
			j := q.fifo[0]
			q.fifo[0] = nil
			q.fifo = q.fifo[1:]
			metrics.QueueDepth.Set(float64(len(q.fifo)))
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-q.stop:
			return nil, false
		}
	}
}

// process runs one job to a terminal status. It never panics and never
// returns an error: every failure is recorded on the job.
func (q *Queue) process(j *job.Job) {
	q.transMu.Lock()
	started := j.MarkProcessing(q.now())
	if started {
		q.pub.Publish(events.StatusChanged(j, job.StatusPending, job.StatusProcessing))
	}
	q.transMu.Unlock()
	if !started {
		q.log.Debug().Str("job_id", j.ID()).Str("status", string(j.Status())).Msg("skipped")
		return
	}
	q.current.Store(j)
	defer q.current.Store(nil)
	if q.isClosed() {
		// Close may have missed j between dequeue and current.Store.
		q.cancelJob(j)
		return
	}

	ctx, span := q.tracer.Start(j.Context(), "queue.job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID()),
			attribute.String("job.kind", string(j.Kind())),
			attribute.String("job.origin", j.Origin()),
		))
	defer span.End()

	start := time.Now()
	log := q.log.With().Str("job_id", j.ID()).Str("kind", string(j.Kind())).Str("origin", j.Origin()).Logger()
	log.Info().Msg("job start")

	res, err := q.execute(ctx, j)
	metrics.JobDuration.WithLabelValues(string(j.Kind())).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if res == nil {
			res = &job.Result{Kind: j.Kind()}
		}
		if res.Elapsed == 0 {
			res.Elapsed = time.Since(start)
		}
		q.transMu.Lock()
		done := j.Complete(q.now(), res)
		if done {
			q.pub.Publish(events.StatusChanged(j, job.StatusProcessing, job.StatusCompleted))
			q.pub.Publish(events.Completed(j, res))
		}
		q.transMu.Unlock()
		if done {
			metrics.JobsFinished.WithLabelValues(string(j.Kind()), string(job.StatusCompleted)).Inc()
			span.SetStatus(codes.Ok, "")
			log.Info().Dur("dur", time.Since(start)).Msg("job completed")
		}
	case j.Context().Err() != nil:
		// TryCancel has normally transitioned the job already.
		q.cancelJob(j)
		span.SetStatus(codes.Error, "cancelled")
		log.Info().Dur("dur", time.Since(start)).Msg("job cancelled")
	default:
		q.transMu.Lock()
		failed := j.Fail(q.now(), err)
		if failed {
			q.pub.Publish(events.StatusChanged(j, job.StatusProcessing, job.StatusFailed))
		}
		q.transMu.Unlock()
		if failed {
			metrics.JobsFinished.WithLabelValues(string(j.Kind()), string(job.StatusFailed)).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Dur("dur", time.Since(start)).Msg("job failed")
	}
}

// execute holds the generation lock around the executor call and converts a
// panic into an error.
func (q *Queue) execute(ctx context.Context, j *job.Job) (res *job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("job_id", j.ID()).Msg("executor panicked")
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()

	g, err := q.lock.Acquire(ctx, "queue:"+j.ID())
	if err != nil {
		return nil, err
	}
	defer g.Release()

	progress := func(pct int, msg string) {
		q.transMu.Lock()
		defer q.transMu.Unlock()
		if j.SetProgress(pct, msg) {
			q.pub.Publish(events.ProgressChanged(j, j.Snapshot().Progress, msg))
		}
	}
	return q.exec.Execute(ctx, j, progress)
}
