package queue

import (
	"context"
	"sort"
	"time"

	"gend/internal/job"
)

// Filter narrows GetJobs. Zero fields match everything.
type Filter struct {
	Origin string
	Status job.Status
	// Limit caps the result size; 0 means unlimited.
	Limit int
}

// Stats summarizes the queue for status reporting.
type Stats struct {
	Pending    int
	Processing string
	Completed  int
	Failed     int
	Cancelled  int
	Total      int
}

func (q *Queue) lookup(id string) (*record, bool) {
	v, ok := q.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

func (q *Queue) records(keep func(*record) bool) []*record {
	var out []*record
	q.jobs.Range(func(_, v any) bool {
		r := v.(*record)
		if keep == nil || keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}

// GetJob returns the job with id.
func (q *Queue) GetJob(id string) (*job.Job, bool) {
	r, ok := q.lookup(id)
	if !ok {
		return nil, false
	}
	return r.j, true
}

// GetJobs returns matching jobs, newest first.
func (q *Queue) GetJobs(f Filter) []*job.Job {
	recs := q.records(func(r *record) bool {
		if f.Origin != "" && r.j.Origin() != f.Origin {
			return false
		}
		if f.Status != "" && r.j.Status() != f.Status {
			return false
		}
		return true
	})
	sort.Slice(recs, func(a, b int) bool {
		ca, cb := recs[a].j.CreatedAt(), recs[b].j.CreatedAt()
		if !ca.Equal(cb) {
			return ca.After(cb)
		}
		return recs[a].seq > recs[b].seq
	})
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return jobsOf(recs)
}

// GetActiveJobs returns Pending and Processing jobs in queue order.
func (q *Queue) GetActiveJobs() []*job.Job {
	return jobsOf(q.activeRecords())
}

func (q *Queue) activeRecords() []*record {
	recs := q.records(func(r *record) bool { return r.j.Status().Active() })
	sort.Slice(recs, func(a, b int) bool { return recs[a].seq < recs[b].seq })
	return recs
}

// GetQueuePosition returns 0 for the job being processed, -1 for unknown or
// terminal jobs, and otherwise the number of active jobs ahead of id, so a
// job waiting behind the one in flight is at position 1.
func (q *Queue) GetQueuePosition(id string) int {
	r, ok := q.lookup(id)
	if !ok {
		return -1
	}
	switch r.j.Status() {
	case job.StatusProcessing:
		return 0
	case job.StatusPending:
	default:
		return -1
	}
	ahead := 0
	for _, a := range q.activeRecords() {
		if a.seq >= r.seq {
			break
		}
		ahead++
	}
	return ahead
}

// WaitForCompletion blocks until job id reaches a terminal status or ctx
// ends. Ending ctx does not affect the job.
func (q *Queue) WaitForCompletion(ctx context.Context, id string) (*job.Result, error) {
	r, ok := q.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r.j.Future().Wait(ctx)
}

// TryCancel cancels a Pending or Processing job. It returns false when id is
// unknown or already terminal. For a job in flight the transition is
// immediate; the engine observes the job's context and unwinds on its own.
func (q *Queue) TryCancel(id string) bool {
	r, ok := q.lookup(id)
	if !ok {
		return false
	}
	if !q.cancelJob(r.j) {
		return false
	}
	q.removePending(r.j)
	return true
}

// ClearCompletedJobs removes terminal jobs that completed more than olderThan
// ago; olderThan <= 0 removes every terminal job. Active jobs are never
// removed. It returns the number of jobs removed.
func (q *Queue) ClearCompletedJobs(olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)
	n := 0
	for _, r := range q.records(nil) {
		if !r.j.Status().Terminal() {
			continue
		}
		if olderThan > 0 && !r.j.CompletedAt().Before(cutoff) {
			continue
		}
		q.jobs.Delete(r.j.ID())
		n++
	}
	if n > 0 {
		q.log.Info().Int("removed", n).Dur("older_than", olderThan).Msg("cleared jobs")
	}
	return n
}

// Stats counts jobs by status.
func (q *Queue) Stats() Stats {
	var s Stats
	for _, r := range q.records(nil) {
		s.Total++
		switch r.j.Status() {
		case job.StatusPending:
			s.Pending++
		case job.StatusProcessing:
			s.Processing = r.j.ID()
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		case job.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// LockHeld reports whether the generation lock is held. Advisory.
func (q *Queue) LockHeld() bool { return q.lock.IsHeld() }

func jobsOf(recs []*record) []*job.Job {
	out := make([]*job.Job, len(recs))
	for i, r := range recs {
		out[i] = r.j
	}
	return out
}
