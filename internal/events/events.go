// Package events carries job notifications from the queue worker to front-end
// subscribers without ever blocking the publisher.
package events

import (
	"time"

	"gend/internal/job"
)

// Type names an event.
type Type string

const (
	TypeStatusChanged   Type = "status_changed"
	TypeProgressChanged Type = "progress_changed"
	TypeCompleted       Type = "completed"
)

// Event is a single job notification. Fields not relevant to Type are zero.
type Event struct {
	Type      Type
	JobID     string
	Origin    string
	Kind      job.Kind
	OldStatus job.Status
	NewStatus job.Status
	Progress  int
	Message   string
	// Job and Result are set on TypeCompleted.
	Job    *job.View
	Result *job.Result
	At     time.Time
}

// StatusChanged builds a status transition event. A freshly enqueued job is
// reported as pending -> pending.
func StatusChanged(j *job.Job, from, to job.Status) Event {
	return Event{
		Type:      TypeStatusChanged,
		JobID:     j.ID(),
		Origin:    j.Origin(),
		Kind:      j.Kind(),
		OldStatus: from,
		NewStatus: to,
		At:        time.Now(),
	}
}

// ProgressChanged builds a progress event.
func ProgressChanged(j *job.Job, progress int, msg string) Event {
	return Event{
		Type:     TypeProgressChanged,
		JobID:    j.ID(),
		Origin:   j.Origin(),
		Kind:     j.Kind(),
		Progress: progress,
		Message:  msg,
		At:       time.Now(),
	}
}

// Completed builds the completed-with-result event.
func Completed(j *job.Job, res *job.Result) Event {
	v := j.Snapshot()
	return Event{
		Type:      TypeCompleted,
		JobID:     j.ID(),
		Origin:    j.Origin(),
		Kind:      j.Kind(),
		NewStatus: v.Status,
		Job:       &v,
		Result:    res,
		At:        time.Now(),
	}
}

// Publisher receives events. Implementations must not block and must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}
