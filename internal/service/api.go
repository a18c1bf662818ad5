package service

import (
	"context"
	"errors"
	"time"

	"gend/internal/events"
	"gend/internal/job"
	"gend/internal/queue"
	"gend/internal/rescache"
	"gend/pkg/types"
)

// API exposes Service through the wire types in pkg/types. It satisfies
// httpapi.Service.
type API struct {
	svc *Service
}

func NewAPI(s *Service) *API { return &API{svc: s} }

func (a *API) ListModels() []types.Model { return a.svc.Models() }
func (a *API) Status() types.StatusResponse { return a.svc.Status() }
func (a *API) Ready() bool { return a.svc.Ready() }
func (a *API) Clear(olderThan time.Duration) int { return a.svc.ClearCompletedJobs(olderThan) }

func (a *API) Submit(req types.JobRequest, origin string) (types.JobView, error) {
	j, err := a.svc.Submit(req, origin)
	if err != nil {
		return types.JobView{}, err
	}
	return a.view(j), nil
}

func (a *API) Generate(ctx context.Context, req types.JobRequest, origin string) (types.JobResult, error) {
	res, err := a.svc.GenerateNow(ctx, req, origin)
	if err != nil {
		return types.JobResult{}, err
	}
	return *ResultDTO(res), nil
}

func (a *API) GetJob(id string) (types.JobView, bool) {
	j, ok := a.svc.GetJob(id)
	if !ok {
		return types.JobView{}, false
	}
	return a.view(j), true
}

// ListJobs returns jobs newest first. An unknown status is a validation error.
func (a *API) ListJobs(origin, status string, limit int) ([]types.JobView, error) {
	f := queue.Filter{Origin: origin, Limit: limit}
	if status != "" {
		st, err := job.ParseStatus(status)
		if err != nil {
			return nil, ErrInvalidRequest(err.Error())
		}
		f.Status = st
	}
	return a.views(a.svc.GetJobs(f)), nil
}

func (a *API) ActiveJobs() []types.JobView { return a.views(a.svc.GetActiveJobs()) }

// Position reports the queue position of id and whether the job exists.
func (a *API) Position(id string) (int, bool) {
	if _, ok := a.svc.GetJob(id); !ok {
		return 0, false
	}
	return a.svc.GetQueuePosition(id), true
}

// Wait blocks until id is terminal and returns its final view. Cancelled and
// failed jobs are reported in the view, not as an error.
func (a *API) Wait(ctx context.Context, id string) (types.JobView, error) {
	_, err := a.svc.WaitForCompletion(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return types.JobView{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.JobView{}, ctxErr
	}
	j, ok := a.svc.GetJob(id)
	if !ok {
		return types.JobView{}, ErrJobNotFound
	}
	return a.view(j), nil
}

// Cancel reports whether id was cancelled; ErrJobNotFound for unknown ids.
func (a *API) Cancel(id string) (bool, error) {
	if _, ok := a.svc.GetJob(id); !ok {
		return false, ErrJobNotFound
	}
	return a.svc.TryCancel(id), nil
}

func (a *API) Unload(ctx context.Context, req types.UnloadRequest) (int, error) {
	return a.svc.Unload(ctx, rescache.Class(req.Class), req.Model, req.Variant)
}

// Events streams bus events, optionally filtered by origin, until ctx ends.
func (a *API) Events(ctx context.Context, origin string) <-chan types.EventDTO {
	var f events.Filter
	if origin != "" {
		f = events.ByOrigin(origin)
	}
	in := a.svc.Bus().SubscribeChan(ctx, f)
	out := make(chan types.EventDTO, 16)
	go func() {
		defer close(out)
		for e := range in {
			select {
			case out <- EventDTO(e):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (a *API) view(j *job.Job) types.JobView {
	return JobViewDTO(j, a.svc.GetQueuePosition(j.ID()))
}

func (a *API) views(js []*job.Job) []types.JobView {
	out := make([]types.JobView, 0, len(js))
	for _, j := range js {
		out = append(out, a.view(j))
	}
	return out
}

// JobViewDTO converts a job to its wire form.
// It never blocks: the result is attached only once the job has completed.
func JobViewDTO(j *job.Job, position int) types.JobView {
	v := j.Snapshot()
	var res *job.Result
	if v.Status == job.StatusCompleted {
		if o, ok := j.Future().Peek(); ok {
			res = o.Result
		}
	}
	return viewDTO(v, position, res)
}

func viewDTO(v job.View, position int, res *job.Result) types.JobView {
	out := types.JobView{
		ID:          v.ID,
		Kind:        string(v.Kind),
		Origin:      v.Origin,
		Status:      string(v.Status),
		Progress:    v.Progress,
		Message:     v.Message,
		Error:       v.Error,
		Position:    position,
		CreatedAt:   unixMilli(v.CreatedAt),
		StartedAt:   unixMilli(v.StartedAt),
		CompletedAt: unixMilli(v.CompletedAt),
	}
	if v.Status == job.StatusCompleted {
		out.Result = ResultDTO(res)
	}
	return out
}

// ResultDTO converts an engine result to its wire form.
func ResultDTO(r *job.Result) *types.JobResult {
	if r == nil {
		return nil
	}
	out := &types.JobResult{
		Kind:      string(r.Kind),
		Text:      r.Text,
		Seed:      r.Seed,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	for _, a := range r.Artifacts {
		out.Artifacts = append(out.Artifacts, types.Artifact{Name: a.Name, MIMEType: a.MIMEType, Data: a.Data})
	}
	return out
}

// EventDTO converts a bus event to its wire form.
func EventDTO(e events.Event) types.EventDTO {
	out := types.EventDTO{
		Type:      string(e.Type),
		JobID:     e.JobID,
		Origin:    e.Origin,
		Kind:      string(e.Kind),
		OldStatus: string(e.OldStatus),
		NewStatus: string(e.NewStatus),
		Progress:  e.Progress,
		Message:   e.Message,
		Result:    ResultDTO(e.Result),
		At:        unixMilli(e.At),
	}
	if e.Job != nil {
		pos := -1
		if e.Job.Status.Active() {
			pos = 0
		}
		v := viewDTO(*e.Job, pos, e.Result)
		out.Job = &v
	}
	return out
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
