package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gend/internal/engine"
	"gend/internal/job"
	"gend/internal/queue"
	"gend/internal/rescache"
)

// Runner resolves a request's resource through the cache and runs the engine.
// Callers hold the generation lock around Run.
type Runner struct {
	cache *rescache.Cache
	eng   engine.Engine
	log   zerolog.Logger
}

func NewRunner(cache *rescache.Cache, eng engine.Engine, log zerolog.Logger) *Runner {
	return &Runner{cache: cache, eng: eng, log: log.With().Str("component", "runner").Logger()}
}

// Execute implements queue.Executor for jobs whose payload is an engine.Request.
func (r *Runner) Execute(ctx context.Context, j *job.Job, progress queue.ProgressFunc) (*job.Result, error) {
	var req engine.Request
	switch p := j.Payload().(type) {
	case engine.Request:
		req = p
	case *engine.Request:
		if p == nil {
			return nil, fmt.Errorf("job %s: nil payload", j.ID())
		}
		req = *p
	default:
		return nil, fmt.Errorf("job %s: unexpected payload %T", j.ID(), j.Payload())
	}
	if req.Kind == "" {
		req.Kind = j.Kind()
	}
	return r.Run(ctx, req, engine.ProgressFunc(progress))
}

// Run acquires the resource for req and executes it.
func (r *Runner) Run(ctx context.Context, req engine.Request, progress engine.ProgressFunc) (*job.Result, error) {
	class, err := engine.ClassFor(req.Kind)
	if err != nil {
		return nil, err
	}
	res, err := r.cache.Acquire(ctx, class, req.Key)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("class", string(class)).Str("key", req.Key.String()).Msg("resource ready")
	return r.eng.Execute(ctx, res, req, progress)
}
