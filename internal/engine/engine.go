// Package engine adapts inference backends to the resource cache and the
// queue. An Engine constructs per-key resources (pipelines, upscalers, language
// models) and runs one request against a constructed resource.
package engine

import (
	"context"
	"fmt"

	"gend/internal/job"
	"gend/internal/rescache"
)

// ProgressFunc receives progress in 0..100 and a short message.
type ProgressFunc func(pct int, msg string)

// Engine is implemented by every backend.
type Engine interface {
	rescache.Constructor
	// Execute runs req on res, which was returned by Construct for req's
	// class and key. It must return promptly once ctx ends.
	Execute(ctx context.Context, res any, req Request, progress ProgressFunc) (*job.Result, error)
}

// ClassFor maps a job kind to the resource class that serves it.
func ClassFor(k job.Kind) (rescache.Class, error) {
	switch k {
	case job.KindTextToImage, job.KindImageToImage, job.KindInpaint:
		return rescache.ClassDiffusion, nil
	case job.KindUpscale:
		return rescache.ClassUpscaler, nil
	case job.KindTextGenerate:
		return rescache.ClassText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, k)
}

// Router dispatches to one engine per resource class.
type Router struct {
	engines map[rescache.Class]Engine
}

// NewRouter returns a Router over engines. Classes without an engine fail
// with ErrNoEngine.
func NewRouter(engines map[rescache.Class]Engine) *Router {
	m := make(map[rescache.Class]Engine, len(engines))
	for c, e := range engines {
		m[c] = e
	}
	return &Router{engines: m}
}

func (r *Router) engine(class rescache.Class) (Engine, error) {
	e, ok := r.engines[class]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEngine, class)
	}
	return e, nil
}

func (r *Router) Construct(ctx context.Context, class rescache.Class, key rescache.Key) (any, error) {
	e, err := r.engine(class)
	if err != nil {
		return nil, err
	}
	return e.Construct(ctx, class, key)
}

func (r *Router) Dispose(class rescache.Class, key rescache.Key, res any) error {
	e, err := r.engine(class)
	if err != nil {
		return err
	}
	return e.Dispose(class, key, res)
}

func (r *Router) Execute(ctx context.Context, res any, req Request, progress ProgressFunc) (*job.Result, error) {
	class, err := ClassFor(req.Kind)
	if err != nil {
		return nil, err
	}
	e, err := r.engine(class)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, res, req, progress)
}
