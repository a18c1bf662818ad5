//go:build !llama

package engine

// Without the 'llama' build tag the text backend refuses to construct, which
// keeps default builds CGO-free.

import (
	"context"

	"gend/internal/job"
	"gend/internal/rescache"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = false

type Llama struct {
	ctxSize int
	threads int
}

func NewLlama(ctxSize, threads int) *Llama {
	return &Llama{ctxSize: ctxSize, threads: threads}
}

func (l *Llama) Construct(context.Context, rescache.Class, rescache.Key) (any, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (l *Llama) Dispose(rescache.Class, rescache.Key, any) error { return nil }

func (l *Llama) Execute(ctx context.Context, _ any, _ Request, _ ProgressFunc) (*job.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
