package engine

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/job"
	"gend/internal/rescache"
)

// SimOptions tunes the simulated engine.
type SimOptions struct {
	ConstructDelay time.Duration
	StepDelay      time.Duration
	// FailConstruct and FailExecute inject errors when non-nil.
	FailConstruct func(class rescache.Class, key rescache.Key) error
	FailExecute   func(req Request) error
	Logger        zerolog.Logger
}

// Sim is a deterministic stand-in for an accelerator backend. Image kinds
// produce a PNG whose colour depends on prompt and seed; text-generate echoes
// the prompt one word per step.
type Sim struct {
	opts        SimOptions
	log         zerolog.Logger
	constructed atomic.Int64
	disposed    atomic.Int64
}

type simResource struct {
	id       int64
	class    rescache.Class
	key      rescache.Key
	disposed atomic.Bool
}

func NewSim(opts SimOptions) *Sim {
	return &Sim{opts: opts, log: opts.Logger.With().Str("component", "engine.sim").Logger()}
}

// Constructed and Disposed count lifecycle calls.
func (s *Sim) Constructed() int64 { return s.constructed.Load() }
func (s *Sim) Disposed() int64    { return s.disposed.Load() }

func (s *Sim) Construct(ctx context.Context, class rescache.Class, key rescache.Key) (any, error) {
	if err := sleepCtx(ctx, s.opts.ConstructDelay); err != nil {
		return nil, err
	}
	if s.opts.FailConstruct != nil {
		if err := s.opts.FailConstruct(class, key); err != nil {
			return nil, err
		}
	}
	id := s.constructed.Add(1)
	s.log.Debug().Str("class", string(class)).Str("key", key.String()).Int64("resource", id).Msg("constructed")
	return &simResource{id: id, class: class, key: key}, nil
}

func (s *Sim) Dispose(class rescache.Class, key rescache.Key, res any) error {
	r, ok := res.(*simResource)
	if !ok {
		return ErrBadResource
	}
	if !r.disposed.CompareAndSwap(false, true) {
		return fmt.Errorf("resource %d disposed twice", r.id)
	}
	s.disposed.Add(1)
	return nil
}

func (s *Sim) Execute(ctx context.Context, res any, req Request, progress ProgressFunc) (*job.Result, error) {
	r, ok := res.(*simResource)
	if !ok {
		return nil, ErrBadResource
	}
	if r.disposed.Load() {
		return nil, fmt.Errorf("resource %d used after dispose", r.id)
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	if s.opts.FailExecute != nil {
		if err := s.opts.FailExecute(req); err != nil {
			return nil, err
		}
	}
	seed := req.Seed
	if seed == 0 {
		seed = promptSeed(req.Prompt)
	}
	if req.Kind == job.KindTextGenerate {
		return s.generateText(ctx, req, seed, progress)
	}

	steps := req.Steps
	if req.Kind == job.KindUpscale || steps <= 0 {
		steps = 4
	}
	for i := 1; i <= steps; i++ {
		if err := sleepCtx(ctx, s.opts.StepDelay); err != nil {
			return nil, err
		}
		progress(i*100/steps, fmt.Sprintf("step %d/%d", i, steps))
	}

	w, h := req.Width, req.Height
	if req.Kind == job.KindUpscale {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Image))
		if err != nil {
			return nil, fmt.Errorf("decode input image: %w", err)
		}
		w, h = cfg.Width*req.Scale, cfg.Height*req.Scale
	}
	data, err := solidPNG(w, h, seed)
	if err != nil {
		return nil, err
	}
	return &job.Result{
		Kind: req.Kind,
		Seed: seed,
		Artifacts: []job.Artifact{{
			Name:     "image.png",
			MIMEType: "image/png",
			Data:     data,
		}},
	}, nil
}

func (s *Sim) generateText(ctx context.Context, req Request, seed int64, progress ProgressFunc) (*job.Result, error) {
	words := strings.Fields(req.Prompt)
	if len(words) > req.MaxTokens && req.MaxTokens > 0 {
		words = words[:req.MaxTokens]
	}
	if len(words) == 0 {
		return &job.Result{Kind: req.Kind, Seed: seed}, nil
	}
	var b strings.Builder
	for i, w := range words {
		if err := sleepCtx(ctx, s.opts.StepDelay); err != nil {
			return nil, err
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		progress((i+1)*100/len(words), fmt.Sprintf("token %d/%d", i+1, len(words)))
	}
	return &job.Result{Kind: req.Kind, Text: b.String(), Seed: seed}, nil
}

func promptSeed(prompt string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return int64(h.Sum64() >> 1)
}

func solidPNG(w, h int, seed int64) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	c := color.NRGBA{R: uint8(seed), G: uint8(seed >> 8), B: uint8(seed >> 16), A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
