//go:build llama

package engine

// cgo link directives for the in-process llama backend. libllama.so is
// expected next to the built binary (./bin).

/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"gend/internal/job"
	"gend/internal/rescache"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = true

// Llama runs text-generate jobs on go-llama.cpp. The resource is a loaded model.
type Llama struct {
	ctxSize int
	threads int
}

func NewLlama(ctxSize, threads int) *Llama {
	return &Llama{ctxSize: ctxSize, threads: threads}
}

type llamaModel struct {
	mu    sync.Mutex
	model *llama.LLama
}

func (l *Llama) Construct(_ context.Context, class rescache.Class, key rescache.Key) (any, error) {
	if class != rescache.ClassText {
		return nil, ErrUnsupportedKind
	}
	if strings.TrimSpace(key.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(key.ModelPath, llama.SetContext(l.ctxSize))
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m}, nil
}

func (l *Llama) Dispose(_ rescache.Class, _ rescache.Key, res any) error {
	m, ok := res.(*llamaModel)
	if !ok {
		return ErrBadResource
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

func (l *Llama) Execute(ctx context.Context, res any, req Request, progress ProgressFunc) (*job.Result, error) {
	m, ok := res.(*llamaModel)
	if !ok {
		return nil, ErrBadResource
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	maxTokens := max(1, req.MaxTokens)
	n := 0
	m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		n++
		progress(min(100, n*100/maxTokens), "generating")
		return true
	})
	text, err := m.model.Predict(req.Prompt, predictOptions(req, l.threads)...)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &job.Result{Kind: req.Kind, Text: text, Seed: req.Seed}, nil
}

func predictOptions(req Request, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, req.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(orF(req.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(orI(req.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(orF(req.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(orF(req.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if req.Seed != 0 {
		po = append(po, llama.SetSeed(int(req.Seed)))
	}
	if len(req.Stop) > 0 {
		po = append(po, llama.SetStopWords(req.Stop...))
	}
	return po
}

func orI(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orF(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
