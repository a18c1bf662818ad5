package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/engine"
	"gend/internal/genlock"
	"gend/internal/job"
	"gend/internal/queue"
	"gend/internal/registry"
	"gend/internal/rescache"
	"gend/pkg/types"
)

var testModels = []types.Model{
	{ID: "sd15.safetensors", Name: "sd15", Path: "/models/sd15.safetensors", Class: registry.ClassDiffusion, Variant: "fp16"},
	{ID: "sdxl", Name: "sdxl", Path: "/models/sdxl", Class: registry.ClassDiffusion},
	{ID: "esrgan.pth", Name: "esrgan", Path: "/models/esrgan.pth", Class: registry.ClassUpscaler},
	{ID: "tiny.gguf", Name: "tiny", Path: "/models/tiny.gguf", Class: registry.ClassText},
}

// countingEngine tracks how many Execute calls overlap.
type countingEngine struct {
	engine.Engine
	in, max atomic.Int32
}

func (c *countingEngine) Execute(ctx context.Context, res any, req engine.Request, p engine.ProgressFunc) (*job.Result, error) {
	n := c.in.Add(1)
	defer c.in.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	return c.Engine.Execute(ctx, res, req, p)
}

func newTestService(t *testing.T, sim *engine.Sim, mut ...func(*Options)) *Service {
	t.Helper()
	if sim == nil {
		sim = engine.NewSim(engine.SimOptions{})
	}
	o := Options{
		Registry: registry.FromModels(testModels),
		Engine:   sim,
		Provider: "cuda",
		Logger:   zerolog.Nop(),
	}
	for _, m := range mut {
		m(&o)
	}
	s := New(o)
	s.Start()
	t.Cleanup(func() { _ = s.Close(time.Second) })
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func txt2img(model string) types.JobRequest {
	return types.JobRequest{Kind: "text-to-image", Model: model, Prompt: "a lighthouse", Width: 64, Height: 64, Steps: 2}
}

func TestSubmitAndWaitSharesResource(t *testing.T) {
	sim := engine.NewSim(engine.SimOptions{})
	s := newTestService(t, sim)

	a, err := s.Submit(txt2img("sd15"), "ui")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err := s.Submit(txt2img("sd15.safetensors"), "api")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, j := range []*job.Job{a, b} {
		res, err := s.WaitForCompletion(testCtx(t), j.ID())
		if err != nil {
			t.Fatalf("wait %s: %v", j.ID(), err)
		}
		if len(res.Artifacts) != 1 || res.Artifacts[0].MIMEType != "image/png" {
			t.Fatalf("result: %+v", res)
		}
	}
	if n := sim.Constructed(); n != 1 {
		t.Fatalf("constructed %d resources for equal keys", n)
	}
	key := rescache.Key{ModelPath: "/models/sd15.safetensors", Variant: "fp16", Provider: "cuda"}
	if !s.Cache().IsLoaded(rescache.ClassDiffusion, key) {
		t.Fatalf("resource not cached under %v", key)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestService(t, nil)
	cases := []struct {
		name  string
		req   types.JobRequest
		check func(error) bool
	}{
		{"unknown kind", types.JobRequest{Kind: "video", Prompt: "x"}, IsInvalidRequest},
		{"unknown model", txt2img("nope"), IsModelNotFound},
		{"wrong class", txt2img("tiny"), IsInvalidRequest},
		{"empty prompt", types.JobRequest{Kind: "text-to-image", Model: "sd15"}, IsInvalidRequest},
		{"upscale without image", types.JobRequest{Kind: "upscale"}, IsInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Submit(tc.req, "api"); !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if n := len(s.GetJobs(queue.Filter{})); n != 0 {
		t.Fatalf("rejected requests were enqueued: %d", n)
	}
}

func TestDefaultModelResolution(t *testing.T) {
	cases := []struct {
		name string
		opts func(*Options)
		req  types.JobRequest
		path string
	}{
		{"first of class", nil, txt2img(""), "/models/sd15.safetensors"},
		{"default model", func(o *Options) { o.DefaultModel = "sdxl" }, txt2img(""), "/models/sdxl"},
		{"per-class default wins", func(o *Options) {
			o.DefaultModel = "sd15"
			o.DefaultModels = map[string]string{"diffusion": "sdxl"}
		}, txt2img(""), "/models/sdxl"},
		{"default of other class ignored", func(o *Options) { o.DefaultModel = "tiny" }, txt2img(""), "/models/sd15.safetensors"},
		{"text", func(o *Options) { o.DefaultModel = "tiny" }, types.JobRequest{Kind: "text-generate", Prompt: "hi"}, "/models/tiny.gguf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var mut []func(*Options)
			if tc.opts != nil {
				mut = append(mut, tc.opts)
			}
			s := newTestService(t, nil, mut...)
			er, err := s.BuildRequest(tc.req)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if er.Key.ModelPath != tc.path {
				t.Fatalf("model path %s, want %s", er.Key.ModelPath, tc.path)
			}
		})
	}

	empty := New(Options{Registry: registry.FromModels(nil), Engine: engine.NewSim(engine.SimOptions{}), Logger: zerolog.Nop()})
	if _, err := empty.BuildRequest(txt2img("")); !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
}

func TestGenerateNowNeverOverlapsQueue(t *testing.T) {
	sim := engine.NewSim(engine.SimOptions{StepDelay: 2 * time.Millisecond})
	ce := &countingEngine{Engine: sim}
	s := newTestService(t, nil, func(o *Options) { o.Engine = ce })

	var last *job.Job
	for i := 0; i < 5; i++ {
		j, err := s.Submit(txt2img("sd15"), "api")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = j
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GenerateNow(testCtx(t), txt2img("sd15"), "ui"); err != nil {
				t.Errorf("generate: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := s.WaitForCompletion(testCtx(t), last.ID()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if m := ce.max.Load(); m != 1 {
		t.Fatalf("observed %d overlapping engine calls", m)
	}
}

func TestGenerateNowCancelledWhileWaitingForLock(t *testing.T) {
	s := newTestService(t, nil)
	g, err := s.Lock().Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.GenerateNow(ctx, txt2img("sd15"), "ui"); !genlock.IsAcquireCancelled(err) {
		t.Fatalf("expected lock acquisition cancelled, got %v", err)
	}
}

func TestUnloadWaitsForLock(t *testing.T) {
	sim := engine.NewSim(engine.SimOptions{})
	s := newTestService(t, sim)
	if _, err := s.GenerateNow(testCtx(t), txt2img("sd15"), "ui"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	g, _ := s.Lock().Acquire(context.Background(), "test")
	done := make(chan int, 1)
	go func() {
		n, err := s.Unload(context.Background(), rescache.ClassDiffusion, "sd15", "")
		if err != nil {
			t.Errorf("unload: %v", err)
		}
		done <- n
	}()
	select {
	case <-done:
		t.Fatalf("unload ran while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}
	if sim.Disposed() != 0 {
		t.Fatalf("resource disposed while the lock was held")
	}
	g.Release()
	if n := <-done; n != 1 {
		t.Fatalf("unloaded %d", n)
	}
	if sim.Disposed() != 1 {
		t.Fatalf("disposed=%d", sim.Disposed())
	}

	if _, err := s.Unload(context.Background(), "video", "", ""); !IsInvalidRequest(err) {
		t.Fatalf("expected invalid class error, got %v", err)
	}
	if _, err := s.Unload(context.Background(), rescache.ClassDiffusion, "nope", ""); !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
	if n, err := s.Unload(context.Background(), rescache.ClassDiffusion, "", ""); err != nil || n != 0 {
		t.Fatalf("unload empty class: %d %v", n, err)
	}
}

func TestStatusReportsResources(t *testing.T) {
	s := newTestService(t, nil, func(o *Options) {
		o.CacheOptions = rescache.Options{DefaultMode: rescache.ModeSingle}
	})
	if _, err := s.GenerateNow(testCtx(t), txt2img("sd15"), "ui"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := s.GenerateNow(testCtx(t), txt2img("sdxl"), "ui"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	st := s.Status()
	if st.CacheModes["diffusion"] != "single" {
		t.Fatalf("modes: %v", st.CacheModes)
	}
	if len(st.Resources) != 1 || st.Resources[0].ModelPath != "/models/sdxl" {
		t.Fatalf("single-resident mode kept %+v", st.Resources)
	}
	if st.LockHeld {
		t.Fatalf("lock reported held while idle")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	sim := engine.NewSim(engine.SimOptions{StepDelay: 50 * time.Millisecond})
	s := New(Options{Registry: registry.FromModels(testModels), Engine: sim, Logger: zerolog.Nop()})
	s.Start()
	var jobs []*job.Job
	for i := 0; i < 3; i++ {
		req := txt2img("sd15")
		req.Steps = 20
		j, err := s.Submit(req, "api")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, j)
	}
	deadline := time.Now().Add(2 * time.Second)
	for jobs[0].Status() != job.StatusProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("first job never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Close(2 * time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, j := range jobs {
		if j.Status() != job.StatusCancelled {
			t.Fatalf("job %s left %s", j.ID(), j.Status())
		}
	}
	if s.Ready() {
		t.Fatalf("closed service reports ready")
	}
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunnerRejectsForeignPayload(t *testing.T) {
	s := newTestService(t, nil)
	j := s.Queue().Submit(job.KindTextToImage, "api", "not a request")
	if _, err := s.WaitForCompletion(testCtx(t), j.ID()); !job.IsEngineError(err) {
		t.Fatalf("expected failure, got %v", err)
	}
}

func TestConstructionFailureFailsJob(t *testing.T) {
	boom := errors.New("weights corrupted")
	sim := engine.NewSim(engine.SimOptions{FailConstruct: func(rescache.Class, rescache.Key) error { return boom }})
	s := newTestService(t, sim)
	j, err := s.Submit(txt2img("sd15"), "api")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.WaitForCompletion(testCtx(t), j.ID()); !errors.Is(err, boom) {
		t.Fatalf("expected construction error, got %v", err)
	}
	if v := j.Snapshot(); v.Status != job.StatusFailed || v.Error == "" {
		t.Fatalf("view: %+v", v)
	}
}
