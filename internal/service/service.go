// Package service wires the registry, resource cache, generation lock, queue
// and event bus into the operations front-ends use.
//
// Two call paths reach the engine: queued jobs through the queue worker, and
// interactive requests through GenerateNow. Both share one injected
// generation lock.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"gend/internal/engine"
	"gend/internal/events"
	"gend/internal/genlock"
	"gend/internal/job"
	"gend/internal/queue"
	"gend/internal/registry"
	"gend/internal/rescache"
	"gend/pkg/types"
)

// Options configures a Service. Engine and Registry are required.
type Options struct {
	Registry *registry.Registry
	Engine   engine.Engine
	// Lock is shared by the queue worker and GenerateNow; one is created
	// when nil.
	Lock         *genlock.Lock
	Cache        *rescache.Cache
	CacheOptions rescache.Options
	Bus          *events.Bus
	Tracer       trace.Tracer

	DefaultModel  string
	DefaultModels map[string]string
	Provider      string
	DeviceID      int

	// JobRetention > 0 clears terminal jobs older than it periodically.
	JobRetention time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service is the application core behind the HTTP API.
type Service struct {
	reg    *registry.Registry
	cache  *rescache.Cache
	lock   *genlock.Lock
	bus    *events.Bus
	queue  *queue.Queue
	runner *Runner
	log    zerolog.Logger
	now    func() time.Time

	defaultModel  string
	defaultModels map[string]string
	provider      string
	deviceID      int

	retention time.Duration
	started   time.Time
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	janitor   sync.WaitGroup
}

func New(opts Options) *Service {
	log := opts.Logger
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lock := opts.Lock
	if lock == nil {
		lock = genlock.New()
	}
	cache := opts.Cache
	if cache == nil {
		co := opts.CacheOptions
		co.Logger = log
		cache = rescache.New(opts.Engine, co)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.FromModels(nil)
	}
	runner := NewRunner(cache, opts.Engine, log)
	s := &Service{
		reg:           reg,
		cache:         cache,
		lock:          lock,
		bus:           bus,
		runner:        runner,
		log:           log.With().Str("component", "service").Logger(),
		now:           now,
		defaultModel:  opts.DefaultModel,
		defaultModels: opts.DefaultModels,
		provider:      opts.Provider,
		deviceID:      opts.DeviceID,
		retention:     opts.JobRetention,
		started:       now(),
		stop:          make(chan struct{}),
	}
	s.queue = queue.New(queue.Options{
		Lock:      lock,
		Executor:  runner,
		Publisher: bus,
		Logger:    log,
		Tracer:    opts.Tracer,
		Now:       now,
	})
	return s
}

// Start launches the queue worker and, when retention is set, the janitor.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.queue.Start()
		if s.retention > 0 {
			s.janitor.Add(1)
			go s.runJanitor()
		}
	})
}

func (s *Service) runJanitor() {
	defer s.janitor.Done()
	every := s.retention / 4
	if every < time.Second {
		every = time.Second
	}
	if every > time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.queue.ClearCompletedJobs(s.retention)
		}
	}
}

// Lock returns the shared generation lock.
func (s *Service) Lock() *genlock.Lock { return s.lock }

// Queue returns the job queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Cache returns the resource cache.
func (s *Service) Cache() *rescache.Cache { return s.cache }

// Bus returns the event bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// Models lists the registry.
func (s *Service) Models() []types.Model { return s.reg.List() }

// BuildRequest validates req, resolves its model and returns the engine
// request with an immutable resource key.
func (s *Service) BuildRequest(req types.JobRequest) (engine.Request, error) {
	kind, err := job.ParseKind(strings.TrimSpace(req.Kind))
	if err != nil {
		return engine.Request{}, ErrInvalidRequest(err.Error())
	}
	class, err := engine.ClassFor(kind)
	if err != nil {
		return engine.Request{}, ErrInvalidRequest(err.Error())
	}
	m, err := s.resolveModel(req.Model, class)
	if err != nil {
		return engine.Request{}, err
	}
	variant := req.Variant
	if variant == "" {
		variant = m.Variant
	}
	er := engine.Request{
		Kind: kind,
		Key: rescache.Key{
			ModelPath: m.Path,
			Variant:   variant,
			Provider:  s.provider,
			DeviceID:  s.deviceID,
		},
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		Strength:       req.Strength,
		Seed:           req.Seed,
		Image:          req.Image,
		Mask:           req.Mask,
		Scale:          req.Scale,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		TopK:           req.TopK,
		RepeatPenalty:  req.RepeatPenalty,
		Stop:           append([]string(nil), req.Stop...),
	}
	if err := er.Normalize(); err != nil {
		return engine.Request{}, err
	}
	return er, nil
}

func (s *Service) resolveModel(id string, class rescache.Class) (types.Model, error) {
	if id == "" {
		id = s.defaultModels[string(class)]
	}
	if id == "" && s.defaultModel != "" {
		if m, ok := s.reg.Get(s.defaultModel); ok && m.Class == string(class) {
			return m, nil
		}
	}
	if id == "" {
		if m, ok := s.reg.FirstOfClass(string(class)); ok {
			return m, nil
		}
		return types.Model{}, ErrModelNotFound("no " + string(class) + " model available")
	}
	m, ok := s.reg.Get(id)
	if !ok {
		return types.Model{}, ErrModelNotFound(id)
	}
	if m.Class != string(class) {
		return types.Model{}, ErrInvalidRequest(fmt.Sprintf("model %s serves %s, not %s", id, m.Class, class))
	}
	return m, nil
}

// Submit validates req and enqueues it. It never blocks on the worker.
func (s *Service) Submit(req types.JobRequest, origin string) (*job.Job, error) {
	er, err := s.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	if origin == "" {
		origin = "api"
	}
	j := s.queue.Submit(er.Kind, origin, er)
	s.log.Info().Str("job_id", j.ID()).Str("kind", string(er.Kind)).Str("origin", origin).Str("model", er.Key.ModelPath).Msg("submitted")
	return j, nil
}

// GenerateNow runs req immediately on the calling goroutine, bypassing the
// queue. It waits for the generation lock, so it never overlaps a queued job.
func (s *Service) GenerateNow(ctx context.Context, req types.JobRequest, origin string) (*job.Result, error) {
	er, err := s.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	g, err := s.lock.Acquire(ctx, "interactive")
	if err != nil {
		return nil, err
	}
	defer g.Release()
	start := s.now()
	res, err := s.runner.Run(ctx, er, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", string(er.Kind)).Str("origin", origin).Msg("interactive generation failed")
		return nil, err
	}
	if res == nil {
		res = &job.Result{Kind: er.Kind}
	}
	if res.Elapsed == 0 {
		res.Elapsed = s.now().Sub(start)
	}
	s.log.Info().Str("kind", string(er.Kind)).Str("origin", origin).Dur("dur", res.Elapsed).Msg("interactive generation")
	return res, nil
}

func (s *Service) GetJob(id string) (*job.Job, bool) { return s.queue.GetJob(id) }
func (s *Service) GetJobs(f queue.Filter) []*job.Job { return s.queue.GetJobs(f) }
func (s *Service) GetActiveJobs() []*job.Job { return s.queue.GetActiveJobs() }
func (s *Service) GetQueuePosition(id string) int { return s.queue.GetQueuePosition(id) }
func (s *Service) TryCancel(id string) bool { return s.queue.TryCancel(id) }
func (s *Service) ClearCompletedJobs(d time.Duration) int { return s.queue.ClearCompletedJobs(d) }
func (s *Service) WaitForCompletion(ctx context.Context, id string) (*job.Result, error) {
	return s.queue.WaitForCompletion(ctx, id)
}

// Unload disposes cached resources of class. With an empty modelID every
// resource of the class goes. It waits for the generation lock so no
// resource is disposed while the engine is using it.
func (s *Service) Unload(ctx context.Context, class rescache.Class, modelID, variant string) (int, error) {
	if _, err := rescache.ParseClass(string(class)); err != nil {
		return 0, ErrInvalidRequest(err.Error())
	}
	var key rescache.Key
	if modelID != "" {
		m, ok := s.reg.Get(modelID)
		if !ok {
			return 0, ErrModelNotFound(modelID)
		}
		if variant == "" {
			variant = m.Variant
		}
		key = rescache.Key{ModelPath: m.Path, Variant: variant, Provider: s.provider, DeviceID: s.deviceID}
	}
	g, err := s.lock.Acquire(ctx, "unload")
	if err != nil {
		return 0, err
	}
	defer g.Release()
	if modelID == "" {
		return s.cache.UnloadClass(class)
	}
	ok, err := s.cache.Unload(class, key)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

// Ready reports whether the service accepts work.
func (s *Service) Ready() bool {
	select {
	case <-s.stop:
		return false
	default:
		return true
	}
}

// Status summarizes queue, lock and cache state.
func (s *Service) Status() types.StatusResponse {
	st := s.queue.Stats()
	now := s.now()
	resp := types.StatusResponse{
		Pending:        st.Pending,
		Processing:     st.Processing,
		Completed:      st.Completed,
		Failed:         st.Failed,
		Cancelled:      st.Cancelled,
		LockHeld:       s.lock.IsHeld(),
		LockOwner:      s.lock.Owner(),
		CacheModes:     make(map[string]string, len(rescache.Classes)),
		Resources:      []types.ResourceStatus{},
		Subscribers:    s.bus.Subscribers(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	for _, c := range rescache.Classes {
		resp.CacheModes[string(c)] = string(s.cache.Mode(c))
	}
	for _, e := range s.cache.Entries() {
		resp.Resources = append(resp.Resources, types.ResourceStatus{
			Class:     string(e.Class),
			ModelPath: e.Key.ModelPath,
			Variant:   e.Key.Variant,
			Provider:  e.Key.Provider,
			DeviceID:  e.Key.DeviceID,
			LoadedAt:  e.LoadedAt.Unix(),
		})
	}
	return resp
}

// Close stops the janitor and the queue, then disposes every cached resource
// and closes the bus.
func (s *Service) Close(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		s.janitor.Wait()
		err = s.queue.Close(timeout)
		if errors.Is(err, queue.ErrShutdownTimeout) {
			s.log.Warn().Dur("timeout", timeout).Msg("worker did not stop in time; leaving resources loaded")
			s.bus.Close()
			return
		}
		s.cache.Close()
		s.bus.Close()
		s.log.Info().Msg("service closed")
	})
	return err
}
