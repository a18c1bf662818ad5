// Package rescache memoizes heavyweight inference resources (pipelines,
// upscalers, language models) per class and immutable key.
//
// Reads of loaded entries are wait-free. Construction of a given (class, key)
// happens at most once at a time; classes never block each other.
package rescache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gend/internal/metrics"
)

// Constructor is the construct/dispose half of the engine contract.
type Constructor interface {
	Construct(ctx context.Context, class Class, key Key) (any, error)
	Dispose(class Class, key Key, res any) error
}

// Options configures a Cache.
type Options struct {
	DefaultMode Mode
	ClassModes  map[Class]Mode
	Logger      zerolog.Logger
}

type entry struct {
	key      Key
	res      any
	loadedAt time.Time
}

type classSlot struct {
	class   Class
	mu      sync.Mutex // serializes construction and eviction within the class
	entries sync.Map   // Key -> *entry
	loading sync.Map   // Key -> struct{}
	group   singleflight.Group
}

// Cache holds constructed resources for every Class.
type Cache struct {
	ctor  Constructor
	log   zerolog.Logger
	slots map[Class]*classSlot

	modeMu      sync.RWMutex
	defaultMode Mode
	modes       map[Class]Mode
}

// EntryInfo describes a loaded resource.
type EntryInfo struct {
	Class    Class
	Key      Key
	LoadedAt time.Time
}

// New builds a Cache backed by ctor.
func New(ctor Constructor, opts Options) *Cache {
	c := &Cache{
		ctor:        ctor,
		log:         opts.Logger.With().Str("component", "rescache").Logger(),
		slots:       make(map[Class]*classSlot, len(Classes)),
		defaultMode: opts.DefaultMode,
		modes:       make(map[Class]Mode, len(opts.ClassModes)),
	}
	if c.defaultMode == "" {
		c.defaultMode = ModeMulti
	}
	for _, cl := range Classes {
		c.slots[cl] = &classSlot{class: cl}
	}
	for cl, m := range opts.ClassModes {
		c.modes[cl] = m
	}
	return c
}

// Mode returns the eviction mode applied to class.
func (c *Cache) Mode(class Class) Mode {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	if m, ok := c.modes[class]; ok {
		return m
	}
	return c.defaultMode
}

// SetMode changes the eviction mode of class. It applies to the next
// construction; loaded entries are left alone.
func (c *Cache) SetMode(class Class, m Mode) {
	c.modeMu.Lock()
	c.modes[class] = m
	c.modeMu.Unlock()
}

func (c *Cache) slot(class Class) (*classSlot, error) {
	s, ok := c.slots[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return s, nil
}

// Acquire returns the resource for (class, key), constructing it if absent.
// When ctx ends first the caller stops waiting, but a construction already
// started runs to completion and its result is cached.
func (c *Cache) Acquire(ctx context.Context, class Class, key Key) (any, error) {
	s, err := c.slot(class)
	if err != nil {
		return nil, err
	}
	if v, ok := s.entries.Load(key); ok {
		return v.(*entry).res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key.String(), func() (any, error) {
		return c.load(detached, s, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, s *classSlot, key Key) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries.Load(key); ok {
		return v.(*entry).res, nil
	}
	if c.Mode(s.class) == ModeSingle {
		s.entries.Range(func(k, _ any) bool {
			if k.(Key) != key {
				c.remove(s, k.(Key), "evicted")
			}
			return true
		})
	}

	s.loading.Store(key, struct{}{})
	defer s.loading.Delete(key)
	start := time.Now()
	c.log.Info().Str("class", string(s.class)).Str("key", key.String()).Msg("construct start")
	res, err := c.ctor.Construct(ctx, s.class, key)
	metrics.CacheConstructDuration.WithLabelValues(string(s.class)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CacheLoads.WithLabelValues(string(s.class), "error").Inc()
		c.log.Error().Err(err).Str("class", string(s.class)).Str("key", key.String()).Msg("construct failed")
		return nil, &ConstructionError{Class: s.class, Key: key, Err: err}
	}
	s.entries.Store(key, &entry{key: key, res: res, loadedAt: time.Now()})
	metrics.CacheLoads.WithLabelValues(string(s.class), "ok").Inc()
	metrics.CacheResident.WithLabelValues(string(s.class)).Inc()
	c.log.Info().Str("class", string(s.class)).Str("key", key.String()).Dur("dur", time.Since(start)).Msg("construct done")
	return res, nil
}

// remove deletes and disposes one entry. LoadAndDelete guarantees a single
// disposer even when Unload races with eviction.
func (c *Cache) remove(s *classSlot, key Key, reason string) bool {
	v, ok := s.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	metrics.CacheResident.WithLabelValues(string(s.class)).Dec()
	metrics.CacheUnloads.WithLabelValues(string(s.class), reason).Inc()
	if err := c.ctor.Dispose(s.class, key, v.(*entry).res); err != nil {
		c.log.Warn().Err(err).Str("class", string(s.class)).Str("key", key.String()).Msg("dispose failed")
	}
	c.log.Info().Str("class", string(s.class)).Str("key", key.String()).Str("reason", reason).Msg("unloaded")
	return true
}

// Unload disposes the entry for (class, key). It is a no-op when absent and
// reports whether something was removed.
func (c *Cache) Unload(class Class, key Key) (bool, error) {
	s, err := c.slot(class)
	if err != nil {
		return false, err
	}
	return c.remove(s, key, "unload"), nil
}

// UnloadClass disposes every entry of class and returns how many were removed.
func (c *Cache) UnloadClass(class Class) (int, error) {
	s, err := c.slot(class)
	if err != nil {
		return 0, err
	}
	return c.unloadAll(s, "unload"), nil
}

func (c *Cache) unloadAll(s *classSlot, reason string) int {
	n := 0
	s.entries.Range(func(k, _ any) bool {
		if c.remove(s, k.(Key), reason) {
			n++
		}
		return true
	})
	return n
}

// IsLoaded reports whether (class, key) is resident.
func (c *Cache) IsLoaded(class Class, key Key) bool {
	s, ok := c.slots[class]
	if !ok {
		return false
	}
	_, ok = s.entries.Load(key)
	return ok
}

// IsLoading reports whether (class, key) is being constructed right now.
func (c *Cache) IsLoading(class Class, key Key) bool {
	s, ok := c.slots[class]
	if !ok {
		return false
	}
	_, ok = s.loading.Load(key)
	return ok
}

// Entries returns the loaded resources ordered by class then load time.
func (c *Cache) Entries() []EntryInfo {
	var out []EntryInfo
	for _, cl := range Classes {
		c.slots[cl].entries.Range(func(_, v any) bool {
			e := v.(*entry)
			out = append(out, EntryInfo{Class: cl, Key: e.key, LoadedAt: e.loadedAt})
			return true
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].LoadedAt.Before(out[j].LoadedAt)
	})
	return out
}

// Close waits for in-flight constructions and disposes every resource.
// Callers stop producing work before Close.
func (c *Cache) Close() {
	for _, cl := range Classes {
		s := c.slots[cl]
		s.mu.Lock()
		n := c.unloadAll(s, "shutdown")
		s.mu.Unlock()
		if n > 0 {
			c.log.Debug().Str("class", string(cl)).Int("count", n).Msg("closed")
		}
	}
}
