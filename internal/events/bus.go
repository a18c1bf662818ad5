package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes events on its subscriber's goroutine.
type Handler func(Event)

// Filter selects events; nil accepts all.
type Filter func(Event) bool

// ByOrigin accepts events of one origin; "" accepts all.
func ByOrigin(origin string) Filter {
	if origin == "" {
		return nil
	}
	return func(e Event) bool { return e.Origin == origin }
}

// Bus fans events out to subscribers. Each subscriber owns an unbounded
// mailbox drained by its own goroutine, so a slow handler delays only itself.
// Delivery order is preserved per subscriber.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	handler Handler
	filter  Filter
	log     zerolog.Logger

	mu       sync.Mutex
	pending  []Event
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBus returns an open bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "events").Logger(),
		subs: make(map[uint64]*subscriber),
	}
}

// Publish hands e to every subscriber's mailbox and returns immediately.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		s.push(e)
	}
}

// Subscribe registers h and returns a function that removes it. Events
// already queued for h are dropped on removal.
func (b *Bus) Subscribe(h Handler, f Filter) (cancel func()) {
	s := &subscriber{
		handler: h,
		filter:  f,
		log:     b.log,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

// SubscribeChan delivers matching events on the returned channel until ctx
// ends, then closes it.
func (b *Bus) SubscribeChan(ctx context.Context, f Filter) <-chan Event {
	out := make(chan Event, 16)
	cancel := b.Subscribe(func(e Event) {
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}, f)
	go func() {
		<-ctx.Done()
		cancel()
		close(out)
	}()
	return out
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops all subscribers. Publish is a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*subscriber{}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// stop ends the subscriber's goroutine and waits for it. It is safe to call
// from both Close and the cancel func, in any order.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				select {
				case <-s.quit:
					return
				default:
				}
				s.deliver(e)
			}
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", string(e.Type)).Str("job_id", e.JobID).Msg("subscriber panicked")
		}
	}()
	s.handler(e)
}
