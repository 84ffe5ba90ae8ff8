package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/otel"
)

var (
	ErrClosed     = errors.New("actor: registry closed")
	ErrNoHandler  = errors.New("actor: no handler for entity kind")
	ErrEmptyKey   = errors.New("actor: empty entity key")
	ErrDrainLimit = errors.New("actor: drain timed out")
)

// Resolver picks the handler for a newly seen entity key.
type Resolver func(key string) (Handler, error)

// KindResolver routes by the key's kind prefix.
func KindResolver(handlers map[string]Handler) Resolver {
	return func(key string) (Handler, error) {
		h, ok := handlers[EntityKind(key)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoHandler, EntityKind(key))
		}
		return h, nil
	}
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.deps.logger = l } }
func WithBus(b *bus.Bus) Option { return func(r *Registry) { r.deps.bus = b } }
func WithMetrics(m *otel.Metrics) Option { return func(r *Registry) { r.deps.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(r *Registry) { r.deps.tracer = t } }
func WithFallback(f FallbackFunc) Option { return func(r *Registry) { r.deps.fallback = f } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.deps.now = now } }

// WithDedup sets how many processed ids each entity remembers and for how long.
func WithDedup(size int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.deps.windowSize = size
		r.deps.ttl = ttl
	}
}

// Registry creates actors lazily, one per entity key, and keeps them for the
// life of the process.
type Registry struct {
	ctx     context.Context
	store   StateStore
	resolve Resolver
	deps    *deps

	mu     sync.RWMutex
	actors map[string]*Actor
	closed bool
}

func NewRegistry(ctx context.Context, store StateStore, resolve Resolver, opts ...Option) *Registry {
	r := &Registry{
		ctx:     ctx,
		store:   store,
		resolve: resolve,
		actors:  make(map[string]*Actor),
		deps: &deps{
			windowSize: 500,
			ttl:        7 * 24 * time.Hour,
			now:        time.Now,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deps.logger == nil {
		r.deps.logger = slog.Default()
	}
	return r
}

// Get returns the actor for key, creating it on first use.
func (r *Registry) Get(key string) (*Actor, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	r.mu.RLock()
	a, ok := r.actors[key]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.actors[key]; ok {
		return a, nil
	}
	h, err := r.resolve(key)
	if err != nil {
		return nil, err
	}
	a = newActor(r.ctx, key, h, r.store, r.deps)
	r.actors[key] = a
	r.deps.logger.Info("entity actor started", "entity_key", key)
	return a, nil
}

// Dispatch queues ev on the actor for ev.EntityKey without waiting.
func (r *Registry) Dispatch(ev Event) (<-chan Result, error) {
	a, err := r.Get(ev.EntityKey)
	if err != nil {
		return nil, err
	}
	return a.Submit(ev), nil
}

// Handle dispatches ev and waits for its result.
func (r *Registry) Handle(ctx context.Context, ev Event) (Effects, error) {
	a, err := r.Get(ev.EntityKey)
	if err != nil {
		return Effects{}, err
	}
	return a.Handle(ctx, ev)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Snapshot lists every live actor, sorted by key.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Drain stops intake and waits, in parallel, for every actor to finish its
// queue. It returns ErrDrainLimit if any actor is still busy after timeout.
func (r *Registry) Drain(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		pending []string
	)
	for _, a := range actors {
		a.close()
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			select {
			case <-a.done:
			case <-ctx.Done():
				mu.Lock()
				pending = append(pending, a.key)
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()
	if len(pending) > 0 {
		sort.Strings(pending)
		r.deps.logger.Warn("entity actors still busy at shutdown", "entities", pending)
		return fmt.Errorf("%w: %v", ErrDrainLimit, pending)
	}
	return nil
}
