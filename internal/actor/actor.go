package actor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

// StateStore is the durable side of an actor. *persistence.Store implements it.
type StateStore interface {
	LoadEntity(ctx context.Context, key string) (persistence.EntityRecord, bool, error)
	SaveEntity(ctx context.Context, rec persistence.EntityRecord) error
	RecentEvents(ctx context.Context, entityKey string, since time.Time, limit int) ([]persistence.ProcessedEvent, error)
	MarkProcessed(ctx context.Context, entityKey, eventID, traceID string, at time.Time, keep int) (bool, error)
}

// FallbackFunc tells the user about a failure the handler did not absorb.
type FallbackFunc func(ctx context.Context, ev Event, err error)

// Result is the outcome of one submitted event.
type Result struct {
	Effects Effects
	Err     error
}

type job struct {
	ev     Event
	result chan Result
}

// Snapshot is a point-in-time view of an actor for operators.
type Snapshot struct {
	Key          string    `json:"key"`
	QueueDepth   int       `json:"queue_depth"`
	Busy         bool      `json:"busy"`
	Processed    int       `json:"processed"`
	Window       int       `json:"dedup_window"`
	HasSession   bool      `json:"has_session"`
	LastActivity time.Time `json:"last_activity"`
}

// Actor owns one entity key. A single goroutine drains its queue, so the
// handler, the dedup window and the session never see concurrent access.
type Actor struct {
	key     string
	handler Handler
	store   StateStore
	deps    *deps

	mu     sync.Mutex
	queue  []job
	closed bool
	busy   bool
	snap   Snapshot
	wake   chan struct{}
	done   chan struct{}

	// Owned by the run goroutine.
	state  State
	window *window
}

// deps is shared by every actor of a registry.
type deps struct {
	windowSize int
	ttl        time.Duration
	logger     *slog.Logger
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     trace.Tracer
	fallback   FallbackFunc
	now        func() time.Time
}

func newActor(ctx context.Context, key string, h Handler, store StateStore, d *deps) *Actor {
	a := &Actor{
		key:     key,
		handler: h,
		store:   store,
		deps:    d,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   State{Key: key},
		window:  newWindow(d.windowSize, d.ttl),
		snap:    Snapshot{Key: key},
	}
	go a.run(context.WithoutCancel(ctx))
	return a
}

func (a *Actor) Key() string { return a.key }

// Submit queues ev behind everything already submitted to this actor. The
// returned channel receives exactly one Result.
func (a *Actor) Submit(ev Event) <-chan Result {
	ch := make(chan Result, 1)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ch <- Result{Err: ErrClosed}
		return ch
	}
	a.queue = append(a.queue, job{ev: ev, result: ch})
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return ch
}

// Handle submits ev and waits for its result.
func (a *Actor) Handle(ctx context.Context, ev Event) (Effects, error) {
	select {
	case res := <-a.Submit(ev):
		return res.Effects, res.Err
	case <-ctx.Done():
		return Effects{}, ctx.Err()
	}
}

// Snapshot returns queue depth and last known state.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snap
	s.QueueDepth = len(a.queue)
	s.Busy = a.busy
	return s
}

// close stops intake. Queued events still run.
func (a *Actor) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Actor) next() (job, bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return job{}, false, a.closed
	}
	j := a.queue[0]
	a.queue[0] = job{}
	a.queue = a.queue[1:]
	a.busy = true
	return j, true, false
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	a.restore(ctx)
	for {
		j, ok, closed := a.next()
		if !ok {
			if closed {
				return
			}
			<-a.wake
			continue
		}
		eff, err := a.process(ctx, j.ev)

		a.mu.Lock()
		a.busy = false
		a.snap.Processed++
		a.snap.Window = a.window.len()
		a.snap.HasSession = len(a.state.Session) > 0
		a.snap.LastActivity = a.state.LastActivity
		a.mu.Unlock()

		j.result <- Result{Effects: eff, Err: err}
	}
}

// restore loads the persisted session and dedup history.
func (a *Actor) restore(ctx context.Context) {
	rec, found, err := a.store.LoadEntity(ctx, a.key)
	if err != nil {
		a.deps.logger.Error("load entity state failed", "entity_key", a.key, "error", err)
	} else if found {
		a.state.Session = rec.Session
		a.state.LastActivity = rec.LastActivity
	}

	now := a.deps.now()
	since := time.Time{}
	if a.deps.ttl > 0 {
		since = now.Add(-a.deps.ttl)
	}
	recent, err := a.store.RecentEvents(ctx, a.key, since, a.deps.windowSize)
	if err != nil {
		a.deps.logger.Error("load dedup window failed", "entity_key", a.key, "error", err)
	}
	for _, ev := range recent {
		a.window.add(ev.EventID, ev.ProcessedAt)
	}

	a.mu.Lock()
	a.snap.Window = a.window.len()
	a.snap.HasSession = len(a.state.Session) > 0
	a.snap.LastActivity = a.state.LastActivity
	a.mu.Unlock()
}

func (a *Actor) process(ctx context.Context, ev Event) (Effects, error) {
	start := a.deps.now()
	kind := EntityKind(a.key)
	if ev.TraceID == "" {
		ev.TraceID = shared.EventTraceID(ev.ID)
	}
	ctx = shared.WithTraceID(ctx, ev.TraceID)
	ctx = shared.WithEntityKey(ctx, a.key)
	ctx = shared.WithEventID(ctx, ev.ID)
	logger := telemetry.FromContext(ctx, a.deps.logger)

	ctx, span := otel.StartSpan(ctx, a.deps.tracer, "actor.handle",
		otel.AttrEntityKey.String(a.key),
		otel.AttrEventID.String(ev.ID),
		otel.AttrTraceID.String(ev.TraceID),
		otel.AttrEventKind.String(string(ev.Kind)),
	)

	if ev.ID != "" {
		if a.window.contains(ev.ID, start) {
			return a.duplicate(ctx, span, logger, ev, kind), nil
		}
		// Recorded before any side effect so a crash mid-handler cannot
		// lead to a second reply on redelivery.
		inserted, err := a.store.MarkProcessed(ctx, a.key, ev.ID, ev.TraceID, start, a.deps.windowSize)
		if err != nil {
			logger.Error("persist processed event failed; relying on in-memory window", "error", err)
		} else if !inserted {
			a.window.add(ev.ID, start)
			return a.duplicate(ctx, span, logger, ev, kind), nil
		}
		a.window.add(ev.ID, start)
	}

	eff, err := a.safeHandle(ctx, ev)
	if err != nil {
		eff.Degraded = true
		logger.Error("entity handler failed", "error", err)
		if a.deps.fallback != nil {
			a.deps.fallback(ctx, ev, err)
		}
	}
	if eff.Degraded {
		reason := "capability failure absorbed by handler"
		if err != nil {
			reason = err.Error()
		}
		a.deps.bus.Publish(bus.TopicActorDegraded, bus.DegradedEvent{
			EntityKey: a.key, TraceID: ev.TraceID, Stage: "handler", Error: reason,
		})
	}

	a.state.LastActivity = a.deps.now()
	if serr := a.store.SaveEntity(ctx, persistence.EntityRecord{
		Key:          a.key,
		Session:      a.state.Session,
		LastActivity: a.state.LastActivity,
	}); serr != nil {
		logger.Error("persist entity state failed", "error", serr)
	}

	elapsed := a.deps.now().Sub(start)
	a.deps.metrics.ActorStep(ctx, kind, elapsed, eff.Degraded)
	a.deps.bus.Publish(bus.TopicActorStep, bus.ActorStepEvent{
		EntityKey: a.key,
		EventID:   ev.ID,
		TraceID:   ev.TraceID,
		Duration:  elapsed,
		Replies:   len(eff.Replies),
		Commits:   len(eff.Commits),
		Degraded:  eff.Degraded,
	})
	logger.Info("entity step complete",
		"duration_ms", elapsed.Milliseconds(),
		"replies", len(eff.Replies),
		"commits", len(eff.Commits),
		"degraded", eff.Degraded,
	)
	otel.EndSpan(span, err)
	return eff, err
}

func (a *Actor) duplicate(ctx context.Context, span trace.Span, logger *slog.Logger, ev Event, kind string) Effects {
	a.deps.metrics.Duplicate(ctx, kind)
	a.deps.bus.Publish(bus.TopicActorDuplicate, bus.ActorStepEvent{
		EntityKey: a.key, EventID: ev.ID, TraceID: ev.TraceID,
	})
	logger.Info("duplicate event ignored")
	otel.EndSpan(span, nil)
	return Effects{Duplicate: true}
}

// safeHandle turns a handler panic into an error so one bad event cannot
// kill the entity's mailbox.
func (a *Actor) safeHandle(ctx context.Context, ev Event) (eff Effects, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.deps.logger.Error("entity handler panic", "entity_key", a.key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return a.handler.Handle(ctx, ev, &a.state)
}
