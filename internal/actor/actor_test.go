package actor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu        sync.Mutex
	entities  map[string]persistence.EntityRecord
	processed map[string][]persistence.ProcessedEvent
	markErr   error
}

func newMemStore() *memStore {
	return &memStore{
		entities:  map[string]persistence.EntityRecord{},
		processed: map[string][]persistence.ProcessedEvent{},
	}
}

func (m *memStore) LoadEntity(_ context.Context, key string) (persistence.EntityRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[key]
	return rec, ok, nil
}

func (m *memStore) SaveEntity(_ context.Context, rec persistence.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[rec.Key] = rec
	return nil
}

func (m *memStore) RecentEvents(_ context.Context, key string, since time.Time, limit int) ([]persistence.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persistence.ProcessedEvent
	for _, ev := range m.processed[key] {
		if !ev.ProcessedAt.Before(since) {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) MarkProcessed(_ context.Context, key, eventID, traceID string, at time.Time, keep int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return false, m.markErr
	}
	for _, ev := range m.processed[key] {
		if ev.EventID == eventID {
			return false, nil
		}
	}
	m.processed[key] = append(m.processed[key], persistence.ProcessedEvent{EventID: eventID, TraceID: traceID, ProcessedAt: at})
	return true, nil
}

// recorder is a handler that appends each event's text to a shared log.
type recorder struct {
	mu    sync.Mutex
	calls map[string][]string
	delay time.Duration
}

func (r *recorder) Handle(_ context.Context, ev Event, st *State) (Effects, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string][]string{}
	}
	r.calls[st.Key] = append(r.calls[st.Key], ev.Text)
	r.mu.Unlock()
	return Effects{Replies: []string{"ts-" + ev.ID}}, nil
}

func (r *recorder) seen(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[key]...)
}

func newTestRegistry(t *testing.T, store StateStore, h Handler, opts ...Option) *Registry {
	t.Helper()
	reg := NewRegistry(context.Background(), store, KindResolver(map[string]Handler{
		EntityInbox:   h,
		EntityProject: h,
		EntityRitual:  h,
	}), opts...)
	t.Cleanup(func() {
		if err := reg.Drain(5 * time.Second); err != nil {
			t.Errorf("drain: %v", err)
		}
	})
	return reg
}

func TestActor_DuplicateEventHandledOnce(t *testing.T) {
	h := &recorder{}
	reg := newTestRegistry(t, newMemStore(), h)
	ctx := context.Background()

	ev := Event{ID: "Ev1", EntityKey: InboxKey, Text: "buy milk"}
	first, err := reg.Handle(ctx, ev)
	if err != nil || first.Duplicate {
		t.Fatalf("first: %+v %v", first, err)
	}
	second, err := reg.Handle(ctx, ev)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || len(second.Replies) != 0 {
		t.Fatalf("second should be a silent duplicate, got %+v", second)
	}
	if got := h.seen(InboxKey); len(got) != 1 {
		t.Fatalf("handler calls = %v", got)
	}
}

func TestActor_ConcurrentDuplicatesHandledOnce(t *testing.T) {
	h := &recorder{delay: 5 * time.Millisecond}
	reg := newTestRegistry(t, newMemStore(), h)

	var wg sync.WaitGroup
	var dups atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eff, err := reg.Handle(context.Background(), Event{ID: "Ev-same", EntityKey: ProjectKey("kitchen"), Text: "x"})
			if err != nil {
				t.Errorf("handle: %v", err)
			}
			if eff.Duplicate {
				dups.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := h.seen(ProjectKey("kitchen")); len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if dups.Load() != 9 {
		t.Fatalf("duplicates = %d, want 9", dups.Load())
	}
}

func TestActor_PerKeyFIFO(t *testing.T) {
	h := &recorder{delay: time.Millisecond}
	reg := newTestRegistry(t, newMemStore(), h)

	var results []<-chan Result
	for i := 0; i < 20; i++ {
		ch, err := reg.Dispatch(Event{ID: fmt.Sprintf("E%d", i), EntityKey: InboxKey, Text: fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		results = append(results, ch)
		// Interleave another entity; it must not disturb inbox ordering.
		if _, err := reg.Dispatch(Event{ID: fmt.Sprintf("P%d", i), EntityKey: ProjectKey("a"), Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	for _, ch := range results {
		<-ch
	}

	got := h.seen(InboxKey)
	if len(got) != 20 {
		t.Fatalf("got %d calls", len(got))
	}
	for i, text := range got {
		if text != fmt.Sprint(i) {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func TestActor_DifferentKeysRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	h := HandlerFunc(func(_ context.Context, ev Event, st *State) (Effects, error) {
		started <- st.Key
		<-release
		return Effects{}, nil
	})
	reg := newTestRegistry(t, newMemStore(), h)

	a, _ := reg.Dispatch(Event{ID: "1", EntityKey: ProjectKey("a")})
	b, _ := reg.Dispatch(Event{ID: "2", EntityKey: ProjectKey("b")})
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("entities did not run in parallel")
		}
	}
	close(release)
	<-a
	<-b
}

func TestActor_PanicIsDegradedNotFatal(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, ev Event, _ *State) (Effects, error) {
		calls.Add(1)
		if ev.Text == "boom" {
			panic("exploded")
		}
		return Effects{}, nil
	})
	var fellBack atomic.Int32
	b := bus.New()
	sub := b.Subscribe(bus.TopicActorDegraded)
	defer b.Unsubscribe(sub)

	reg := newTestRegistry(t, newMemStore(), h,
		WithBus(b),
		WithFallback(func(context.Context, Event, error) { fellBack.Add(1) }),
	)

	eff, err := reg.Handle(context.Background(), Event{ID: "x1", EntityKey: InboxKey, Text: "boom"})
	if err == nil || !eff.Degraded {
		t.Fatalf("expected degraded error, got %+v %v", eff, err)
	}
	if fellBack.Load() != 1 {
		t.Fatalf("fallback calls = %d", fellBack.Load())
	}
	select {
	case e := <-sub.Ch():
		if e.Topic != bus.TopicActorDegraded {
			t.Fatalf("topic = %s", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no degraded event")
	}

	// The mailbox survives and the failed event still counts as processed.
	if _, err := reg.Handle(context.Background(), Event{ID: "x2", EntityKey: InboxKey, Text: "fine"}); err != nil {
		t.Fatalf("next event: %v", err)
	}
	again, _ := reg.Handle(context.Background(), Event{ID: "x1", EntityKey: InboxKey, Text: "boom"})
	if !again.Duplicate {
		t.Fatal("redelivered failed event should be a duplicate")
	}
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d", calls.Load())
	}
}

func TestActor_SessionPersistsAcrossEvents(t *testing.T) {
	type counter struct{ N int }
	h := HandlerFunc(func(_ context.Context, _ Event, st *State) (Effects, error) {
		var c counter
		if _, err := st.LoadSession(&c); err != nil {
			return Effects{}, err
		}
		c.N++
		return Effects{}, st.StoreSession(c)
	})
	store := newMemStore()
	reg := newTestRegistry(t, store, h)
	for i := 0; i < 3; i++ {
		if _, err := reg.Handle(context.Background(), Event{ID: fmt.Sprint(i), EntityKey: RitualKey("weekly")}); err != nil {
			t.Fatal(err)
		}
	}
	rec, ok, _ := store.LoadEntity(context.Background(), RitualKey("weekly"))
	if !ok || string(rec.Session) != `{"N":3}` {
		t.Fatalf("session = %s", rec.Session)
	}
}

func TestActor_DedupStoreFailureStillProcesses(t *testing.T) {
	store := newMemStore()
	store.markErr = errors.New("disk full")
	h := &recorder{}
	reg := newTestRegistry(t, store, h)

	ev := Event{ID: "E1", EntityKey: InboxKey, Text: "a"}
	if _, err := reg.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	eff, _ := reg.Handle(context.Background(), ev)
	if !eff.Duplicate {
		t.Fatal("in-memory window should still catch the redelivery")
	}
	if len(h.seen(InboxKey)) != 1 {
		t.Fatal("handler ran twice")
	}
}

func TestActor_WindowExpiresByTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	store := newMemStore()
	h := &recorder{}
	reg := newTestRegistry(t, store, h, WithClock(clock), WithDedup(10, time.Hour))

	if _, err := reg.Handle(context.Background(), Event{ID: "old", EntityKey: InboxKey}); err != nil {
		t.Fatal(err)
	}
	a, _ := reg.Get(InboxKey)
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	if _, err := reg.Handle(context.Background(), Event{ID: "new", EntityKey: InboxKey}); err != nil {
		t.Fatal(err)
	}
	if w := a.Snapshot().Window; w != 1 {
		t.Fatalf("window = %d, want 1 after expiry", w)
	}
}

func TestActor_EmptyEventIDSkipsDedup(t *testing.T) {
	h := &recorder{}
	reg := newTestRegistry(t, newMemStore(), h)
	for i := 0; i < 2; i++ {
		if _, err := reg.Handle(context.Background(), Event{EntityKey: InboxKey, Text: "tick"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(h.seen(InboxKey)) != 2 {
		t.Fatal("events without an id must not be deduplicated")
	}
}

func TestActor_RestartSurvivesWithSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.db")
	ctx := context.Background()

	run := func(ev Event) Effects {
		store, err := persistence.Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer store.Close()
		h := HandlerFunc(func(_ context.Context, ev Event, st *State) (Effects, error) {
			return Effects{Replies: []string{ev.ID}}, st.StoreSession(map[string]string{"last": ev.ID})
		})
		reg := NewRegistry(ctx, store, KindResolver(map[string]Handler{EntityInbox: h}))
		defer func() {
			if err := reg.Drain(5 * time.Second); err != nil {
				t.Errorf("drain: %v", err)
			}
		}()
		eff, err := reg.Handle(ctx, ev)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		return eff
	}

	if eff := run(Event{ID: "Ev42", EntityKey: InboxKey}); eff.Duplicate {
		t.Fatal("first delivery flagged duplicate")
	}
	if eff := run(Event{ID: "Ev42", EntityKey: InboxKey}); !eff.Duplicate {
		t.Fatal("redelivery after restart was processed again")
	}

	store, err := persistence.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, ok, err := store.LoadEntity(ctx, InboxKey)
	if err != nil || !ok || string(rec.Session) != `{"last":"Ev42"}` {
		t.Fatalf("session = %s ok=%v err=%v", rec.Session, ok, err)
	}
}

func TestRegistry_UnknownKindAndClosed(t *testing.T) {
	reg := NewRegistry(context.Background(), newMemStore(), KindResolver(map[string]Handler{EntityInbox: &recorder{}}))
	if _, err := reg.Get(ResearchKey("x")); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("want ErrNoHandler, got %v", err)
	}
	if _, err := reg.Get(""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("want ErrEmptyKey, got %v", err)
	}
	if _, err := reg.Handle(context.Background(), Event{ID: "1", EntityKey: InboxKey}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Dispatch(Event{ID: "2", EntityKey: ProjectKey("new")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	res := <-mustGet(t, reg, InboxKey).Submit(Event{ID: "3"})
	if !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("submit after drain: %v", res.Err)
	}
	snaps := reg.Snapshot()
	if len(snaps) != 1 || snaps[0].Key != InboxKey || snaps[0].Processed != 1 {
		t.Fatalf("snapshot = %+v", snaps)
	}
}

func mustGet(t *testing.T, reg *Registry, key string) *Actor {
	t.Helper()
	a, err := reg.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestWindow_EvictsOldestBeyondSize(t *testing.T) {
	w := newWindow(3, 0)
	at := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		w.add(id, at)
	}
	if w.contains("a", at) {
		t.Fatal("a should have been evicted")
	}
	if !w.contains("d", at) || w.len() != 3 {
		t.Fatalf("window len = %d", w.len())
	}
}
