package tui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"

	"github.com/basket/go-steward/internal/actor"
)

var at = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

type fakeSource struct {
	list   []actor.Snapshot
	err    error
	events chan StreamEvent
}

func (f *fakeSource) Entities(context.Context) ([]actor.Snapshot, error) { return f.list, f.err }
func (f *fakeSource) Events(context.Context) (<-chan StreamEvent, error) { return f.events, nil }

func TestModel_EntitiesSortedAndRendered(t *testing.T) {
	src := &fakeSource{list: []actor.Snapshot{
		{Key: "ritual:weekly-2026-10-11", QueueDepth: 2, Busy: true, Processed: 7, HasSession: true, LastActivity: at.Add(-90 * time.Second)},
		{Key: "inbox", Processed: 3},
	}}
	m := newModel(context.Background(), src)
	m.now = func() time.Time { return at }

	updated, _ := m.Update(m.fetchEntities())
	m = updated.(model)
	if diff := cmp.Diff([]string{"inbox", "ritual:weekly-2026-10-11"}, []string{m.entities[0].Key, m.entities[1].Key}); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}

	view := m.View()
	for _, want := range []string{"inbox", "ritual:weekly-2026-10-11", "1m30s ago", "stream offline"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_FetchErrorKeepsLastTable(t *testing.T) {
	m := newModel(context.Background(), &fakeSource{})
	m.entities = []actor.Snapshot{{Key: "inbox"}}

	updated, _ := m.Update(entitiesMsg{err: errors.New("entities: HTTP 401")})
	m = updated.(model)
	if len(m.entities) != 1 || !strings.Contains(m.View(), "HTTP 401") {
		t.Fatalf("view after error:\n%s", m.View())
	}
}

func TestModel_StreamFeed(t *testing.T) {
	src := &fakeSource{events: make(chan StreamEvent, 1)}
	m := newModel(context.Background(), src)

	updated, cmd := m.Update(m.openStream())
	m = updated.(model)
	if !m.live || cmd == nil {
		t.Fatal("stream not marked live")
	}

	src.events <- StreamEvent{Topic: "ritual.phase", At: at, Payload: json.RawMessage(`{"entity_key":"ritual:weekly-2026-10-11"}`)}
	updated, _ = m.Update(cmd())
	m = updated.(model)
	if len(m.feed) != 1 || !strings.HasSuffix(m.feed[0], "ritual.phase ritual:weekly-2026-10-11") {
		t.Fatalf("feed = %q", m.feed)
	}

	close(src.events)
	updated, _ = m.Update(waitEvent(m.events)())
	m = updated.(model)
	if m.live {
		t.Fatal("closed stream still live")
	}
}

func TestModel_FeedBounded(t *testing.T) {
	m := newModel(context.Background(), &fakeSource{})
	m.events = make(chan StreamEvent)
	for i := 0; i < feedSize+5; i++ {
		updated, _ := m.Update(eventMsg{Topic: "actor.step", At: at})
		m = updated.(model)
	}
	if len(m.feed) != feedSize {
		t.Fatalf("feed len = %d, want %d", len(m.feed), feedSize)
	}
}

func TestModel_Quit(t *testing.T) {
	m := newModel(context.Background(), &fakeSource{})
	if m.Init() == nil {
		t.Fatal("expected Init to return a cmd")
	}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/entities":
			_ = json.NewEncoder(w).Encode(map[string]any{"entities": []actor.Snapshot{{Key: "inbox", Processed: 4}}})
		case "/ws":
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			_ = wsjson.Write(r.Context(), conn, map[string]any{
				"topic": "store.committed", "at": at, "payload": map[string]string{"entity_key": "inbox"},
			})
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src := HTTPSource{Base: srv.URL, Token: "op-token"}

	list, err := src.Entities(ctx)
	if err != nil || len(list) != 1 || list[0].Processed != 4 {
		t.Fatalf("entities = %+v, %v", list, err)
	}

	ch, err := src.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	ev, ok := <-ch
	if !ok || ev.Topic != "store.committed" || feedLine(ev)[9:] != "store.committed inbox" {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := (HTTPSource{Base: srv.URL}).Entities(ctx); err == nil {
		t.Fatal("missing token accepted")
	}
}
