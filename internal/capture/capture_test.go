package capture

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/chat"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/contentstore"
	"github.com/basket/go-steward/internal/llm"
	"github.com/basket/go-steward/internal/shared"
)

func testLayout() config.LayoutConfig {
	return config.LayoutConfig{
		InboxPath:     "inbox/inbox.md",
		OpenLoopsPath: "loops/open.md",
		ProjectsDir:   "projects",
	}
}

type fixture struct {
	h     *Handler
	mem   *contentstore.Memory
	chat  *chat.Recorder
	calls atomic.Int32
}

func newFixture(t *testing.T, answer string, answerErr error) *fixture {
	t.Helper()
	f := &fixture{mem: contentstore.NewMemory(), chat: chat.NewRecorder()}
	f.mem.Seed(map[string]string{
		"inbox/inbox.md":            "# Inbox\n\n## Captures\n",
		"projects/garden/spread.md": "# Garden\n\n## Tasks\n- [ ] water tomatoes\n",
	})
	f.h = &Handler{
		LLM: llm.Func(func(context.Context, string, string) (string, error) {
			f.calls.Add(1)
			return answer, answerErr
		}),
		Chat:   f.chat,
		Store:  contentstore.NewWriter(f.mem),
		Layout: testLayout(),
	}
	return f
}

func traced(ev actor.Event) context.Context {
	return shared.WithTraceID(context.Background(), shared.EventTraceID(ev.ID))
}

func TestHandle_WritesCommitOnceWithTrace(t *testing.T) {
	f := newFixture(t, "```json\n"+`{"reply":"Added to your inbox.","writes":[{"operation":"append_to_section","heading":"Captures","content":"- buy milk"}]}`+"\n```", nil)
	ev := actor.Event{ID: "Ev1", EntityKey: actor.InboxKey, ChannelID: "CINBOX", MessageTS: "100.1", Text: "buy milk"}

	eff, err := f.h.Handle(traced(ev), ev, &actor.State{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(eff.Commits) != 1 || len(eff.Replies) != 1 || eff.Degraded {
		t.Fatalf("effects = %+v", eff)
	}

	log := f.mem.Log()
	if len(log) != 2 {
		t.Fatalf("commits = %d", len(log))
	}
	trace := shared.EventTraceID("Ev1")
	if !strings.Contains(log[0].Message, "[trace:"+trace+"]") {
		t.Fatalf("commit message = %q", log[0].Message)
	}
	if got := f.mem.Files()["inbox/inbox.md"]; !strings.Contains(got, "- buy milk") {
		t.Fatalf("inbox = %q", got)
	}

	posts := f.chat.Posts()
	if len(posts) != 1 || posts[0].ThreadTS != "100.1" || !strings.Contains(posts[0].Text, shared.ShortTrace(trace)) {
		t.Fatalf("posts = %+v", posts)
	}
	reacts := f.chat.Reactions()
	if len(reacts) != 1 || reacts[0].Name != chat.ReactionCommitted {
		t.Fatalf("reactions = %+v", reacts)
	}
}

func TestHandle_ZeroWritesRepliesWithoutCommit(t *testing.T) {
	f := newFixture(t, `{"reply":"It's on Tuesday.","writes":[]}`, nil)
	before, _ := f.mem.Head(context.Background())
	ev := actor.Event{ID: "Ev2", EntityKey: actor.InboxKey, ChannelID: "CINBOX", MessageTS: "100.2", Text: "when is the dentist?"}

	eff, err := f.h.Handle(traced(ev), ev, &actor.State{})
	if err != nil {
		t.Fatal(err)
	}
	after, _ := f.mem.Head(context.Background())
	if before != after {
		t.Fatal("read-only turn moved the head")
	}
	if len(eff.Commits) != 0 || len(eff.Replies) != 1 {
		t.Fatalf("effects = %+v", eff)
	}
	if len(f.chat.Reactions()) != 0 {
		t.Fatal("no reaction expected without a commit")
	}
}

func TestHandle_ProjectDefaultsToSpread(t *testing.T) {
	f := newFixture(t, `{"reply":"Done.","writes":[{"operation":"mark_complete","item":"water tomatoes"},{"path":"../escape.md","operation":"write_file","content":"x"}]}`, nil)
	ev := actor.Event{ID: "Ev3", EntityKey: actor.ProjectKey("garden"), ChannelID: "CGARDEN", Text: "watered"}

	eff, err := f.h.Handle(traced(ev), ev, &actor.State{})
	if err != nil {
		t.Fatal(err)
	}
	if len(eff.Commits) != 1 {
		t.Fatalf("effects = %+v", eff)
	}
	if got := f.mem.Files()["projects/garden/spread.md"]; !strings.Contains(got, "- [x] water tomatoes") {
		t.Fatalf("spread = %q", got)
	}
	if _, ok := f.mem.Files()["../escape.md"]; ok {
		t.Fatal("invalid intent was applied")
	}
}

func TestHandle_LLMFailureApologizes(t *testing.T) {
	f := newFixture(t, "", errors.New("429 rate limit exceeded"))
	ev := actor.Event{ID: "Ev4", EntityKey: actor.InboxKey, ChannelID: "CINBOX", MessageTS: "100.4", Text: "hello"}

	eff, err := f.h.Handle(traced(ev), ev, &actor.State{})
	if err != nil {
		t.Fatalf("handler should absorb capability failures: %v", err)
	}
	if !eff.Degraded || len(eff.Replies) != 1 || len(eff.Commits) != 0 {
		t.Fatalf("effects = %+v", eff)
	}
	if !strings.HasPrefix(f.chat.Posts()[0].Text, "Sorry") {
		t.Fatalf("reply = %q", f.chat.Posts()[0].Text)
	}
	if r := f.chat.Reactions(); len(r) != 1 || r[0].Name != chat.ReactionDegraded {
		t.Fatalf("reactions = %+v", r)
	}
}

func TestHandle_ChatFailureDoesNotBlockCommit(t *testing.T) {
	f := newFixture(t, `{"reply":"ok","writes":[{"operation":"append_to_section","heading":"Captures","content":"- call mom"}]}`, nil)
	f.chat.PostErr = errors.New("slack down")
	ev := actor.Event{ID: "Ev5", EntityKey: actor.InboxKey, ChannelID: "CINBOX", Text: "call mom"}

	eff, _ := f.h.Handle(traced(ev), ev, &actor.State{})
	if len(eff.Commits) != 1 || !eff.Degraded {
		t.Fatalf("effects = %+v", eff)
	}
}

func TestHandle_UnstructuredAnswerDegrades(t *testing.T) {
	f := newFixture(t, "I think you should buy milk.", nil)
	ev := actor.Event{ID: "Ev6", EntityKey: actor.InboxKey, ChannelID: "CINBOX", Text: "milk?"}
	eff, _ := f.h.Handle(traced(ev), ev, &actor.State{})
	if !eff.Degraded || f.calls.Load() != 1 {
		t.Fatalf("effects = %+v calls=%d", eff, f.calls.Load())
	}
}
