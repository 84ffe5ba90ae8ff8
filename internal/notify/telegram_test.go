package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-steward/internal/bus"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestMirrorsMilestones(t *testing.T) {
	b := bus.New()
	bot := &fakeBot{}
	n := New(bot, 42, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { n.Run(ctx); close(done) }()
	waitFor(t, time.Second, func() bool { return b.SubscriberCount() == 4 })

	b.Publish(bus.TopicRitualCommitted, bus.RitualCommittedEvent{
		RitualType: "weekly", SHA: "0123456789abcdef", TraceID: "abcdef12-3456", Files: []string{"plans/weekly/2026-W42.md"},
	})
	b.Publish(bus.TopicResearchDelivered, bus.ResearchDeliveredEvent{
		Query: "drip irrigation", Findings: 7, Quality: 0.82, SHA: "ff", LogPath: "research/2026-10-15-drip-irrigation.md",
	})
	b.Publish(bus.TopicStoreCommitted, bus.CommitEvent{})

	waitFor(t, time.Second, func() bool { return len(bot.texts()) == 2 })
	cancel()
	<-done

	texts := strings.Join(bot.texts(), "\n---\n")
	for _, want := range []string{
		"*Weekly ritual committed*",
		`plans/weekly/2026\-W42\.md`,
		"`0123456`",
		"*Research delivered:* drip irrigation",
		`7 sources, quality 0\.82`,
	} {
		if !strings.Contains(texts, want) {
			t.Errorf("missing %q in:\n%s", want, texts)
		}
	}
	if bot.sent[0].ParseMode != tgbotapi.ModeMarkdownV2 || bot.sent[0].ChatID != 42 {
		t.Fatalf("message config = %+v", bot.sent[0])
	}
}

func TestDegradedAlertsAreThrottled(t *testing.T) {
	n := New(&fakeBot{}, 1, nil, nil)
	clock := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	ev := bus.Event{Topic: bus.TopicActorDegraded, Payload: bus.DegradedEvent{EntityKey: "inbox", Stage: "llm", Error: "timeout"}}
	if n.format(ev) == "" {
		t.Fatal("first alert suppressed")
	}
	clock = clock.Add(5 * time.Minute)
	if n.format(ev) != "" {
		t.Fatal("repeat inside quiet period sent")
	}
	other := bus.Event{Topic: bus.TopicActorDegraded, Payload: bus.DegradedEvent{EntityKey: "project:garden"}}
	if n.format(other) == "" {
		t.Fatal("other entity suppressed")
	}
	clock = clock.Add(6 * time.Minute)
	if n.format(ev) == "" {
		t.Fatal("alert after quiet period suppressed")
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"a_b*c", `a\_b\*c`},
		{"v1.2 (beta)!", `v1\.2 \(beta\)\!`},
		{"café-au-lait", `café\-au\-lait`},
	}
	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.in); got != tt.want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
