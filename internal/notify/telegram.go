// Package notify mirrors ritual and research milestones to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/shared"
)

// degradedQuiet is how long repeat degraded alerts for one entity are held back.
const degradedQuiet = 10 * time.Minute

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards bus milestones to one chat. It never reads updates;
// the chat is a one-way mirror.
type Telegram struct {
	bot    Sender
	chatID int64
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastDegraded map[string]time.Time
}

// NewTelegram logs in with token.
func NewTelegram(token string, chatID int64, b *bus.Bus, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram notifier ready", "user", bot.Self.UserName)
	return New(bot, chatID, b, logger), nil
}

func New(bot Sender, chatID int64, b *bus.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		bot:          bot,
		chatID:       chatID,
		bus:          b,
		logger:       logger.With("component", "notify"),
		now:          time.Now,
		lastDegraded: map[string]time.Time{},
	}
}

// Run forwards events until ctx ends.
func (t *Telegram) Run(ctx context.Context) {
	if t.bus == nil {
		return
	}
	subs := []*bus.Subscription{
		t.bus.Subscribe(bus.TopicRitualCommitted),
		t.bus.Subscribe(bus.TopicRitualAbandoned),
		t.bus.Subscribe(bus.TopicResearchDelivered),
		t.bus.Subscribe(bus.TopicActorDegraded),
	}
	defer func() {
		for _, s := range subs {
			t.bus.Unsubscribe(s)
		}
	}()

	merged := make(chan bus.Event)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			if text := t.format(ev); text != "" {
				t.send(text)
			}
		}
	}
}

// format renders ev as MarkdownV2, or "" when it shouldn't be sent.
func (t *Telegram) format(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.RitualCommittedEvent:
		return fmt.Sprintf("✅ *%s ritual committed*\n%s\n`%s` · trace `%s`",
			escapeMarkdownV2(titleCase(p.RitualType)),
			escapeMarkdownV2(strings.Join(p.Files, ", ")),
			escapeMarkdownV2(shortSHA(p.SHA)),
			escapeMarkdownV2(shared.ShortTrace(p.TraceID)))
	case bus.RitualPhaseEvent:
		return fmt.Sprintf("🛑 *%s ritual abandoned* in %s",
			escapeMarkdownV2(titleCase(p.RitualType)),
			escapeMarkdownV2(p.From))
	case bus.ResearchDeliveredEvent:
		saved := "not saved"
		if p.SHA != "" {
			saved = "saved to " + p.LogPath
		}
		detail := fmt.Sprintf("%d sources, quality %.2f, %s", p.Findings, p.Quality, saved)
		return fmt.Sprintf("🔎 *Research delivered:* %s\n%s",
			escapeMarkdownV2(p.Query), escapeMarkdownV2(detail))
	case bus.DegradedEvent:
		if !t.allowDegraded(p.EntityKey) {
			return ""
		}
		return fmt.Sprintf("⚠️ *Degraded* `%s` at %s\n%s",
			escapeMarkdownV2(p.EntityKey),
			escapeMarkdownV2(p.Stage),
			escapeMarkdownV2(p.Error))
	}
	t.logger.Warn("unexpected payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
	return ""
}

func (t *Telegram) allowDegraded(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastDegraded[key]; ok && now.Sub(last) < degradedQuiet {
		return false
	}
	t.lastDegraded[key] = now
	return true
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "error", err)
	}
}

// escapeMarkdownV2 escapes the characters MarkdownV2 reserves:
// _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
