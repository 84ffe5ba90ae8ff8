package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/chat"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/contentstore"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

// ThreadBinder routes replies in an acknowledgement thread back to the
// research entity.
type ThreadBinder interface {
	BindThread(ctx context.Context, channelID, threadTS, entityKey string) error
}

// Handler owns one research thread per entity key.
type Handler struct {
	Pipeline *Pipeline
	Chat     chat.Client
	Store    *contentstore.Writer
	Threads  ThreadBinder
	Layout   config.LayoutConfig
	// ProjectFor maps a channel to its project slug, or "".
	ProjectFor func(channelID string) string
	BotUserID  string
	Location   *time.Location
	Now        func() time.Time
	Bus        *bus.Bus
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

func (h *Handler) now() time.Time {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

func (h *Handler) log(ctx context.Context) *slog.Logger {
	return telemetry.FromContext(ctx, h.Logger)
}

func (h *Handler) scope(channelID string) string {
	if h.ProjectFor == nil {
		return ""
	}
	return h.ProjectFor(channelID)
}

// Handle implements actor.Handler.
func (h *Handler) Handle(ctx context.Context, ev actor.Event, st *actor.State) (actor.Effects, error) {
	var t Thread
	active, err := st.LoadSession(&t)
	if err != nil {
		h.log(ctx).Warn("discarding unreadable research thread", "error", err)
		st.ClearSession()
		active = false
	}
	if !active {
		return h.start(ctx, ev, st)
	}
	switch ev.Kind {
	case actor.KindMessage:
		return h.followUp(ctx, ev, st, &t)
	case actor.KindCommand:
		eff := h.reply(ctx, &t, "This thread is already researching that. Ask follow-up questions here, or start a new /research elsewhere.")
		return eff, nil
	}
	h.log(ctx).Info("research event ignored", "kind", string(ev.Kind))
	return actor.Effects{}, nil
}

func (h *Handler) start(ctx context.Context, ev actor.Event, st *actor.State) (actor.Effects, error) {
	query := strings.TrimSpace(ev.Text)
	now := h.now()
	t := &Thread{
		Query:     query,
		Scope:     h.scope(ev.ChannelID),
		Status:    StatusRunning,
		Channel:   ev.ChannelID,
		StartedAt: now,
	}

	switch ev.Kind {
	case actor.KindCommand:
		if query == "" {
			_, err := h.Chat.PostMessage(ctx, chat.Message{Channel: ev.ChannelID, Text: "Usage: /research <question>"})
			if err != nil {
				h.log(ctx).Error("post research usage failed", "error", err)
				return actor.Effects{Degraded: true}, nil
			}
			return actor.Effects{}, nil
		}
		ack := fmt.Sprintf("Researching: *%s*\nI'll reply in this thread.", oneLine(query))
		ts, err := h.Chat.PostMessage(ctx, chat.Message{Channel: ev.ChannelID, Text: chat.WithTraceFooter(ack, shared.TraceID(ctx))})
		if err != nil {
			h.log(ctx).Error("post research ack failed", "error", err)
			return actor.Effects{Degraded: true}, nil
		}
		if h.Threads != nil {
			if err := h.Threads.BindThread(ctx, ev.ChannelID, ts, st.Key); err != nil {
				h.log(ctx).Error("bind research thread failed", "error", err)
			}
		}
		t.ThreadTS = ts
		eff := actor.Effects{Replies: []string{ts}}
		eff.Add(h.run(ctx, ev, st, t, Request{Query: query}))
		return eff, nil

	case actor.KindMessage:
		if query == "" {
			return actor.Effects{}, nil
		}
		t.ThreadTS = ev.ReplyThread()
		return h.run(ctx, ev, st, t, Request{Query: query}), nil
	}
	h.log(ctx).Info("research event without a thread ignored", "kind", string(ev.Kind))
	return actor.Effects{}, nil
}

// followUp re-runs the pipeline in an existing thread. Earlier findings
// seed the run and the thread as posted so far is the transcript.
func (h *Handler) followUp(ctx context.Context, ev actor.Event, st *actor.State, t *Thread) (actor.Effects, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return actor.Effects{}, nil
	}
	t.Status = StatusRunning
	return h.run(ctx, ev, st, t, Request{
		Query:      t.Query,
		FollowUp:   text,
		Transcript: h.transcript(ctx, t),
		Prior:      t.Findings,
	}), nil
}

func (h *Handler) transcript(ctx context.Context, t *Thread) string {
	replies, err := h.Chat.FetchThreadReplies(ctx, t.Channel, t.ThreadTS)
	if err != nil {
		h.log(ctx).Warn("fetch research thread failed, using stored messages", "error", err)
		var b strings.Builder
		for _, m := range t.Messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, oneLine(m.Text))
		}
		return b.String()
	}
	var b strings.Builder
	for _, r := range replies {
		role := "user"
		if r.BotID != "" || (h.BotUserID != "" && r.User == h.BotUserID) {
			role = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, oneLine(r.Text))
	}
	return b.String()
}

// run executes the pipeline, delivers the brief and persists it. The log
// and the spread update land in one commit; the stream line is appended
// separately.
func (h *Handler) run(ctx context.Context, ev actor.Event, st *actor.State, t *Thread, req Request) actor.Effects {
	ctx, span := otel.StartSpan(ctx, h.Tracer, "research.deliver", otel.AttrEntityKey.String(st.Key))
	defer otel.EndSpan(span, nil)
	log := h.log(ctx)
	now := h.now()

	asked := req.Query
	if req.FollowUp != "" {
		asked = req.FollowUp
	}
	t.Messages = append(t.Messages, Message{Role: "user", Text: asked, At: now})

	if t.LogPath == "" {
		t.LogPath = LogPath(h.Layout, t.StartedAt, t.Query)
	}
	spreadPath := ""
	if t.Scope != "" {
		spreadPath = SpreadPath(h.Layout, t.Scope)
	}
	paths := []string{h.Layout.ContextPackPath}
	if spreadPath != "" {
		paths = append(paths, spreadPath)
	}
	docs, err := h.Store.ReadFiles(ctx, paths...)
	if err != nil {
		log.Warn("read research context failed", "error", err)
		docs = map[string]string{}
	}
	req.EntityKey = st.Key
	req.Context = researchContext(docs[h.Layout.ContextPackPath], docs[spreadPath], t.Scope)

	out := h.Pipeline.Run(ctx, req)
	t.Findings = out.Findings
	syn := out.Synthesis
	t.Synthesis = &syn
	t.Runs++
	t.Messages = append(t.Messages, Message{Role: "assistant", Text: syn.Summary, At: h.now()})

	eff := h.reply(ctx, t, formatReply(t.Query, out))
	if out.Degraded() {
		eff.Degraded = true
	}

	traceID := shared.TraceID(ctx)
	intents := []contentstore.Intent{{
		Path:      t.LogPath,
		Operation: contentstore.OpWriteFile,
		Content:   renderLog(t, out, now, traceID),
	}}
	if spreadPath != "" {
		line := spreadLine(spreadPath, t.LogPath, t.Query, t.StartedAt)
		if !strings.Contains(docs[spreadPath], relLink(spreadPath, t.LogPath)) {
			intents = append(intents, contentstore.Intent{
				Path: spreadPath, Operation: contentstore.OpAppendToSection, Heading: "## Research", Content: line,
			})
		}
	}
	label := t.Scope
	if label == "" {
		label = Slug(t.Query)
	}
	res, err := h.Store.Apply(ctx, intents, fmt.Sprintf("research(%s): %s", label, oneLine(t.Query)))
	if err != nil {
		log.Error("research commit failed", "error", err)
		eff.Degraded = true
		eff.Add(h.reply(ctx, t, "I couldn't save this research log just now. The answer above is still in this thread."))
	} else if res.Changed() {
		eff.Commits = append(eff.Commits, res.SHA)
	}

	// The stream entry is an independent append-only record.
	if err == nil && t.Runs == 1 {
		sp := StreamPath(h.Layout, now)
		sres, serr := h.Store.AppendToSection(ctx, sp, "## "+now.Format("2006-01-02"),
			streamLine(sp, t.LogPath, t.Query, t.Scope, now), "stream: research "+Slug(t.Query))
		if serr != nil {
			log.Warn("research stream append failed", "error", serr)
		} else if sres.Changed() {
			eff.Commits = append(eff.Commits, sres.SHA)
		}
	}

	t.Status = StatusDelivered
	if eff.Degraded {
		t.Status = StatusDegraded
	}
	if serr := st.StoreSession(t); serr != nil {
		log.Error("store research thread failed", "error", serr)
	}

	quality := 0.0
	if out.Quality != nil {
		quality = out.Quality.Score
	}
	h.Bus.Publish(bus.TopicResearchDelivered, bus.ResearchDeliveredEvent{
		EntityKey: st.Key, Query: t.Query, TraceID: traceID, SHA: res.SHA, LogPath: t.LogPath,
		Findings: len(out.Findings), Quality: quality,
	})
	log.Info("research delivered", "log_path", t.LogPath, "findings", len(out.Findings),
		"rounds", out.SearchRounds, "runs", t.Runs, "degraded", eff.Degraded)

	switch {
	case eff.Degraded:
		h.react(ctx, ev, chat.ReactionDegraded)
	case len(eff.Commits) > 0:
		h.react(ctx, ev, chat.ReactionCommitted)
	}
	return eff
}

func researchContext(pack, spread, scope string) string {
	var b strings.Builder
	if s := strings.TrimSpace(spread); s != "" {
		fmt.Fprintf(&b, "Project %s:\n%s\n\n", scope, snippet(s, 3000))
	}
	if p := strings.TrimSpace(pack); p != "" {
		fmt.Fprintf(&b, "About the user:\n%s\n", snippet(p, 3000))
	}
	return b.String()
}

func (h *Handler) reply(ctx context.Context, t *Thread, text string) actor.Effects {
	ts, err := h.Chat.PostMessage(ctx, chat.Message{
		Channel:  t.Channel,
		Text:     chat.WithTraceFooter(text, shared.TraceID(ctx)),
		ThreadTS: t.ThreadTS,
	})
	if err != nil {
		h.log(ctx).Error("post research reply failed", "error", err)
		return actor.Effects{Degraded: true}
	}
	return actor.Effects{Replies: []string{ts}}
}

func (h *Handler) react(ctx context.Context, ev actor.Event, name string) {
	if ev.MessageTS == "" {
		return
	}
	if err := h.Chat.AddReaction(ctx, chat.Reaction{Channel: ev.ChannelID, TS: ev.MessageTS, Name: name}); err != nil {
		h.log(ctx).Warn("add reaction failed", "reaction", name, "error", err)
	}
}
