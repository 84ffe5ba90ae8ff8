package ritual

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
	"github.com/basket/go-steward/internal/llm"
	"github.com/basket/go-steward/internal/markdown"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

var phaseSchema = llm.MustSchema("ritual_phase", phaseSchemaJSON)

// Interactive action ids.
const (
	ActionCommit  = "ritual_commit"
	ActionSkip    = "ritual_skip"
	ActionAbandon = "ritual_abandon"
)

// ThreadBinder routes replies in a kickoff thread back to the ritual.
type ThreadBinder interface {
	BindThread(ctx context.Context, channelID, threadTS, entityKey string) error
}

type phaseResult struct {
	Response       string   `json:"response"`
	Captured       Captured `json:"captured"`
	ReadyToAdvance bool     `json:"ready_to_advance"`
}

// Handler drives one ritual thread per entity key.
type Handler struct {
	LLM      llm.Client
	Chat     chat.Client
	Store    *contentstore.Writer
	Threads  ThreadBinder
	Layout   config.LayoutConfig
	Triggers Triggers
	Location *time.Location
	Now      func() time.Time
	Bus      *bus.Bus
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// EntityKey is the key for a scheduled or commanded ritual: one per type
// per day, so a cron kickoff and a manual one on the same day converge.
func EntityKey(t Type, day time.Time) string {
	return actor.RitualKey(string(t) + "-" + day.Format("2006-01-02"))
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

// Handle implements actor.Handler.
func (h *Handler) Handle(ctx context.Context, ev actor.Event, st *actor.State) (actor.Effects, error) {
	var s Session
	active, err := st.LoadSession(&s)
	if err != nil {
		h.log(ctx).Warn("discarding unreadable ritual session", "error", err)
		st.ClearSession()
		active = false
	}
	if !active {
		return h.start(ctx, ev, st)
	}

	ctx, span := otel.StartSpan(ctx, h.Tracer, "ritual.step",
		otel.AttrEntityKey.String(st.Key),
		otel.AttrPhase.String(string(s.Phase)),
	)
	eff, err := h.step(ctx, ev, st, &s)
	otel.EndSpan(span, err)
	return eff, err
}

// start opens a session. Commands and schedules post a kickoff prompt; a
// plain message opens the session and is handled as the first reflect turn.
func (h *Handler) start(ctx context.Context, ev actor.Event, st *actor.State) (actor.Effects, error) {
	now := h.now()
	switch ev.Kind {
	case actor.KindCommand, actor.KindSchedule:
		t := ParseType(ev.Text)
		kickoff := kickoffMessage(t)
		ts, err := h.Chat.PostMessage(ctx, chat.Message{Channel: ev.ChannelID, Text: chat.WithTraceFooter(kickoff, shared.TraceID(ctx))})
		if err != nil {
			h.log(ctx).Error("post ritual kickoff failed", "error", err)
			return actor.Effects{Degraded: true}, nil
		}
		if h.Threads != nil {
			if err := h.Threads.BindThread(ctx, ev.ChannelID, ts, st.Key); err != nil {
				h.log(ctx).Error("bind ritual thread failed", "error", err)
			}
		}
		s := newSession(t, ev.ChannelID, ts, now)
		s.record("assistant", kickoff, now)
		if err := st.StoreSession(s); err != nil {
			return actor.Effects{Replies: []string{ts}}, err
		}
		h.publishPhase(st.Key, s.Type, "", PhaseReflect, SignalNone)
		h.log(ctx).Info("ritual started", "ritual_type", string(t), "thread_ts", ts)
		return actor.Effects{Replies: []string{ts}}, nil

	case actor.KindInteractive:
		h.log(ctx).Info("ritual action without a session ignored", "action", ev.Command)
		return actor.Effects{}, nil

	default:
		s := newSession(ParseType(ev.Text), ev.ChannelID, ev.ReplyThread(), now)
		h.publishPhase(st.Key, s.Type, "", PhaseReflect, SignalNone)
		h.log(ctx).Info("ritual started from message", "ritual_type", string(s.Type))
		return h.step(ctx, ev, st, s)
	}
}

func (h *Handler) signal(ev actor.Event, phase Phase) Signal {
	if ev.Kind == actor.KindInteractive {
		switch ev.Command {
		case ActionCommit:
			if phase == PhaseSort || phase == PhasePlan {
				return SignalCommit
			}
			return SignalNone
		case ActionSkip:
			return SignalSkip
		case ActionAbandon:
			return SignalAbandon
		}
		return SignalNone
	}
	return h.Triggers.Detect(ev.Text, phase)
}

func (h *Handler) step(ctx context.Context, ev actor.Event, st *actor.State, s *Session) (actor.Effects, error) {
	if ev.Kind == actor.KindCommand || ev.Kind == actor.KindSchedule {
		eff := h.reply(ctx, s, fmt.Sprintf("Your %s review is already in progress in this thread (phase: %s).", s.Type, s.Phase))
		return eff, st.StoreSession(s)
	}

	sig := h.signal(ev, s.Phase)
	if ev.Kind == actor.KindInteractive && sig == SignalNone {
		eff := h.reply(ctx, s, "Let's finish reflecting before committing. Say \"skip\" to move on.")
		return eff, st.StoreSession(s)
	}

	switch sig {
	case SignalAbandon:
		return h.abandon(ctx, ev, st, s)
	case SignalCommit:
		return h.commit(ctx, ev, st, s)
	case SignalSkip:
		return h.skip(ctx, ev, st, s)
	}
	return h.process(ctx, ev, st, s)
}

func (h *Handler) abandon(ctx context.Context, ev actor.Event, st *actor.State, s *Session) (actor.Effects, error) {
	st.ClearSession()
	h.Bus.Publish(bus.TopicRitualAbandoned, bus.RitualPhaseEvent{
		EntityKey: st.Key, RitualType: string(s.Type), From: string(s.Phase), To: "abandoned", Signal: string(SignalAbandon),
	})
	h.log(ctx).Info("ritual abandoned", "phase", string(s.Phase), "turns", len(s.Messages))
	return h.reply(ctx, s, "Review abandoned. Nothing was saved."), nil
}

func (h *Handler) skip(ctx context.Context, ev actor.Event, st *actor.State, s *Session) (actor.Effects, error) {
	now := h.now()
	if strings.TrimSpace(ev.Text) != "" {
		s.record("user", ev.Text, now)
	}
	from := s.Phase
	msg := skipMessage(from)
	s.record("assistant", msg, now)
	s.Phase = from.Next()
	if s.Phase != from {
		h.publishPhase(st.Key, s.Type, from, s.Phase, SignalSkip)
	}
	eff := h.reply(ctx, s, msg)
	return eff, st.StoreSession(s)
}

// process runs one LLM phase turn. A structured answer merges its captured
// fields; anything else is used verbatim as the reply.
func (h *Handler) process(ctx context.Context, ev actor.Event, st *actor.State, s *Session) (actor.Effects, error) {
	log := h.log(ctx)
	id := h.identity(ctx)
	system := systemPrompt(s.Type, s.Phase)
	user := userPrompt(id, s, ev.Text)

	now := h.now()
	s.record("user", ev.Text, now)

	text, err := h.LLM.Complete(ctx, system, user)
	if err != nil {
		log.Error("ritual phase call failed", "phase", string(s.Phase), "error", err, "error_class", string(llm.ClassifyError(err)))
		eff := h.reply(ctx, s, "Sorry, I couldn't process that just now. Your message is saved in this review; send it again or say \"skip\" to move on.")
		eff.Degraded = true
		h.react(ctx, ev, chat.ReactionDegraded)
		return eff, st.StoreSession(s)
	}

	reply := strings.TrimSpace(text)
	var res phaseResult
	if derr := phaseSchema.Decode(text, &res); derr == nil {
		s.merge(res.Captured)
		reply = strings.TrimSpace(res.Response)
		if reply == "" {
			reply = "Noted."
		}
	} else {
		log.Debug("unstructured phase reply", "phase", string(s.Phase), "reason", derr.Error())
	}
	s.LastPlanText = reply
	s.record("assistant", reply, now)

	from := s.Phase
	s.Phase = from.Next()
	if s.Phase != from {
		h.publishPhase(st.Key, s.Type, from, s.Phase, SignalNone)
	}
	eff := h.reply(ctx, s, reply)
	return eff, st.StoreSession(s)
}

func (h *Handler) commit(ctx context.Context, ev actor.Event, st *actor.State, s *Session) (actor.Effects, error) {
	log := h.log(ctx)
	now := h.now()
	if ev.Kind == actor.KindMessage && strings.TrimSpace(ev.Text) != "" {
		s.record("user", ev.Text, now)
	}

	l := h.Layout
	docs, err := h.Store.ReadFiles(ctx, l.OpenLoopsPath, l.CalendarPath, l.PlanIndexPath)
	if err != nil {
		log.Warn("read ritual commit context failed", "error", err)
		docs = map[string]string{}
	}
	plan := deriveCommit(commitInput{
		Session:   s,
		Now:       now,
		TraceID:   shared.TraceID(ctx),
		Layout:    l,
		OpenLoops: docs[l.OpenLoopsPath],
		Calendar:  docs[l.CalendarPath],
		Index:     docs[l.PlanIndexPath],
	})

	res, err := h.Store.Apply(ctx, plan.Intents, plan.Message)
	if err != nil {
		log.Error("ritual commit failed", "error", err)
		eff := h.reply(ctx, s, "I couldn't save the plan just now, so nothing was written. Say \"commit\" again to retry.")
		eff.Degraded = true
		h.react(ctx, ev, chat.ReactionDegraded)
		return eff, st.StoreSession(s)
	}
	for _, sk := range res.Skipped {
		log.Warn("ritual intent skipped", "path", sk.Intent.Path, "reason", sk.Reason)
	}

	var eff actor.Effects
	if res.Changed() {
		eff.Commits = append(eff.Commits, res.SHA)
	}
	st.ClearSession()
	h.Bus.Publish(bus.TopicRitualCommitted, bus.RitualCommittedEvent{
		EntityKey: st.Key, RitualType: string(s.Type), TraceID: shared.TraceID(ctx), SHA: res.SHA, Files: res.Files,
	})
	log.Info("ritual committed", "ritual_type", string(s.Type), "sha", res.SHA, "files", res.Files)

	var b strings.Builder
	fmt.Fprintf(&b, "Committed your %s plan to `%s`.", s.Type, plan.PlanPath)
	if plan.Week1Path != "" {
		fmt.Fprintf(&b, "\nWeek 1 plan: `%s`.", plan.Week1Path)
	}
	fmt.Fprintf(&b, "\nTranscript: `%s`.", plan.LogPath)
	eff.Add(h.reply(ctx, s, b.String()))
	h.react(ctx, ev, chat.ReactionCommitted)
	return eff, nil
}

func (h *Handler) identity(ctx context.Context) identity {
	l := h.Layout
	docs, err := h.Store.ReadFiles(ctx, l.RolesPath, l.GoalsPath, l.OpenLoopsPath)
	if err != nil {
		h.log(ctx).Warn("read ritual identity failed", "error", err)
		return identity{}
	}
	return identity{
		Roles:     docs[l.RolesPath],
		Goals:     docs[l.GoalsPath],
		OpenLoops: markdown.OpenTasks(docs[l.OpenLoopsPath]),
	}
}

// reply posts in the session thread. Post failures are logged and marked
// degraded; they never undo state changes already made.
func (h *Handler) reply(ctx context.Context, s *Session, text string) actor.Effects {
	ts, err := h.Chat.PostMessage(ctx, chat.Message{
		Channel:  s.Channel,
		Text:     chat.WithTraceFooter(text, shared.TraceID(ctx)),
		ThreadTS: s.ThreadTS,
	})
	if err != nil {
		h.log(ctx).Error("post ritual reply failed", "error", err)
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

func (h *Handler) publishPhase(key string, t Type, from, to Phase, sig Signal) {
	h.Bus.Publish(bus.TopicRitualPhase, bus.RitualPhaseEvent{
		EntityKey: key, RitualType: string(t), From: string(from), To: string(to), Signal: string(sig),
	})
}
