// Package capture handles free-form turns in the inbox and project
// channels: one LLM call decides the reply and the file edits, and the edits
// land as one commit.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/chat"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/contentstore"
	"github.com/basket/go-steward/internal/llm"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

// turnSchema constrains what a capture turn may return.
var turnSchema = llm.MustSchema("capture_turn", `{
  "type": "object",
  "required": ["reply"],
  "properties": {
    "reply": {"type": "string"},
    "writes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["operation"],
        "properties": {
          "path": {"type": "string"},
          "operation": {"enum": ["append_to_section", "prepend_to_section", "replace_section", "mark_complete", "remove_item", "write_file"]},
          "heading": {"type": "string"},
          "content": {"type": "string"},
          "item": {"type": "string"}
        }
      }
    }
  }
}`)

// Turn is the decoded result of one capture call.
type Turn struct {
	Reply  string                `json:"reply"`
	Writes []contentstore.Intent `json:"writes"`
}

const apology = "Sorry, I couldn't process that just now. Your message was received; please try again in a minute."

type Handler struct {
	LLM    llm.Client
	Chat   chat.Client
	Store  *contentstore.Writer
	Layout config.LayoutConfig
	Logger *slog.Logger
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return telemetry.FromContext(ctx, h.Logger)
}

// spreadPath is the project's working document.
func (h *Handler) spreadPath(slug string) string {
	return path.Join(h.Layout.ProjectsDir, slug, "spread.md")
}

// defaultPath is where writes without a path go for this entity.
func (h *Handler) defaultPath(entityKey string) string {
	if actor.EntityKind(entityKey) == actor.EntityProject {
		return h.spreadPath(actor.EntityID(entityKey))
	}
	return h.Layout.InboxPath
}

// Handle implements actor.Handler.
func (h *Handler) Handle(ctx context.Context, ev actor.Event, _ *actor.State) (actor.Effects, error) {
	log := h.logger(ctx)
	target := h.defaultPath(ev.EntityKey)

	docs, err := h.Store.ReadFiles(ctx, target, h.Layout.OpenLoopsPath)
	if err != nil {
		log.Warn("read capture context failed", "error", err)
		docs = map[string]string{}
	}

	var turn Turn
	if err := turnSchema.Complete(ctx, h.LLM, systemPrompt(ev.EntityKey, target), userPrompt(ev, docs, target, h.Layout.OpenLoopsPath), &turn); err != nil {
		log.Error("capture turn failed", "error", err, "error_class", string(llm.ClassifyError(err)))
		return h.degraded(ctx, ev), nil
	}

	intents := h.normalize(ctx, ev.EntityKey, turn.Writes)
	var eff actor.Effects
	commitFailed := false
	if len(intents) > 0 {
		res, err := h.Store.Apply(ctx, intents, commitMessage(ev.EntityKey, intents))
		switch {
		case err != nil:
			log.Error("capture commit failed", "error", err)
			commitFailed = true
			eff.Degraded = true
		case res.Changed():
			eff.Commits = append(eff.Commits, res.SHA)
		}
		for _, s := range res.Skipped {
			log.Warn("write intent skipped", "path", s.Intent.Path, "operation", string(s.Intent.Operation), "reason", s.Reason)
		}
	}

	reply := strings.TrimSpace(turn.Reply)
	if reply == "" {
		reply = "Noted."
	}
	if commitFailed {
		reply += "\n\nI couldn't save the changes to your notes this time, so nothing was written."
	}
	ts, err := h.Chat.PostMessage(ctx, chat.Message{
		Channel:  ev.ChannelID,
		Text:     chat.WithTraceFooter(reply, shared.TraceID(ctx)),
		ThreadTS: ev.ReplyThread(),
	})
	if err != nil {
		log.Error("post capture reply failed", "error", err)
		eff.Degraded = true
	} else {
		eff.Replies = append(eff.Replies, ts)
	}

	h.react(ctx, ev, eff)
	return eff, nil
}

// normalize fills default paths and drops intents the writer would reject,
// so one bad suggestion cannot sink the rest of the batch.
func (h *Handler) normalize(ctx context.Context, entityKey string, writes []contentstore.Intent) []contentstore.Intent {
	out := make([]contentstore.Intent, 0, len(writes))
	for _, in := range writes {
		in.Path = strings.TrimSpace(in.Path)
		if in.Path == "" {
			in.Path = h.defaultPath(entityKey)
		}
		if err := in.Validate(); err != nil {
			h.logger(ctx).Warn("dropping invalid write intent", "error", err)
			continue
		}
		out = append(out, in)
	}
	return out
}

func (h *Handler) degraded(ctx context.Context, ev actor.Event) actor.Effects {
	eff := actor.Effects{Degraded: true}
	ts, err := h.Chat.PostMessage(ctx, chat.Message{
		Channel:  ev.ChannelID,
		Text:     chat.WithTraceFooter(apology, shared.TraceID(ctx)),
		ThreadTS: ev.ReplyThread(),
	})
	if err != nil {
		h.logger(ctx).Error("post apology failed", "error", err)
	} else {
		eff.Replies = append(eff.Replies, ts)
	}
	h.react(ctx, ev, eff)
	return eff
}

// react marks the triggering message: a check for a commit, a warning for
// a degraded step.
func (h *Handler) react(ctx context.Context, ev actor.Event, eff actor.Effects) {
	if ev.MessageTS == "" {
		return
	}
	name := ""
	switch {
	case eff.Degraded:
		name = chat.ReactionDegraded
	case len(eff.Commits) > 0:
		name = chat.ReactionCommitted
	default:
		return
	}
	if err := h.Chat.AddReaction(ctx, chat.Reaction{Channel: ev.ChannelID, TS: ev.MessageTS, Name: name}); err != nil {
		h.logger(ctx).Warn("add reaction failed", "reaction", name, "error", err)
	}
}

func commitMessage(entityKey string, intents []contentstore.Intent) string {
	seen := map[string]bool{}
	var paths []string
	for _, in := range intents {
		if !seen[in.Path] {
			seen[in.Path] = true
			paths = append(paths, in.Path)
		}
	}
	return fmt.Sprintf("capture(%s): update %s", entityKey, strings.Join(paths, ", "))
}
