package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/basket/go-steward/internal/actor"
)

// Class is what kind of callback a payload is.
type Class string

const (
	ClassVerification Class = "url_verification"
	ClassEvent        Class = "event"
	ClassCommand      Class = "command"
	ClassInteractive  Class = "interactive"
)

// Inbound is a classified payload before routing.
type Inbound struct {
	Class     Class
	Challenge string

	EventID   string
	EventType string
	Subtype   string
	ChannelID string
	ThreadTS  string
	TS        string
	Text      string
	UserID    string
	BotID     string
	// Command is the slash command, or the action id of an interactive
	// callback.
	Command   string
	TriggerID string
}

func (in Inbound) kind() actor.Kind {
	switch in.Class {
	case ClassCommand:
		return actor.KindCommand
	case ClassInteractive:
		return actor.KindInteractive
	}
	return actor.KindMessage
}

type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// parseEvents classifies a JSON events callback.
func parseEvents(body []byte) (Inbound, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch env.Type {
	case "url_verification":
		if env.Challenge == "" {
			return Inbound{}, fmt.Errorf("%w: empty challenge", ErrValidation)
		}
		return Inbound{Class: ClassVerification, Challenge: env.Challenge}, nil
	case "event_callback":
	default:
		return Inbound{}, fmt.Errorf("%w: unknown callback type %q", ErrValidation, env.Type)
	}
	if env.EventID == "" {
		return Inbound{}, fmt.Errorf("%w: missing event_id", ErrValidation)
	}
	e := env.Event
	return Inbound{
		Class:     ClassEvent,
		EventID:   env.EventID,
		EventType: e.Type,
		Subtype:   e.Subtype,
		ChannelID: e.Channel,
		ThreadTS:  e.ThreadTS,
		TS:        e.TS,
		Text:      e.Text,
		UserID:    e.User,
		BotID:     e.BotID,
	}, nil
}

// parseCommand classifies a form-encoded slash command.
func parseCommand(body []byte) (Inbound, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	in := Inbound{
		Class:     ClassCommand,
		Command:   strings.TrimSpace(form.Get("command")),
		Text:      strings.TrimSpace(form.Get("text")),
		ChannelID: form.Get("channel_id"),
		UserID:    form.Get("user_id"),
		TriggerID: form.Get("trigger_id"),
	}
	if in.Command == "" || in.ChannelID == "" {
		return Inbound{}, fmt.Errorf("%w: command and channel_id are required", ErrValidation)
	}
	return in, nil
}

type interactivePayload struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	User      struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Container struct {
		MessageTS string `json:"message_ts"`
		ThreadTS  string `json:"thread_ts"`
		ChannelID string `json:"channel_id"`
	} `json:"container"`
	Message struct {
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		ActionTS string `json:"action_ts"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// parseInteractive classifies a block action callback. Only the first
// action is used.
func parseInteractive(body []byte) (Inbound, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return Inbound{}, fmt.Errorf("%w: missing payload", ErrValidation)
	}
	var p interactivePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(p.Actions) == 0 {
		return Inbound{}, fmt.Errorf("%w: no actions", ErrValidation)
	}
	a := p.Actions[0]
	channel := p.Channel.ID
	if channel == "" {
		channel = p.Container.ChannelID
	}
	ts := p.Container.MessageTS
	if ts == "" {
		ts = p.Message.TS
	}
	thread := p.Container.ThreadTS
	if thread == "" {
		thread = p.Message.ThreadTS
	}
	if thread == "" {
		thread = ts
	}
	return Inbound{
		Class:     ClassInteractive,
		EventID:   "action:" + a.ActionID + ":" + a.ActionTS,
		Command:   a.ActionID,
		Text:      a.Value,
		ChannelID: channel,
		ThreadTS:  thread,
		UserID:    p.User.ID,
		TriggerID: p.TriggerID,
	}, nil
}

type webhookPayload struct {
	EventID   string `json:"event_id"`
	Kind      string `json:"kind"`
	ChannelID string `json:"channel_id"`
	ThreadKey string `json:"thread_key"`
	TS        string `json:"ts"`
	Text      string `json:"text"`
	ActorID   string `json:"actor_id"`
	Command   string `json:"command"`
}

// parseWebhook classifies the platform-neutral JSON form used by /webhook.
func parseWebhook(body []byte) (Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.ChannelID == "" {
		return Inbound{}, fmt.Errorf("%w: missing channel_id", ErrValidation)
	}
	in := Inbound{
		EventID:   p.EventID,
		EventType: "message",
		ChannelID: p.ChannelID,
		ThreadTS:  p.ThreadKey,
		TS:        p.TS,
		Text:      p.Text,
		UserID:    p.ActorID,
		Command:   p.Command,
	}
	switch actor.Kind(p.Kind) {
	case actor.KindCommand:
		in.Class = ClassCommand
		in.TriggerID = p.EventID
	case actor.KindInteractive:
		in.Class = ClassInteractive
	case actor.KindMessage, "":
		in.Class = ClassEvent
	default:
		return Inbound{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, p.Kind)
	}
	if in.EventID == "" {
		return Inbound{}, fmt.Errorf("%w: missing event_id", ErrValidation)
	}
	if in.Class != ClassEvent && in.Command == "" {
		return Inbound{}, fmt.Errorf("%w: %s needs a command", ErrValidation, in.Class)
	}
	return in, nil
}

// contentSubtypes are message subtypes that still carry user content.
var contentSubtypes = map[string]bool{
	"":                 true,
	"file_share":       true,
	"thread_broadcast": true,
}

// dropReason reports why an event should not reach an actor, or "".
func dropReason(in Inbound, botUserID string) string {
	if in.Class != ClassEvent {
		return ""
	}
	switch {
	// A mention in a routed channel also arrives as a message event with
	// its own event id; taking both would answer twice.
	case in.EventType == "app_mention":
		return "duplicate_mention"
	case in.EventType != "message":
		return "event_type:" + in.EventType
	case botUserID != "" && in.UserID == botUserID:
		return "own_message"
	case in.BotID != "":
		return "bot_message"
	case !contentSubtypes[in.Subtype]:
		return "subtype:" + in.Subtype
	case strings.TrimSpace(in.Text) == "":
		return "empty"
	}
	return ""
}
