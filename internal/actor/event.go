// Package actor gives every conversational entity one serialized mailbox.
// Events for the same entity key run one at a time in arrival order, each
// event id produces side effects at most once, and the entity's session and
// dedup history survive restarts.
package actor

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Kind is how an event reached the router.
type Kind string

const (
	KindMessage     Kind = "message"
	KindCommand     Kind = "command"
	KindInteractive Kind = "interactive"
	KindSchedule    Kind = "schedule"
)

// Event is one routed inbound message.
type Event struct {
	ID         string    `json:"event_id"`
	TraceID    string    `json:"trace_id"`
	EntityKey  string    `json:"entity_key"`
	ChannelID  string    `json:"channel_id"`
	ThreadKey  string    `json:"thread_key,omitempty"`
	Text       string    `json:"text"`
	ActorID    string    `json:"actor_id"`
	ReceivedAt time.Time `json:"received_at"`

	Kind Kind `json:"kind"`
	// Command is the slash command name for KindCommand, or the action id
	// for KindInteractive.
	Command string `json:"command,omitempty"`
	// MessageTS is the platform timestamp of the triggering message, used
	// as the reaction target.
	MessageTS string `json:"message_ts,omitempty"`
}

// ReplyThread is where replies to ev belong: its thread, or the message
// itself when it starts one.
func (ev Event) ReplyThread() string {
	if ev.ThreadKey != "" {
		return ev.ThreadKey
	}
	return ev.MessageTS
}

// Effects is what one handled event produced.
type Effects struct {
	Replies   []string // ts of each posted reply
	Commits   []string // sha of each content store commit
	Degraded  bool
	Duplicate bool
}

// Add merges o into e.
func (e *Effects) Add(o Effects) {
	e.Replies = append(e.Replies, o.Replies...)
	e.Commits = append(e.Commits, o.Commits...)
	e.Degraded = e.Degraded || o.Degraded
}

// State is an entity's durable state as seen by its handler. Session is
// handler-owned JSON; nil means no session is active.
type State struct {
	Key          string
	Session      json.RawMessage
	LastActivity time.Time
}

// LoadSession decodes the active session into v. It reports false when no
// session is active.
func (s *State) LoadSession(v any) (bool, error) {
	if len(s.Session) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(s.Session, v); err != nil {
		return false, err
	}
	return true, nil
}

// StoreSession replaces the active session with v.
func (s *State) StoreSession(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Session = raw
	return nil
}

// ClearSession ends the active session.
func (s *State) ClearSession() { s.Session = nil }

// Handler runs one event for one entity. It may mutate st; the actor
// persists st after every call. A returned error is a capability failure
// the handler could not absorb: the event still counts as processed.
type Handler interface {
	Handle(ctx context.Context, ev Event, st *State) (Effects, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event, st *State) (Effects, error)

func (f HandlerFunc) Handle(ctx context.Context, ev Event, st *State) (Effects, error) {
	return f(ctx, ev, st)
}

// Entity key kinds.
const (
	EntityInbox    = "inbox"
	EntityProject  = "project"
	EntityRitual   = "ritual"
	EntityResearch = "research"
)

// InboxKey is the shared inbox singleton.
const InboxKey = EntityInbox

func ProjectKey(slug string) string { return EntityProject + ":" + slug }
func RitualKey(id string) string { return EntityRitual + ":" + id }
func ResearchKey(id string) string { return EntityResearch + ":" + id }

// EntityKind returns the kind prefix of key.
func EntityKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

// EntityID returns the part of key after the kind prefix.
func EntityID(key string) string {
	_, id, _ := strings.Cut(key, ":")
	return id
}
