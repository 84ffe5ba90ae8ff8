// Package chat talks to the chat platform: post, react, read a thread.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/go-steward/internal/shared"
)

// Message is an outbound post. ThreadTS empty means a top-level message.
type Message struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type Reaction struct {
	Channel string `json:"channel"`
	TS      string `json:"timestamp"`
	Name    string `json:"name"`
}

// Reply is one message in a thread, oldest first.
type Reply struct {
	TS    string `json:"ts"`
	User  string `json:"user"`
	BotID string `json:"bot_id,omitempty"`
	Text  string `json:"text"`
}

type Client interface {
	PostMessage(ctx context.Context, msg Message) (ts string, err error)
	AddReaction(ctx context.Context, r Reaction) error
	FetchThreadReplies(ctx context.Context, channel, ts string) ([]Reply, error)
}

// Recorder is an in-memory Client. It keeps every post and reaction and
// serves thread replies from what was posted plus anything seeded.
type Recorder struct {
	mu        sync.Mutex
	seq       int
	posts     []Message
	reactions []Reaction
	threads   map[string][]Reply
	PostErr   error
	ReactErr  error
}

func NewRecorder() *Recorder {
	return &Recorder{threads: map[string][]Reply{}}
}

func threadKey(channel, ts string) string { return channel + "/" + ts }

func (r *Recorder) PostMessage(_ context.Context, msg Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PostErr != nil {
		return "", r.PostErr
	}
	r.seq++
	ts := fmt.Sprintf("1700000000.%06d", r.seq)
	r.posts = append(r.posts, msg)
	root := msg.ThreadTS
	if root == "" {
		root = ts
	}
	k := threadKey(msg.Channel, root)
	r.threads[k] = append(r.threads[k], Reply{TS: ts, BotID: "steward", Text: msg.Text})
	return ts, nil
}

func (r *Recorder) AddReaction(_ context.Context, re Reaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ReactErr != nil {
		return r.ReactErr
	}
	r.reactions = append(r.reactions, re)
	return nil
}

func (r *Recorder) FetchThreadReplies(_ context.Context, channel, ts string) ([]Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reply(nil), r.threads[threadKey(channel, ts)]...), nil
}

// SeedThread adds user replies to a thread.
func (r *Recorder) SeedThread(channel, ts string, replies ...Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := threadKey(channel, ts)
	r.threads[k] = append(r.threads[k], replies...)
}

func (r *Recorder) Posts() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.posts...)
}

func (r *Recorder) Reactions() []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reaction(nil), r.reactions...)
}

// Reaction names used on triggering messages.
const (
	ReactionCommitted = "white_check_mark"
	ReactionDegraded  = "warning"
)

// WithTraceFooter appends the short trace id so a reply can be matched to
// the commit it caused.
func WithTraceFooter(text, traceID string) string {
	if traceID == "" || traceID == "-" {
		return text
	}
	return strings.TrimRight(text, "\n") + "\n\n_trace: " + shared.ShortTrace(traceID) + "_"
}
