package shared

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}
type entityKeyKey struct{}
type eventIDKey struct{}

// traceNamespace scopes v5 trace ids so they never collide with other
// uuid-derived identifiers.
var traceNamespace = uuid.MustParse("6f1c2a4e-9b0d-5c37-8e21-4d7a0f5b3c19")

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithEntityKey attaches the entity key being processed.
func WithEntityKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, entityKeyKey{}, key)
}

// EntityKey extracts the entity key from context. Returns "" if absent.
func EntityKey(ctx context.Context) string {
	if v, ok := ctx.Value(entityKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEventID attaches the upstream event id.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

// EventID extracts the upstream event id. Returns "" if absent.
func EventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EventTraceID derives a trace id from an upstream event id. The same
// event id always yields the same trace id, across processes and restarts.
func EventTraceID(eventID string) string {
	return uuid.NewSHA1(traceNamespace, []byte("event:"+eventID)).String()
}

// CommandTraceID derives a trace id for a slash-style invocation, which
// carries no upstream event id of its own.
func CommandTraceID(command, channelID, actorID, nonce string) string {
	h := sha256.New()
	for _, part := range []string{command, channelID, actorID, nonce} {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return uuid.NewSHA1(traceNamespace, []byte("command:"+sum)).String()
}

// ShortTrace returns the first eight characters of a trace id for display.
func ShortTrace(traceID string) string {
	if len(traceID) <= 8 {
		return traceID
	}
	return traceID[:8]
}

// NewTraceID generates a random trace_id for work without an upstream cause.
func NewTraceID() string {
	return uuid.NewString()
}
