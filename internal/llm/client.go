// Package llm wraps the completion provider behind a two-method contract:
// free text, and JSON recovered from free text.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when no provider credentials are configured.
var ErrUnavailable = errors.New("llm: no provider configured")

// Client completes one prompt. Implementations apply their own call timeout.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, system, user string) (string, error)

func (f Func) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// ParseError means the model answered but no JSON object could be recovered.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:117] + "..."
	}
	return fmt.Sprintf("llm: no JSON in response: %q", raw)
}

// ExtractJSON returns the JSON object carried by a model response: the body
// of a code fence if it parses, else the first balanced {...} that parses.
// It returns "" when there is none.
func ExtractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if isJSONObject(trimmed) {
		return trimmed
	}
	if body, ok := fenceBody(trimmed); ok && isJSONObject(body) {
		return body
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != '{' {
			continue
		}
		if candidate := balanced(trimmed[i:]); candidate != "" && isJSONObject(candidate) {
			return candidate
		}
	}
	return ""
}

// fenceBody returns the content of the first ``` fence, with or without a
// language tag.
func fenceBody(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// balanced returns the shortest prefix of s with matched braces, honoring
// string literals and escapes.
func balanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
