// Package ritual runs periodic review sessions: reflect, sort, plan, then
// one commit that writes the plan, the transcript and the refreshed context
// pack together.
package ritual

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// ParseType reads a ritual type from free text, defaulting to weekly.
func ParseType(s string) Type {
	if strings.Contains(strings.ToLower(s), string(Monthly)) {
		return Monthly
	}
	return Weekly
}

type Phase string

const (
	PhaseReflect Phase = "reflect"
	PhaseSort    Phase = "sort"
	PhasePlan    Phase = "plan"
)

// Next is the phase after p. Plan loops on itself until a commit.
func (p Phase) Next() Phase {
	switch p {
	case PhaseReflect:
		return PhaseSort
	case PhaseSort:
		return PhasePlan
	default:
		return PhasePlan
	}
}

// Commitments is what the session has captured so far.
type Commitments struct {
	RolesFocus      []string `json:"roles_focus,omitempty"`
	GoalPriorities  []string `json:"goal_priorities,omitempty"`
	KeptLoops       []string `json:"kept_loops,omitempty"`
	WeekCommitments []string `json:"week_commitments,omitempty"`
	Theme           string   `json:"theme,omitempty"`
}

// Empty reports whether nothing was ever captured.
func (c Commitments) Empty() bool {
	return len(c.RolesFocus) == 0 && len(c.GoalPriorities) == 0 &&
		len(c.KeptLoops) == 0 && len(c.WeekCommitments) == 0 && c.Theme == ""
}

// Message is one transcript line.
type Message struct {
	Role  string    `json:"role"` // "user" or "assistant"
	Phase Phase     `json:"phase"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Session is the durable state of one ritual thread.
type Session struct {
	Type         Type        `json:"ritual_type"`
	Phase        Phase       `json:"phase"`
	Messages     []Message   `json:"messages"`
	Commitments  Commitments `json:"commitments"`
	Insights     []string    `json:"insights,omitempty"`
	LastPlanText string      `json:"last_plan_text,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	Channel      string      `json:"channel"`
	ThreadTS     string      `json:"thread_ts"`
}

func newSession(t Type, channel, threadTS string, now time.Time) *Session {
	return &Session{Type: t, Phase: PhaseReflect, StartedAt: now, Channel: channel, ThreadTS: threadTS}
}

func (s *Session) record(role, text string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Phase: s.Phase, Text: text, At: at})
}

// Captured is the structured part of one phase result.
type Captured struct {
	Insights       []string `json:"insights"`
	Commitments    []string `json:"commitments"`
	FocusAreas     []string `json:"focus_areas"`
	KeptLoops      []string `json:"kept_loops"`
	GoalPriorities []string `json:"goal_priorities"`
	Theme          string   `json:"theme"`
}

// merge folds c into the session. Lists grow by concatenation; the theme is
// only replaced when c carries one.
func (s *Session) merge(c Captured) {
	s.Insights = appendNonEmpty(s.Insights, c.Insights)
	s.Commitments.RolesFocus = appendNonEmpty(s.Commitments.RolesFocus, c.FocusAreas)
	s.Commitments.GoalPriorities = appendNonEmpty(s.Commitments.GoalPriorities, c.GoalPriorities)
	s.Commitments.KeptLoops = appendNonEmpty(s.Commitments.KeptLoops, c.KeptLoops)
	s.Commitments.WeekCommitments = appendNonEmpty(s.Commitments.WeekCommitments, c.Commitments)
	if theme := strings.TrimSpace(c.Theme); theme != "" {
		s.Commitments.Theme = theme
	}
}

func appendNonEmpty(dst, src []string) []string {
	for _, v := range src {
		if v = strings.TrimSpace(v); v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// transcript renders the conversation for prompts and the archival log.
func (s *Session) transcript() string {
	var b strings.Builder
	for _, m := range s.Messages {
		fmt.Fprintf(&b, "**%s** (%s): %s\n\n", m.Role, m.Phase, strings.TrimSpace(m.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
