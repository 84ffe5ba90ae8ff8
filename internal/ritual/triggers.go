package ritual

import "strings"

// Signal is a control phrase found in a user message.
type Signal string

const (
	SignalNone    Signal = ""
	SignalCommit  Signal = "commit"
	SignalSkip    Signal = "skip"
	SignalAbandon Signal = "abandon"
)

// Triggers holds the control phrases. Commit and skip match as
// case-insensitive substrings, so ordinary sentences that contain a phrase
// also fire ("let's commit to exercising" commits). Abandon throws the
// session away and only fires when the whole message is the phrase.
type Triggers struct {
	Commit  []string
	Skip    []string
	Abandon []string
}

// Detect returns the signal in text for a session in phase. Commit is only
// honored in sort and plan. Abandon wins over commit, commit over skip.
func (t Triggers) Detect(text string, phase Phase) Signal {
	lower := strings.ToLower(text)
	if equalsAny(lower, t.Abandon) {
		return SignalAbandon
	}
	if (phase == PhaseSort || phase == PhasePlan) && containsAny(lower, t.Commit) {
		return SignalCommit
	}
	if containsAny(lower, t.Skip) {
		return SignalSkip
	}
	return SignalNone
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// equalsAny reports whether the message, minus surrounding space and
// trailing punctuation, is exactly one of phrases.
func equalsAny(lower string, phrases []string) bool {
	msg := strings.TrimRight(strings.TrimSpace(lower), ".!? ")
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && msg == p {
			return true
		}
	}
	return false
}

// skipMessage is the canned reply for a skip out of phase.
func skipMessage(from Phase) string {
	switch from {
	case PhaseReflect:
		return "Skipping reflection. Let's sort: which roles, goals and open loops deserve your attention next?"
	case PhaseSort:
		return "Skipping the sort. Let's plan: what will you commit to?"
	default:
		return "We're already at the plan. Say \"commit\" when it looks right."
	}
}

func kickoffMessage(t Type) string {
	period := "week"
	if t == Monthly {
		period = "month"
	}
	return "Time for your " + string(t) + " review. Reply in this thread.\n\n" +
		"*Reflect:* how did the last " + period + " go? What worked, what didn't, what's still on your mind?\n\n" +
		"Say \"skip\" to move on a phase, \"commit\" once the plan looks right, or \"abandon\" to stop without saving."
}
