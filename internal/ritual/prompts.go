package ritual

import (
	"fmt"
	"strings"
)

// phaseSchema accepts the structured phase result. Anything that fails it is
// used as an unstructured reply instead.
const phaseSchemaJSON = `{
  "type": "object",
  "required": ["response"],
  "properties": {
    "response": {"type": "string"},
    "captured": {
      "type": "object",
      "properties": {
        "insights": {"type": "array", "items": {"type": "string"}},
        "commitments": {"type": "array", "items": {"type": "string"}},
        "focus_areas": {"type": "array", "items": {"type": "string"}},
        "kept_loops": {"type": "array", "items": {"type": "string"}},
        "goal_priorities": {"type": "array", "items": {"type": "string"}},
        "theme": {"type": "string"}
      }
    },
    "ready_to_advance": {"type": "boolean"}
  }
}`

var phaseGoals = map[Phase]string{
	PhaseReflect: "Help the user reflect on the period that just ended. Draw out wins, misses and lingering worries. Record insights.",
	PhaseSort:    "Help the user decide which roles, goals and open loops matter for the coming period. Record focus areas, goal priorities and loops worth keeping.",
	PhasePlan:    "Turn the sorted priorities into a short concrete plan. Record commitments and, if one emerges, a theme. Revise when the user asks.",
}

func systemPrompt(t Type, phase Phase) string {
	return fmt.Sprintf(`You are guiding a %s review. Current phase: %s.
%s
Answer with one JSON object: {"response": string, "captured": {"insights": [], "commitments": [], "focus_areas": [], "kept_loops": [], "goal_priorities": [], "theme": string}, "ready_to_advance": bool}.
Only list items the user actually said or agreed to. Keep the response conversational and brief.`, t, phase, phaseGoals[phase])
}

type identity struct {
	Roles     string
	Goals     string
	OpenLoops []string
}

func userPrompt(id identity, s *Session, message string) string {
	var b strings.Builder
	if r := strings.TrimSpace(id.Roles); r != "" {
		fmt.Fprintf(&b, "Roles:\n%s\n\n", r)
	}
	if g := strings.TrimSpace(id.Goals); g != "" {
		fmt.Fprintf(&b, "Goals:\n%s\n\n", g)
	}
	if len(id.OpenLoops) > 0 {
		b.WriteString("Open loops:\n")
		for _, l := range id.OpenLoops {
			fmt.Fprintf(&b, "- %s\n", l)
		}
		b.WriteString("\n")
	}
	if t := s.transcript(); t != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", t)
	}
	fmt.Fprintf(&b, "New message:\n%s", message)
	return b.String()
}
