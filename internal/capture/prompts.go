package capture

import (
	"fmt"
	"strings"

	"github.com/basket/go-steward/internal/actor"
)

func systemPrompt(entityKey, target string) string {
	scope := "the shared inbox"
	if actor.EntityKind(entityKey) == actor.EntityProject {
		scope = "the project " + actor.EntityID(entityKey)
	}
	return fmt.Sprintf(`You are a personal assistant handling a message in %s.
Reply briefly. If the message should change the user's notes, list the edits.
Answer with one JSON object: {"reply": string, "writes": [{"path", "operation", "heading", "content", "item"}]}.
Operations: append_to_section, prepend_to_section, replace_section, mark_complete, remove_item, write_file.
Omit "path" to edit %s. Return "writes": [] when nothing should change.`, scope, target)
}

func userPrompt(ev actor.Event, docs map[string]string, target, loopsPath string) string {
	var b strings.Builder
	if doc := strings.TrimSpace(docs[target]); doc != "" {
		fmt.Fprintf(&b, "Current %s:\n%s\n\n", target, doc)
	}
	if loops := strings.TrimSpace(docs[loopsPath]); loops != "" && loopsPath != target {
		fmt.Fprintf(&b, "Open loops (%s):\n%s\n\n", loopsPath, loops)
	}
	fmt.Fprintf(&b, "Message:\n%s", ev.Text)
	return b.String()
}
