// Package contextpack rebuilds the situational summary handed to the LLM:
// open loops, upcoming calendar notes and the current plans.
package contextpack

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/markdown"
)

// maxLoops caps the open-loop list so the pack stays prompt-sized.
const maxLoops = 25

// Plan is one plan document to summarize.
type Plan struct {
	Title string
	Path  string
	Body  string
}

type Inputs struct {
	OpenLoops string
	Calendar  string
	Plans     []Plan
	Now       time.Time
}

// Build renders the pack. The output depends only on in.
func Build(in Inputs) string {
	var b strings.Builder
	b.WriteString("# Context Pack\n")

	b.WriteString("\n## Open Loops\n\n")
	loops := markdown.OpenTasks(in.OpenLoops)
	if len(loops) == 0 {
		b.WriteString("_No open loops._\n")
	}
	for i, l := range loops {
		if i == maxLoops {
			fmt.Fprintf(&b, "- …and %d more\n", len(loops)-maxLoops)
			break
		}
		fmt.Fprintf(&b, "- [ ] %s\n", l)
	}

	b.WriteString("\n## Calendar\n\n")
	if cal := calendarOf(in.Calendar); cal != "" {
		b.WriteString(cal + "\n")
	} else {
		b.WriteString("_Nothing scheduled._\n")
	}

	b.WriteString("\n## Plans\n")
	if len(in.Plans) == 0 {
		b.WriteString("\n_No active plans._\n")
	}
	for _, p := range in.Plans {
		fmt.Fprintf(&b, "\n### %s\n\n", p.Title)
		if p.Path != "" {
			fmt.Fprintf(&b, "Source: `%s`\n\n", p.Path)
		}
		body := bodyOf(p.Body)
		if body == "" {
			body = "_Empty._"
		}
		b.WriteString(body + "\n")
	}

	out, err := markdown.WithFrontmatter(header{Generated: in.Now.Format(time.RFC3339), OpenLoops: len(loops)}, b.String())
	if err != nil {
		return b.String()
	}
	return out
}

type header struct {
	Generated string `yaml:"generated"`
	OpenLoops int    `yaml:"open_loops"`
}

// bodyOf drops frontmatter and the top-level title.
func bodyOf(doc string) string {
	_, body, err := markdown.SplitFrontmatter(doc)
	if err != nil {
		body = doc
	}
	return strings.TrimSpace(stripTitle(body))
}

// calendarOf keeps only the "## Upcoming" section when the calendar note
// has one, so past entries stay out of the prompt.
func calendarOf(doc string) string {
	body := bodyOf(doc)
	if upcoming, ok := markdown.Section(body, "## Upcoming"); ok {
		return upcoming
	}
	return body
}

// stripTitle removes a leading "# " line. Plan sections are nested under
// the pack's own headings.
func stripTitle(doc string) string {
	doc = strings.TrimLeft(doc, "\n")
	if strings.HasPrefix(doc, "# ") {
		if i := strings.IndexByte(doc, '\n'); i >= 0 {
			return doc[i+1:]
		}
		return ""
	}
	return doc
}
