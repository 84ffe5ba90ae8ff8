package research

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/markdown"
)

const maxSlug = 48

// Slug turns a query into a file-name fragment.
func Slug(query string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(query) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlug {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "query"
	}
	return s
}

// LogPath is where a thread's research log lives. It is fixed by the date
// the thread started so follow-ups rewrite the same file.
func LogPath(l config.LayoutConfig, started time.Time, query string) string {
	return path.Join(l.ResearchDir, started.Format("2006-01-02")+"-"+Slug(query)+".md")
}

// SpreadPath is a project's spread document.
func SpreadPath(l config.LayoutConfig, slug string) string {
	return path.Join(l.ProjectsDir, slug, "spread.md")
}

// StreamPath is the month's stream file.
func StreamPath(l config.LayoutConfig, at time.Time) string {
	return path.Join(l.StreamDir, at.Format("2006-01")+".md")
}

// relLink is target relative to the directory holding from.
func relLink(from, target string) string {
	dir := path.Dir(from)
	if dir == "." {
		return target
	}
	return strings.Repeat("../", strings.Count(dir, "/")+1) + target
}

func spreadLine(spreadPath, logPath, query string, at time.Time) string {
	return fmt.Sprintf("- %s: [%s](%s)", at.Format("2006-01-02"), oneLine(query), relLink(spreadPath, logPath))
}

func streamLine(streamPath, logPath, query, scope string, at time.Time) string {
	line := fmt.Sprintf("- %s research: [%s](%s)", at.Format("15:04"), oneLine(query), relLink(streamPath, logPath))
	if scope != "" {
		line += " (" + scope + ")"
	}
	return line
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// renderSynthesis renders a brief as markdown. slack switches to mrkdwn
// emphasis.
func renderSynthesis(s Synthesis, slack bool) string {
	h := func(title string) string {
		if slack {
			return "*" + title + "*\n"
		}
		return "### " + title + "\n\n"
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Summary))
	b.WriteString("\n")
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + h(title))
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(it))
		}
	}
	list("Key points", s.KeyPoints)
	list("Recommendations", s.Recommendations)
	list("Sources", s.SourcesToCite)
	return b.String()
}

// formatReply is the chat message for a delivered run.
func formatReply(query string, o *Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Research:* %s\n\n", oneLine(query))
	b.WriteString(renderSynthesis(o.Synthesis, true))
	fmt.Fprintf(&b, "\n_%d sources, %d search rounds_", len(o.Findings), o.SearchRounds)
	return b.String()
}

type logHeader struct {
	Query     string  `yaml:"query"`
	Scope     string  `yaml:"scope,omitempty"`
	Started   string  `yaml:"started"`
	Delivered string  `yaml:"delivered"`
	Trace     string  `yaml:"trace"`
	Runs      int     `yaml:"runs"`
	Findings  int     `yaml:"findings"`
	Rounds    int     `yaml:"rounds"`
	Quality   float64 `yaml:"quality,omitempty"`
	Degraded  bool    `yaml:"degraded,omitempty"`
}

// renderLog is the full research log: transcript, synthesis and every
// finding held by the thread.
func renderLog(t *Thread, o *Outcome, now time.Time, traceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n## Transcript\n\n", oneLine(t.Query))
	if len(t.Messages) == 0 {
		b.WriteString("_No conversation._\n")
	}
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "**%s** (%s): %s\n\n", m.Role, m.At.Format("2006-01-02 15:04"), strings.TrimSpace(m.Text))
	}

	b.WriteString("\n## Synthesis\n\n")
	b.WriteString(renderSynthesis(o.Synthesis, false))

	if len(o.Plan.Criteria) > 0 {
		b.WriteString("\n## Criteria\n\n")
		for _, c := range o.Plan.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\n## Findings\n\n")
	if len(o.Findings) == 0 {
		b.WriteString("_None._\n")
	}
	for i, f := range o.Findings {
		title := f.Title
		if title == "" {
			title = f.URL
		}
		if f.URL != "" {
			fmt.Fprintf(&b, "### %d. [%s](%s)\n\n", i+1, title, f.URL)
		} else {
			fmt.Fprintf(&b, "### %d. %s\n\n", i+1, title)
		}
		fmt.Fprintf(&b, "_Query: %s (round %d)_\n\n", f.Query, f.Round)
		if c := snippet(f.Content, 1500); c != "" {
			b.WriteString(c + "\n\n")
		}
	}

	h := logHeader{
		Query:     oneLine(t.Query),
		Scope:     t.Scope,
		Started:   t.StartedAt.Format(time.RFC3339),
		Delivered: now.Format(time.RFC3339),
		Trace:     traceID,
		Runs:      t.Runs,
		Findings:  len(o.Findings),
		Rounds:    o.SearchRounds,
		Degraded:  o.Degraded(),
	}
	if o.Quality != nil {
		h.Quality = o.Quality.Score
	}
	doc := strings.TrimRight(b.String(), "\n") + "\n"
	out, err := markdown.WithFrontmatter(h, doc)
	if err != nil {
		return doc
	}
	return out
}
