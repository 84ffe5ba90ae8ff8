package ritual

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/contentstore"
	"github.com/basket/go-steward/internal/contextpack"
	"github.com/basket/go-steward/internal/markdown"
)

// commitInput is everything the commit derivation reads. It holds no
// clients so the derivation can be tested as a pure function.
type commitInput struct {
	Session   *Session
	Now       time.Time
	TraceID   string
	Layout    config.LayoutConfig
	OpenLoops string
	Calendar  string
	Index     string
}

// commitPlan is the derived batch plus the paths it writes.
type commitPlan struct {
	Intents   []contentstore.Intent
	PlanPath  string
	Week1Path string
	LogPath   string
	Message   string
}

// planWeekDate is the day whose ISO week a weekly plan covers. Sunday
// sessions plan the week that starts the next day.
func planWeekDate(t time.Time) time.Time {
	if t.Weekday() == time.Sunday {
		return t.AddDate(0, 0, 1)
	}
	return t
}

func isoWeek(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func weeklyPlanPath(l config.LayoutConfig, t time.Time) string {
	return path.Join(l.WeeklyPlanDir, isoWeek(planWeekDate(t))+".md")
}

func monthlyPlanPath(l config.LayoutConfig, t time.Time) string {
	return path.Join(l.MonthlyPlanDir, t.Format("2006-01")+".md")
}

// firstWeekDate is the day that anchors a month's week-1 plan.
func firstWeekDate(t time.Time) time.Time {
	return planWeekDate(time.Date(t.Year(), t.Month(), 1, 12, 0, 0, 0, t.Location()))
}

// deriveCommit builds the single batch for a ritual commit: the plan (and
// for monthly sessions the week-1 plan), the transcript log, the plan index
// entries and the rebuilt context pack.
func deriveCommit(in commitInput) commitPlan {
	s := in.Session
	var out commitPlan
	var packPlans []contextpack.Plan

	switch s.Type {
	case Monthly:
		out.PlanPath = monthlyPlanPath(in.Layout, in.Now)
		title := "Monthly Plan " + in.Now.Format("January 2006")
		body := renderPlan(title, s)
		out.Intents = append(out.Intents, contentstore.Intent{Path: out.PlanPath, Operation: contentstore.OpWriteFile, Content: body})
		packPlans = append(packPlans, contextpack.Plan{Title: title, Path: out.PlanPath, Body: body})

		week1 := firstWeekDate(in.Now)
		out.Week1Path = path.Join(in.Layout.WeeklyPlanDir, isoWeek(week1)+".md")
		w1Title := fmt.Sprintf("Week 1 Plan %s (%s)", isoWeek(week1), in.Now.Format("January 2006"))
		w1Body := renderWeekOne(w1Title, out.PlanPath, s)
		out.Intents = append(out.Intents, contentstore.Intent{Path: out.Week1Path, Operation: contentstore.OpWriteFile, Content: w1Body})
		packPlans = append(packPlans, contextpack.Plan{Title: w1Title, Path: out.Week1Path, Body: w1Body})
	default:
		out.PlanPath = weeklyPlanPath(in.Layout, in.Now)
		title := "Weekly Plan " + isoWeek(planWeekDate(in.Now))
		body := renderPlan(title, s)
		out.Intents = append(out.Intents, contentstore.Intent{Path: out.PlanPath, Operation: contentstore.OpWriteFile, Content: body})
		packPlans = append(packPlans, contextpack.Plan{Title: title, Path: out.PlanPath, Body: body})
	}

	out.LogPath = path.Join(in.Layout.RitualLogDir, fmt.Sprintf("%s-%s.md", in.Now.Format("2006-01-02"), s.Type))
	out.Intents = append(out.Intents, contentstore.Intent{
		Path: out.LogPath, Operation: contentstore.OpWriteFile, Content: renderLog(s, in.Now, in.TraceID),
	})

	out.Intents = append(out.Intents, indexIntents(in.Layout.PlanIndexPath, in.Index, s.Type, out.PlanPath, out.Week1Path)...)

	out.Intents = append(out.Intents, contentstore.Intent{
		Path:      in.Layout.ContextPackPath,
		Operation: contentstore.OpWriteFile,
		Content: contextpack.Build(contextpack.Inputs{
			OpenLoops: in.OpenLoops,
			Calendar:  in.Calendar,
			Plans:     packPlans,
			Now:       in.Now,
		}),
	})

	out.Message = fmt.Sprintf("ritual(%s): commit %s", s.Type, out.PlanPath)
	return out
}

// planBody is the plan content without its title: the captured commitments
// when anything was captured, else the last phase reply.
func planBody(s *Session) string {
	if s.Commitments.Empty() {
		if text := strings.TrimSpace(s.LastPlanText); text != "" {
			return text + "\n"
		}
		return "_No plan was captured in this session._\n"
	}
	c := s.Commitments
	var b strings.Builder
	if c.Theme != "" {
		fmt.Fprintf(&b, "**Theme:** %s\n\n", c.Theme)
	}
	list := func(heading string, items []string, checkbox bool) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", heading)
		for _, it := range items {
			if checkbox {
				fmt.Fprintf(&b, "- [ ] %s\n", it)
			} else {
				fmt.Fprintf(&b, "- %s\n", it)
			}
		}
		b.WriteString("\n")
	}
	list("Roles in Focus", c.RolesFocus, false)
	list("Goal Priorities", c.GoalPriorities, false)
	list("Kept Loops", c.KeptLoops, true)
	list("Commitments", c.WeekCommitments, true)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func renderPlan(title string, s *Session) string {
	return "# " + title + "\n\n" + planBody(s)
}

func renderWeekOne(title, monthlyPath string, s *Session) string {
	return "# " + title + "\n\n" +
		fmt.Sprintf("_Derived from the monthly plan `%s`._\n\n", monthlyPath) +
		planBody(s)
}

type logHeader struct {
	Ritual    Type   `yaml:"ritual"`
	Started   string `yaml:"started"`
	Committed string `yaml:"committed"`
	Phase     Phase  `yaml:"phase"`
	Trace     string `yaml:"trace"`
	Turns     int    `yaml:"turns"`
}

func renderLog(s *Session, now time.Time, traceID string) string {
	var b strings.Builder
	title := "Weekly"
	if s.Type == Monthly {
		title = "Monthly"
	}
	fmt.Fprintf(&b, "# %s Review %s\n\n## Transcript\n\n", title, now.Format("2006-01-02"))
	if t := s.transcript(); t != "" {
		b.WriteString(t + "\n")
	} else {
		b.WriteString("_No conversation._\n")
	}
	if len(s.Insights) > 0 {
		b.WriteString("\n## Insights\n\n")
		for _, in := range s.Insights {
			fmt.Fprintf(&b, "- %s\n", in)
		}
	}
	b.WriteString("\n## Captured\n\n")
	b.WriteString(planBody(s))

	out, err := markdown.WithFrontmatter(logHeader{
		Ritual:    s.Type,
		Started:   s.StartedAt.Format(time.RFC3339),
		Committed: now.Format(time.RFC3339),
		Phase:     s.Phase,
		Trace:     traceID,
		Turns:     len(s.Messages),
	}, b.String())
	if err != nil {
		return b.String()
	}
	return out
}

// indexIntents adds links for the new plans unless the index already has them.
func indexIntents(indexPath, index string, t Type, planPath, week1Path string) []contentstore.Intent {
	var out []contentstore.Intent
	add := func(heading, p string) {
		if p == "" {
			return
		}
		rel := p
		if dir := path.Dir(indexPath); dir != "." && strings.HasPrefix(p, dir+"/") {
			rel = strings.TrimPrefix(p, dir+"/")
		}
		line := fmt.Sprintf("- [%s](%s)", strings.TrimSuffix(path.Base(p), ".md"), rel)
		if strings.Contains(index, line) {
			return
		}
		out = append(out, contentstore.Intent{Path: indexPath, Operation: contentstore.OpAppendToSection, Heading: heading, Content: line})
	}
	if t == Monthly {
		add("## Monthly", planPath)
		add("## Weekly", week1Path)
	} else {
		add("## Weekly", planPath)
	}
	return out
}
