package markdown

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const spread = `# Garden

Intro line.

## Research

- 2026-09-01 soil ph

## Tasks

- [ ] buy mulch
- [x] order seeds
`

func TestSection_ReadsUntilSameOrHigherHeading(t *testing.T) {
	doc := "# A\n\n## B\nb1\n### B.1\nnested\n## C\nc1\n"
	got, ok := Section(doc, "## B")
	if !ok {
		t.Fatal("expected section B")
	}
	if diff := cmp.Diff("b1\n### B.1\nnested", got); diff != "" {
		t.Fatalf("section body mismatch (-want +got):\n%s", diff)
	}
	if _, ok := Section(doc, "## Missing"); ok {
		t.Fatal("unexpected section")
	}
}

func TestSection_IgnoresHeadingsInFences(t *testing.T) {
	doc := "## Notes\n```\n## Not a heading\n```\nafter\n## Next\n"
	got, _ := Section(doc, "## Notes")
	if diff := cmp.Diff("```\n## Not a heading\n```\nafter", got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, ok := Section(doc, "## Not a heading"); ok {
		t.Fatal("fenced heading must not be addressable")
	}
}

func TestAppendToSection(t *testing.T) {
	got := AppendToSection(spread, "## Research", "- 2026-10-15 compost ratios")
	want := `# Garden

Intro line.

## Research

- 2026-09-01 soil ph
- 2026-10-15 compost ratios

## Tasks

- [ ] buy mulch
- [x] order seeds
`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestAppendToSection_BareTitleIsLevelTwo(t *testing.T) {
	got := AppendToSection(spread, "Research", "- x")
	body, _ := Section(got, "## Research")
	if diff := cmp.Diff("- 2026-09-01 soil ph\n- x", body); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestAppendToSection_CreatesMissingSection(t *testing.T) {
	got := AppendToSection("# Stream\n", "## 2026-10-15", "- shipped steward")
	want := "# Stream\n\n## 2026-10-15\n- shipped steward\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if got := AppendToSection("", "## Weekly", "- a"); got != "## Weekly\n- a\n" {
		t.Fatalf("empty doc: %q", got)
	}
}

func TestAppendToSection_EmptySectionReadsBackExactly(t *testing.T) {
	docs := map[string]string{
		"last heading":         "# Plans\n\n## Weekly\n",
		"followed by heading":  "## Weekly\n\n## Monthly\n- m\n",
		"no trailing newline":  "## Weekly",
		"blank-only body":      "## Weekly\n\n\n\n## Monthly\n",
		"created when missing": "# Plans\n",
	}
	content := "- [2026-W42](weekly/2026-W42.md)\n- second line"
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			got, ok := Section(AppendToSection(doc, "## Weekly", content), "## Weekly")
			if !ok {
				t.Fatal("section missing after append")
			}
			if diff := cmp.Diff(content, got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrependToSection(t *testing.T) {
	got := PrependToSection("## Log\n\n- old\n", "## Log", "- new")
	if diff := cmp.Diff("## Log\n\n- new\n- old\n", got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	created := PrependToSection("intro\n", "## Log", "- first")
	if diff := cmp.Diff("intro\n\n## Log\n- first\n", created); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestReplaceSection(t *testing.T) {
	got, err := ReplaceSection(spread, "## Research", "- replaced")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	body, _ := Section(got, "## Research")
	if body != "- replaced" {
		t.Fatalf("body = %q", body)
	}
	tasks, _ := Section(got, "## Tasks")
	if tasks != "- [ ] buy mulch\n- [x] order seeds" {
		t.Fatalf("neighbouring section disturbed: %q", tasks)
	}

	unchanged, err := ReplaceSection(spread, "## Nope", "x")
	if !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("expected ErrSectionNotFound, got %v", err)
	}
	if unchanged != spread {
		t.Fatal("failed replace must not modify the document")
	}
}

func TestMarkComplete_FlipsCheckbox(t *testing.T) {
	got, err := MarkComplete(spread, "buy mulch")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	tasks, _ := Section(got, "## Tasks")
	if tasks != "- [x] buy mulch\n- [x] order seeds" {
		t.Fatalf("tasks = %q", tasks)
	}
	back, err := MarkComplete(got, "- [x] buy mulch")
	if err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if back != spread {
		t.Fatalf("expected flip back to original")
	}
	if _, err := MarkComplete(spread, "water tomatoes"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestRemoveItem_DeletesFirstMatch(t *testing.T) {
	doc := "- [ ] a\n- b\n- [ ] a\n"
	got, err := RemoveItem(doc, "a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got != "- b\n- [ ] a\n" {
		t.Fatalf("got %q", got)
	}
	if _, err := RemoveItem(doc, "c"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestNormalizeHeading(t *testing.T) {
	cases := map[string]string{
		"Research":     "## Research",
		"  ### Deep  ": "### Deep",
		"#tag":         "## #tag",
		"":             "",
	}
	for in, want := range cases {
		if got := NormalizeHeading(in); got != want {
			t.Fatalf("NormalizeHeading(%q) = %q, want %q", in, got, want)
		}
	}
}
