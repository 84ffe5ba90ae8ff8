// Package markdown edits markdown documents by heading-addressed section.
// Every function is a pure string transform; nothing here touches the store.
package markdown

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrItemNotFound    = errors.New("item not found")
)

// region is a located section: lines[heading] is the heading line and the
// body is lines[heading+1:end].
type region struct {
	heading int
	end     int
	level   int
}

// NormalizeHeading turns a bare title into a level-two heading and trims
// surrounding whitespace. Headings that already carry '#' markers are kept.
func NormalizeHeading(heading string) string {
	h := strings.TrimSpace(heading)
	if h == "" {
		return h
	}
	if _, ok := headingLevel(h); ok {
		return h
	}
	return "## " + h
}

// headingLevel reports the ATX level of a line, or false if it is not a heading.
func headingLevel(line string) (int, bool) {
	t := strings.TrimSpace(line)
	n := 0
	for n < len(t) && t[n] == '#' {
		n++
	}
	if n == 0 || n > 6 {
		return 0, false
	}
	if n < len(t) && t[n] != ' ' && t[n] != '\t' {
		return 0, false
	}
	return n, true
}

func isFence(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

// headingLines returns the level of every heading line outside fenced code,
// keyed by line index.
func headingLines(lines []string) map[int]int {
	out := make(map[int]int)
	inFence := false
	for i, line := range lines {
		if isFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if lvl, ok := headingLevel(line); ok {
			out[i] = lvl
		}
	}
	return out
}

func locate(lines []string, heading string) (region, bool) {
	want := NormalizeHeading(heading)
	headings := headingLines(lines)
	for i := range lines {
		lvl, ok := headings[i]
		if !ok || strings.TrimSpace(lines[i]) != want {
			continue
		}
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if l, ok := headings[j]; ok && l <= lvl {
				end = j
				break
			}
		}
		return region{heading: i, end: end, level: lvl}, true
	}
	return region{}, false
}

func splitLines(doc string) ([]string, bool) {
	if doc == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(doc, "\n")
	return strings.Split(strings.TrimSuffix(doc, "\n"), "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}

func contentLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// Section returns the trimmed body under heading.
func Section(doc, heading string) (string, bool) {
	lines, _ := splitLines(doc)
	r, ok := locate(lines, heading)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(strings.Join(lines[r.heading+1:r.end], "\n")), true
}

// createSection appends a new section at the end of doc.
func createSection(doc, heading, content string) string {
	var b strings.Builder
	trimmed := strings.TrimRight(doc, "\n")
	if trimmed != "" {
		b.WriteString(trimmed)
		b.WriteString("\n\n")
	}
	b.WriteString(NormalizeHeading(heading))
	b.WriteString("\n")
	for _, l := range contentLines(content) {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

func splice(lines []string, at int, insert []string) []string {
	out := make([]string, 0, len(lines)+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	return append(out, lines[at:]...)
}

// AppendToSection adds content after the last non-blank line of the
// section body. A missing section is created at the end of the document.
func AppendToSection(doc, heading, content string) string {
	lines, trailing := splitLines(doc)
	r, ok := locate(lines, heading)
	if !ok {
		return createSection(doc, heading, content)
	}
	add := contentLines(content)
	if len(add) == 0 {
		return doc
	}
	at := r.heading + 1
	for i := r.end - 1; i > r.heading; i-- {
		if !isBlank(lines[i]) {
			at = i + 1
			break
		}
	}
	if r.end == len(lines) {
		trailing = true
	}
	return joinLines(splice(lines, at, add), trailing)
}

// PrependToSection adds content before the first non-blank line of the
// section body. A missing section is created at the end of the document.
func PrependToSection(doc, heading, content string) string {
	lines, trailing := splitLines(doc)
	r, ok := locate(lines, heading)
	if !ok {
		return createSection(doc, heading, content)
	}
	add := contentLines(content)
	if len(add) == 0 {
		return doc
	}
	at := r.heading + 1
	for i := r.heading + 1; i < r.end; i++ {
		if !isBlank(lines[i]) {
			at = i
			break
		}
	}
	if r.end == len(lines) {
		trailing = true
	}
	return joinLines(splice(lines, at, add), trailing)
}

// ReplaceSection swaps the section body for content. The heading must exist.
func ReplaceSection(doc, heading, content string) (string, error) {
	lines, trailing := splitLines(doc)
	r, ok := locate(lines, heading)
	if !ok {
		return doc, ErrSectionNotFound
	}
	body := contentLines(content)
	if r.end < len(lines) {
		body = append(body, "")
	} else {
		trailing = true
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:r.heading+1]...)
	out = append(out, body...)
	out = append(out, lines[r.end:]...)
	return joinLines(out, trailing), nil
}

var (
	checkboxLine = regexp.MustCompile(`^(\s*(?:[-*+]|\d+[.)])\s+\[)([ xX])(\]\s*)(.*)$`)
	bulletPrefix = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s*)?`)
)

// itemText strips a list marker and checkbox from a line or item string.
func itemText(s string) string {
	return strings.TrimSpace(bulletPrefix.ReplaceAllString(s, ""))
}

// MarkComplete flips the checkbox on the first task line whose text matches item.
func MarkComplete(doc, item string) (string, error) {
	want := itemText(item)
	if want == "" {
		return doc, ErrItemNotFound
	}
	lines, trailing := splitLines(doc)
	for i, line := range lines {
		m := checkboxLine.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[4]) != want {
			continue
		}
		state := "x"
		if m[2] != " " {
			state = " "
		}
		lines[i] = m[1] + state + m[3] + m[4]
		return joinLines(lines, trailing), nil
	}
	return doc, ErrItemNotFound
}

// RemoveItem deletes the first line whose item text matches item.
func RemoveItem(doc, item string) (string, error) {
	want := itemText(item)
	if want == "" {
		return doc, ErrItemNotFound
	}
	lines, trailing := splitLines(doc)
	for i, line := range lines {
		if isBlank(line) || itemText(line) != want {
			continue
		}
		out := append(lines[:i:i], lines[i+1:]...)
		return joinLines(out, trailing), nil
	}
	return doc, ErrItemNotFound
}
