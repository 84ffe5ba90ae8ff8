package markdown

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fmDelim = "---"

// SplitFrontmatter separates a leading '---' delimited block from the body.
// Documents without frontmatter return a nil map and the whole document.
func SplitFrontmatter(doc string) (map[string]any, string, error) {
	if !strings.HasPrefix(doc, fmDelim+"\n") && !strings.HasPrefix(doc, fmDelim+"\r\n") {
		return nil, doc, nil
	}
	rest := doc[strings.Index(doc, "\n")+1:]
	end := -1
	offset := 0
	for _, line := range strings.SplitAfter(rest, "\n") {
		if strings.TrimRight(line, "\r\n") == fmDelim {
			end = offset
			break
		}
		offset += len(line)
	}
	if end < 0 {
		return nil, doc, nil
	}
	raw := rest[:end]
	body := rest[end:]
	body = strings.TrimPrefix(body, fmDelim)
	body = strings.TrimPrefix(strings.TrimPrefix(body, "\r"), "\n")

	fields := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := yaml.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, doc, fmt.Errorf("parse frontmatter: %w", err)
		}
	}
	return fields, body, nil
}

// WithFrontmatter renders v (a struct or map) as a frontmatter block ahead of body.
func WithFrontmatter(v any, body string) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString(fmDelim + "\n")
	b.Write(out)
	b.WriteString(fmDelim + "\n")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String(), nil
}

// StringField reads a string frontmatter value, tolerating scalars of other types.
func StringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ListField reads a list-valued frontmatter key. Both YAML sequences and
// inline JSON arrays decode to []any.
func ListField(fields map[string]any, key string) []string {
	raw, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
