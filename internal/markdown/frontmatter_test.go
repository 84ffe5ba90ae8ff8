package markdown

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitFrontmatter(t *testing.T) {
	doc := "---\ntitle: \"Soil research\"\nowner: 'me'\ntags: [\"garden\", \"soil\"]\nrounds: 2\n---\n\n# Body\n"
	fields, body, err := SplitFrontmatter(doc)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if StringField(fields, "title") != "Soil research" || StringField(fields, "owner") != "me" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
	if diff := cmp.Diff([]string{"garden", "soil"}, ListField(fields, "tags")); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	if StringField(fields, "rounds") != "2" {
		t.Fatalf("rounds = %q", StringField(fields, "rounds"))
	}
	if body != "\n# Body\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestSplitFrontmatter_NoneOrUnterminated(t *testing.T) {
	for _, doc := range []string{"# Plain\n", "---\ntitle: x\n# never closed\n", ""} {
		fields, body, err := SplitFrontmatter(doc)
		if err != nil || fields != nil || body != doc {
			t.Fatalf("doc %q: fields=%v body=%q err=%v", doc, fields, body, err)
		}
	}
}

func TestWithFrontmatter_RoundTrip(t *testing.T) {
	type meta struct {
		Query   string   `yaml:"query"`
		TraceID string   `yaml:"trace_id"`
		Sources []string `yaml:"sources"`
	}
	out, err := WithFrontmatter(meta{Query: "soil ph", TraceID: "t-1", Sources: []string{"https://a"}}, "# Log\n")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(out, "---\nquery: soil ph\n") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
	fields, body, err := SplitFrontmatter(out)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if StringField(fields, "trace_id") != "t-1" || body != "\n# Log\n" {
		t.Fatalf("round trip mismatch: %#v %q", fields, body)
	}
}
