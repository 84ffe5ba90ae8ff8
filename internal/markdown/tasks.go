package markdown

import (
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	parserOnce sync.Once
	parser     goldmark.Markdown
)

func gfm() goldmark.Markdown {
	parserOnce.Do(func() {
		parser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parser
}

// Task is one GFM task-list item.
type Task struct {
	Text string
	Done bool
}

// Tasks extracts every task-list item from doc in document order.
func Tasks(doc string) []Task {
	source := []byte(doc)
	root := gfm().Parser().Parse(text.NewReader(source))

	var tasks []Task
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != extast.KindTaskCheckBox {
			return ast.WalkContinue, nil
		}
		cb := n.(*extast.TaskCheckBox)
		var b strings.Builder
		for s := cb.NextSibling(); s != nil; s = s.NextSibling() {
			inlineText(s, source, &b)
		}
		if t := strings.Join(strings.Fields(b.String()), " "); t != "" {
			tasks = append(tasks, Task{Text: t, Done: cb.IsChecked})
		}
		return ast.WalkSkipChildren, nil
	})
	return tasks
}

// OpenTasks returns the text of every unchecked task.
func OpenTasks(doc string) []string {
	var out []string
	for _, t := range Tasks(doc) {
		if !t.Done {
			out = append(out, t.Text)
		}
	}
	return out
}

func inlineText(n ast.Node, source []byte, b *strings.Builder) {
	switch v := n.(type) {
	case *ast.Text:
		b.Write(v.Segment.Value(source))
		if v.SoftLineBreak() || v.HardLineBreak() {
			b.WriteByte(' ')
		}
		return
	case *ast.String:
		b.Write(v.Value)
		return
	case *ast.CodeSpan:
		b.WriteByte('`')
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			inlineText(c, source, b)
		}
		b.WriteByte('`')
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		inlineText(c, source, b)
	}
}
