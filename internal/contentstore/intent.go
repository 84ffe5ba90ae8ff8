package contentstore

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/basket/go-steward/internal/markdown"
)

// Op is a write intent operation.
type Op string

const (
	OpAppendToSection  Op = "append_to_section"
	OpPrependToSection Op = "prepend_to_section"
	OpReplaceSection   Op = "replace_section"
	OpMarkComplete     Op = "mark_complete"
	OpRemoveItem       Op = "remove_item"
	OpWriteFile        Op = "write_file"
)

var ErrInvalidIntent = errors.New("invalid write intent")

// Intent declares one file mutation. Intents are data so a batch can be
// validated, logged and committed as a unit.
type Intent struct {
	Path      string `json:"path"`
	Operation Op     `json:"operation"`
	Heading   string `json:"heading,omitempty"`
	Content   string `json:"content,omitempty"`
	Item      string `json:"item,omitempty"`
}

// Validate checks the intent shape. It does not look at file content.
func (in Intent) Validate() error {
	p := strings.TrimSpace(in.Path)
	if p == "" {
		return fmt.Errorf("%w: path required", ErrInvalidIntent)
	}
	if strings.HasPrefix(p, "/") || path.Clean(p) != p || strings.HasPrefix(p, "..") {
		return fmt.Errorf("%w: path %q must be relative and clean", ErrInvalidIntent, in.Path)
	}
	switch in.Operation {
	case OpAppendToSection, OpPrependToSection, OpReplaceSection:
		if strings.TrimSpace(in.Heading) == "" {
			return fmt.Errorf("%w: %s on %s needs a heading", ErrInvalidIntent, in.Operation, p)
		}
	case OpMarkComplete, OpRemoveItem:
		if strings.TrimSpace(in.Item) == "" {
			return fmt.Errorf("%w: %s on %s needs an item", ErrInvalidIntent, in.Operation, p)
		}
	case OpWriteFile:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidIntent, in.Operation)
	}
	return nil
}

// apply runs one intent against doc. exists is false for a path that is not
// in the tree yet. Section-not-found and item-not-found come back as the
// markdown sentinel errors.
func apply(doc string, exists bool, in Intent) (string, error) {
	switch in.Operation {
	case OpWriteFile:
		return in.Content, nil
	case OpAppendToSection:
		return markdown.AppendToSection(doc, in.Heading, in.Content), nil
	case OpPrependToSection:
		return markdown.PrependToSection(doc, in.Heading, in.Content), nil
	case OpReplaceSection:
		if !exists {
			return doc, markdown.ErrSectionNotFound
		}
		return markdown.ReplaceSection(doc, in.Heading, in.Content)
	case OpMarkComplete:
		if !exists {
			return doc, markdown.ErrItemNotFound
		}
		return markdown.MarkComplete(doc, in.Item)
	case OpRemoveItem:
		if !exists {
			return doc, markdown.ErrItemNotFound
		}
		return markdown.RemoveItem(doc, in.Item)
	}
	return doc, fmt.Errorf("%w: unknown operation %q", ErrInvalidIntent, in.Operation)
}
