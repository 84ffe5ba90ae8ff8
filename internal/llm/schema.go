package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaError means the recovered JSON did not match the expected shape.
type SchemaError struct {
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: %s response failed schema: %v", e.Name, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Schema validates one structured response shape. Schemas only constrain
// types and required keys; absent optional keys decode to zero values.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name, schemaJSON string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

// MustSchema is CompileSchema for package-level schema literals.
func MustSchema(name, schemaJSON string) *Schema {
	s, err := CompileSchema(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Decode recovers JSON from text, validates it and unmarshals it into out.
func (s *Schema) Decode(text string, out any) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return &ParseError{Raw: text}
	}
	// jsonschema wants json.Number for numeric validation.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return &ParseError{Raw: text}
	}
	if err := s.schema.Validate(parsed); err != nil {
		return &SchemaError{Name: s.name, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &SchemaError{Name: s.name, Err: err}
	}
	return nil
}

// Complete runs c and decodes the answer against s.
func (s *Schema) Complete(ctx context.Context, c Client, system, user string, out any) error {
	text, err := c.Complete(ctx, system, user)
	if err != nil {
		return err
	}
	return s.Decode(text, out)
}
