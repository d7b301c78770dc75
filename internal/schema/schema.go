// Package schema validates event payloads against JSON Schema documents.
package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"go-agent-network/internal/core"
)

// Schema is a compiled JSON Schema usable as a core.Validator.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles doc. name identifies the resource in error
// messages.
func Compile(name string, doc []byte) (*Schema, error) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, v); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustCompile is Compile for static schema declarations.
func MustCompile(name string, doc []byte) *Schema {
	s, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements core.Validator. v must be a decoded JSON value.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// Event declares an event whose payloads must satisfy doc.
func Event(name string, doc []byte) (*core.EventDefinition, error) {
	s, err := Compile(name, doc)
	if err != nil {
		return nil, &core.ConfigurationError{Op: "define event " + name, Err: err}
	}
	return core.DefineEvent(name, s), nil
}

// MustEvent is Event for package-level declarations.
func MustEvent(name string, doc []byte) *core.EventDefinition {
	return core.DefineEvent(name, MustCompile(name, doc))
}

var _ core.Validator = (*Schema)(nil)
