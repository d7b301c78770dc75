package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Validator checks a decoded JSON value against a declared shape.
type Validator interface {
	Validate(v any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(v any) error

// Validate calls f(v).
func (f ValidatorFunc) Validate(v any) error { return f(v) }

// EventDefinition names a message kind and validates its payloads. A nil
// validator accepts any well-formed JSON value.
type EventDefinition struct {
	Name      string
	validator Validator
}

// DefineEvent declares an event kind.
func DefineEvent(name string, v Validator) *EventDefinition {
	return &EventDefinition{Name: name, validator: v}
}

// Validate decodes raw boundary input and checks it against the definition.
// Empty input decodes to an empty object.
func (d *EventDefinition) Validate(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, &ValidationError{Event: d.Name, Err: err}
	}
	if err := d.check(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Construct builds an envelope after validating payload. Payload may be any
// JSON-marshalable Go value; it is carried as given.
func (d *EventDefinition) Construct(meta Meta, payload any) (Envelope, error) {
	if d.validator != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, &ValidationError{Event: d.Name, Err: err}
		}
		v, err := decodeJSON(b)
		if err != nil {
			return Envelope{}, &ValidationError{Event: d.Name, Err: err}
		}
		if err := d.check(v); err != nil {
			return Envelope{}, err
		}
	}
	return Envelope{Name: d.Name, Meta: meta, Payload: payload}, nil
}

// IsInstance reports whether value is an envelope of this kind.
func (d *EventDefinition) IsInstance(value any) bool {
	switch e := value.(type) {
	case Envelope:
		return e.Name == d.Name
	case *Envelope:
		return e != nil && e.Name == d.Name
	default:
		return false
	}
}

func (d *EventDefinition) check(v any) error {
	if d.validator == nil {
		return nil
	}
	if err := d.validator.Validate(v); err != nil {
		return &ValidationError{Event: d.Name, Err: err}
	}
	return nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode payload: trailing data")
	}
	return v, nil
}
