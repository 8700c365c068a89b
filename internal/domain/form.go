package domain

import (
	"fmt"
	"strings"
)

// FieldKind is the input type of a form field.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldPassword FieldKind = "password"
	FieldEmail    FieldKind = "email"
	FieldNumber   FieldKind = "number"
	FieldTel      FieldKind = "tel"
)

// FieldSpec describes one input field requested by the server.
type FieldSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        FieldKind `json:"type" yaml:"type"`
	Placeholder string    `json:"placeholder" yaml:"placeholder"`
	Value       string    `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsSecret returns true for fields whose value must not be echoed.
func (f FieldSpec) IsSecret() bool {
	return f.Kind == FieldPassword
}

// FormSchema is the server-dictated shape of the input form.
// SubmitPath is relative to the widget endpoint.
type FormSchema struct {
	SubmitPath string      `json:"action" yaml:"action"`
	Fields     []FieldSpec `json:"fields" yaml:"fields"`
}

// Clone returns a deep copy of the schema.
func (s FormSchema) Clone() FormSchema {
	fields := make([]FieldSpec, len(s.Fields))
	copy(fields, s.Fields)
	return FormSchema{SubmitPath: s.SubmitPath, Fields: fields}
}

// FieldNames returns the field names in order.
func (s FormSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Validate checks that the schema has at least one field and unique, non-empty names.
func (s FormSchema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("form has no fields")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate field name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
