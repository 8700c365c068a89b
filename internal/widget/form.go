package widget

import (
	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/protocol"
)

// secretEcho replaces the value of secret fields in the visitor's own turn.
const secretEcho = "••••••"

// form is the active input schema and the values typed into it.
type form struct {
	endpoint string
	url      string
	schema   domain.FormSchema
	values   map[string]string
}

func newForm(endpoint string, initial domain.FormSchema) *form {
	f := &form{endpoint: endpoint}
	f.apply(initial)
	// Until the server dictates a path, turns go to the bare endpoint.
	f.url = endpoint
	return f
}

// apply replaces the fields with exactly schema.Fields and recomputes the
// submission URL.
func (f *form) apply(schema domain.FormSchema) {
	f.schema = schema.Clone()
	f.url = f.endpoint + schema.SubmitPath
	f.values = make(map[string]string, len(schema.Fields))
	for _, field := range schema.Fields {
		f.values[field.Name] = field.Value
	}
}

// fill sets values of fields present in the schema; unknown names are ignored.
func (f *form) fill(values map[string]string) {
	for name, value := range values {
		if _, ok := f.values[name]; ok {
			f.values[name] = value
		}
	}
}

// fillPrimary sets the first field.
func (f *form) fillPrimary(value string) {
	if len(f.schema.Fields) == 0 {
		return
	}
	f.values[f.schema.Fields[0].Name] = value
}

// validateNonEmpty returns false if any field's current value is empty.
func (f *form) validateNonEmpty() bool {
	for _, field := range f.schema.Fields {
		if f.values[field.Name] == "" {
			return false
		}
	}
	return true
}

// requestFields returns the field values in schema order.
func (f *form) requestFields() []protocol.FormField {
	fields := make([]protocol.FormField, 0, len(f.schema.Fields)+2)
	for _, field := range f.schema.Fields {
		fields = append(fields, protocol.FormField{Name: field.Name, Value: f.values[field.Name]})
	}
	return fields
}

// echo is the text recorded as the visitor's turn: the first field's value,
// masked for secret fields.
func (f *form) echo() string {
	if len(f.schema.Fields) == 0 {
		return ""
	}
	first := f.schema.Fields[0]
	value := f.values[first.Name]
	if value != "" && first.IsSecret() {
		return secretEcho
	}
	return value
}

// current returns the schema with the current values as field values.
func (f *form) current() domain.FormSchema {
	s := f.schema.Clone()
	for i := range s.Fields {
		s.Fields[i].Value = f.values[s.Fields[i].Name]
	}
	return s
}
