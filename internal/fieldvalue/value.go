// Package fieldvalue implements typed field values, normalisation of untrusted
// raw values, and the per-field merge rule.
package fieldvalue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/O1Intake/internal/criteria"
)

// Kind is the shape of a Value.
type Kind string

const (
	KindText Kind = "text"
	KindDate Kind = "date"
	KindList Kind = "list"
)

// KindFor returns the value kind used for a field type.
func KindFor(t criteria.FieldType) Kind {
	switch {
	case t == criteria.FieldTypeDate:
		return KindDate
	case t.IsList():
		return KindList
	default:
		return KindText
	}
}

// Value is a normalised field value. Text and dates use Text; list types use List.
// Values serialise to a JSON string or array of strings.
type Value struct {
	Kind Kind
	Text string
	List []string
}

// Text returns a text value.
func Text(s string) *Value {
	return &Value{Kind: KindText, Text: s}
}

// Date returns a date value. The caller is responsible for the grammar; use Normalize for untrusted input.
func Date(s string) *Value {
	return &Value{Kind: KindDate, Text: s}
}

// List returns a list value.
func List(items ...string) *Value {
	return &Value{Kind: KindList, List: append([]string(nil), items...)}
}

// IsCollected reports whether v is meaningfully populated.
func IsCollected(v *Value) bool {
	if v == nil {
		return false
	}
	if v.Kind == KindList {
		return len(v.List) > 0
	}
	return strings.TrimSpace(v.Text) != ""
}

// Equal reports whether two values hold the same data.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == nil && o == nil
	}
	if (v.Kind == KindList) != (o.Kind == KindList) {
		return false
	}
	if v.Kind != KindList {
		return v.Text == o.Text
	}
	if len(v.List) != len(o.List) {
		return false
	}
	for i := range v.List {
		if v.List[i] != o.List[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := *v
	c.List = append([]string(nil), v.List...)
	return &c
}

// String renders the value for prompts and logs.
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	if v.Kind == KindList {
		return strings.Join(v.List, ", ")
	}
	return v.Text
}

// Interface returns the plain JSON shape of the value (string, []string or nil).
func (v *Value) Interface() any {
	if v == nil {
		return nil
	}
	if v.Kind == KindList {
		return append([]string(nil), v.List...)
	}
	return v.Text
}

// MarshalJSON implements json.Marshaler.
func (v *Value) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler. Strings decode as text; callers
// that know the field type should fix the kind with As.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Value{}
		return nil
	case len(data) > 0 && data[0] == '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("fieldvalue: invalid list: %w", err)
		}
		*v = Value{Kind: KindList, List: items}
		return nil
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("fieldvalue: invalid value: %w", err)
		}
		*v = Value{Kind: KindText, Text: s}
		return nil
	}
}

// As returns a copy of v with the kind implied by the field type.
func (v *Value) As(t criteria.FieldType) *Value {
	if v == nil {
		return nil
	}
	c := v.Clone()
	c.Kind = KindFor(t)
	if c.Kind == KindList && len(c.List) == 0 && c.Text != "" {
		c.List = []string{c.Text}
		c.Text = ""
	}
	return c
}

// FieldState is one field of a criterion instance.
// Collected always equals IsCollected(Value) once passed through Set.
type FieldState struct {
	Name      string             `json:"name"`
	Type      criteria.FieldType `json:"type"`
	Value     *Value             `json:"value"`
	Collected bool               `json:"collected"`
}

// NewFieldState returns an empty, uncollected field for a definition.
func NewFieldState(def criteria.FieldDefinition) FieldState {
	return FieldState{Name: def.Name, Type: def.Type}
}

// Set returns a copy of f holding v, with Collected derived from v.
func (f FieldState) Set(v *Value) FieldState {
	f.Value = v.As(f.Type)
	f.Collected = IsCollected(f.Value)
	if !f.Collected {
		f.Value = nil
	}
	return f
}

// Consistent reports whether Collected matches Value.
func (f FieldState) Consistent() bool {
	return f.Collected == IsCollected(f.Value)
}

// UnmarshalJSON restores the value kind from the field type and re-derives Collected.
func (f *FieldState) UnmarshalJSON(data []byte) error {
	type plain FieldState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FieldState(p).Set(p.Value)
	return nil
}
