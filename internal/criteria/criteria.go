// Package criteria provides the immutable registry of O-1 evidence criteria.
//
// A registry is loaded once from an embedded YAML catalog and is safe for
// concurrent use. It never mutates after construction.
package criteria

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType identifies how a field value is typed and validated.
type FieldType string

const (
	// FieldTypeText is free-form text.
	FieldTypeText FieldType = "text"
	// FieldTypeDate is a calendar date (see fieldvalue for the accepted grammar).
	FieldTypeDate FieldType = "date"
	// FieldTypeFiles is a list of uploaded file references.
	FieldTypeFiles FieldType = "files"
	// FieldTypeFilesOrURLs is a list of uploaded file references or URLs.
	FieldTypeFilesOrURLs FieldType = "files_or_urls"
)

// ErrUnknownCriterion is returned when a criterion id is not in the registry.
var ErrUnknownCriterion = errors.New("unknown criterion")

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeDate, FieldTypeFiles, FieldTypeFilesOrURLs:
		return true
	}
	return false
}

// IsList reports whether values of this type are lists.
func (t FieldType) IsList() bool {
	return t == FieldTypeFiles || t == FieldTypeFilesOrURLs
}

// Label returns a human-readable description used in prompts.
func (t FieldType) Label() string {
	switch t {
	case FieldTypeDate:
		return "date (YYYY-MM-DD)"
	case FieldTypeFiles:
		return "uploaded file(s)"
	case FieldTypeFilesOrURLs:
		return "uploaded file(s) or URL(s)"
	default:
		return string(t)
	}
}

// FieldDefinition describes one required field of a criterion.
type FieldDefinition struct {
	Name  string    `json:"name" yaml:"name"`
	Label string    `json:"label,omitempty" yaml:"label,omitempty"`
	Type  FieldType `json:"type" yaml:"type"`
	Hint  string    `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// DisplayLabel returns the configured label or one derived from the name.
func (f FieldDefinition) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return FieldLabel(f.Name)
}

// Definition describes a criterion and the fields required to complete it.
type Definition struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	DescriptionHint string            `json:"description_hint,omitempty" yaml:"description_hint,omitempty"`
	Fields          []FieldDefinition `json:"fields" yaml:"fields"`
}

// Field returns the named field definition.
func (d Definition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// FieldNames returns field names in schema order.
func (d Definition) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

func (d Definition) clone() Definition {
	out := d
	out.Fields = append([]FieldDefinition(nil), d.Fields...)
	return out
}

// Registry holds an ordered, read-only set of criterion definitions.
type Registry struct {
	name  string
	order []string
	defs  map[string]Definition
}

// NewRegistry validates defs and builds a registry preserving their order.
func NewRegistry(name string, defs []Definition) (*Registry, error) {
	r := &Registry{name: name, defs: make(map[string]Definition, len(defs))}
	for i, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("criterion %d: id is required", i)
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("criterion %q: duplicate id", d.ID)
		}
		if len(d.Fields) == 0 {
			return nil, fmt.Errorf("criterion %q: at least one field is required", d.ID)
		}
		seen := make(map[string]bool, len(d.Fields))
		for _, f := range d.Fields {
			if strings.TrimSpace(f.Name) == "" {
				return nil, fmt.Errorf("criterion %q: field name is required", d.ID)
			}
			if f.Name == DescriptionField {
				return nil, fmt.Errorf("criterion %q: field name %q is reserved", d.ID, f.Name)
			}
			if seen[f.Name] {
				return nil, fmt.Errorf("criterion %q: duplicate field %q", d.ID, f.Name)
			}
			if !f.Type.Valid() {
				return nil, fmt.Errorf("criterion %q field %q: unknown type %q", d.ID, f.Name, f.Type)
			}
			seen[f.Name] = true
		}
		if d.Name == "" {
			d.Name = FieldLabel(d.ID)
		}
		r.defs[d.ID] = d.clone()
		r.order = append(r.order, d.ID)
	}
	if len(r.order) == 0 {
		return nil, errors.New("catalog contains no criteria")
	}
	return r, nil
}

// DescriptionField is the pseudo-field reported in missing lists when the
// instance description has not been given yet.
const DescriptionField = "description"

// Name returns the catalog name the registry was loaded from.
func (r *Registry) Name() string {
	return r.name
}

// Get returns the definition for id, or ErrUnknownCriterion.
func (r *Registry) Get(id string) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownCriterion, id)
	}
	return d.clone(), nil
}

// Has reports whether id is a registered criterion.
func (r *Registry) Has(id string) bool {
	_, ok := r.defs[id]
	return ok
}

// All returns every definition in catalog order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].clone())
	}
	return out
}

// IDs returns criterion ids in catalog order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Field looks up a single field definition.
func (r *Registry) Field(criterionID, fieldName string) (FieldDefinition, bool) {
	d, ok := r.defs[criterionID]
	if !ok {
		return FieldDefinition{}, false
	}
	return d.Field(fieldName)
}

// FieldLabel turns a snake_case field name into a title-cased label.
func FieldLabel(name string) string {
	parts := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
