// Package reconcile merges an untrusted extraction payload into accumulated
// criterion state.
//
// Reconcile is a pure function: it never mutates its inputs and performs no I/O.
// The guarantees it enforces are:
//   - a collected field is never overwritten by an uncollected claim;
//   - a description, once set, is never replaced;
//   - criteria and fields outside the registry are dropped;
//   - values are read only from their own criterion's claim, never from hints;
//   - MissingFields and Complete are recomputed from the schema, never trusted.
package reconcile

import (
	"strings"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/extraction"
	"github.com/BTreeMap/O1Intake/internal/fieldvalue"
	"github.com/BTreeMap/O1Intake/internal/models"
)

// DiagnosticKind classifies a dropped claim.
type DiagnosticKind string

const (
	// SchemaViolation is a claim about an unknown criterion or field.
	SchemaViolation DiagnosticKind = "schema_violation"
	// ValidationError is a value that failed type normalisation.
	ValidationError DiagnosticKind = "validation_error"
	// EvidenceRejected is a value the current turn cannot support.
	EvidenceRejected DiagnosticKind = "evidence_rejected"
)

// Diagnostic describes one claim the reconciler refused to merge.
type Diagnostic struct {
	Kind        DiagnosticKind `json:"kind"`
	CriterionID string         `json:"criterion_id"`
	Field       string         `json:"field,omitempty"`
	Detail      string         `json:"detail"`
}

// Evidence describes what the current turn can support.
type Evidence struct {
	Kind extraction.TurnKind
	// Uploads are the files announced by an upload notification turn.
	Uploads []string
	// KnownFiles are all files uploaded in the session so far, including this turn.
	// When non-nil, "uploaded:" references to other files are rejected.
	KnownFiles []string
}

// EvidenceFor classifies a user turn.
func EvidenceFor(content string, knownFiles []string) Evidence {
	kind, uploads := extraction.Classify(content)
	ev := Evidence{Kind: kind, Uploads: uploads}
	if knownFiles != nil || len(uploads) > 0 {
		ev.KnownFiles = append(append([]string{}, knownFiles...), uploads...)
	}
	return ev
}

// Result is the outcome of a reconciliation.
type Result struct {
	Instances map[string]models.CriterionInstance
	// Changed lists criteria whose collected data changed, in payload order.
	Changed     []string
	Diagnostics []Diagnostic
}

// Reconcile merges payload into existing and returns the new instance map.
func Reconcile(reg *criteria.Registry, existing map[string]models.CriterionInstance, payload *extraction.Payload, ev Evidence) Result {
	res := Result{Instances: make(map[string]models.CriterionInstance, len(existing))}
	for id, inst := range existing {
		if def, err := reg.Get(id); err == nil {
			res.Instances[id] = align(def, inst)
		} else {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: SchemaViolation, CriterionID: id, Detail: "stored criterion no longer in registry"})
		}
	}
	if payload == nil {
		return res
	}
	if ev.Kind == extraction.TurnSentinel {
		if len(payload.Instances) > 0 {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: EvidenceRejected, Detail: "initialization turn carries no evidence"})
		}
		return res
	}

	changed := make(map[string]bool)
	for _, claim := range payload.Instances {
		id := strings.TrimSpace(claim.CriterionID)
		def, err := reg.Get(id)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: SchemaViolation, CriterionID: id, Detail: "unknown criterion"})
			continue
		}

		prev, had := res.Instances[id]
		var next models.CriterionInstance
		if had {
			next = prev.Clone()
		} else {
			next = models.NewCriterionInstance(def)
		}

		for _, name := range claim.FieldNames() {
			raw := claim.Fields[name]
			if name == criteria.DescriptionField {
				if claim.Description == "" {
					if s, ok := raw.(string); ok {
						claim.Description = s
					}
				}
				continue
			}
			fdef, ok := def.Field(name)
			if !ok {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: SchemaViolation, CriterionID: id, Field: name, Detail: "field not in schema"})
				continue
			}
			v, err := fieldvalue.Normalize(raw, fdef.Type)
			if err != nil {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: ValidationError, CriterionID: id, Field: name, Detail: err.Error()})
				continue
			}
			if v == nil {
				continue
			}
			v, diag := guard(ev, id, fdef, v)
			if diag != nil {
				res.Diagnostics = append(res.Diagnostics, *diag)
			}
			if v == nil {
				continue
			}
			idx := fieldIndex(next, name)
			next.Fields[idx] = fieldvalue.MergeField(next.Fields[idx], fieldvalue.NewFieldState(fdef).Set(v))
		}

		if desc := strings.TrimSpace(claim.Description); desc != "" && next.Description == "" {
			if ev.Kind == extraction.TurnUpload {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{Kind: EvidenceRejected, CriterionID: id, Field: criteria.DescriptionField, Detail: "upload notification cannot set a description"})
			} else {
				next.Description = desc
			}
		}

		next.Name = def.Name
		next.Recompute()
		if !had && !next.HasData() {
			continue
		}
		res.Instances[id] = next
		if !had || dataChanged(prev, next) {
			if !changed[id] {
				changed[id] = true
				res.Changed = append(res.Changed, id)
			}
		}
	}
	return res
}

// guard enforces the structural evidence rules for the current turn.
func guard(ev Evidence, id string, fdef criteria.FieldDefinition, v *fieldvalue.Value) (*fieldvalue.Value, *Diagnostic) {
	reject := func(detail string) *Diagnostic {
		return &Diagnostic{Kind: EvidenceRejected, CriterionID: id, Field: fdef.Name, Detail: detail}
	}

	if ev.Kind == extraction.TurnUpload && !fdef.Type.IsList() {
		return nil, reject("upload notification cannot supply " + string(fdef.Type) + " values")
	}
	if !fdef.Type.IsList() {
		return v, nil
	}

	var allowed map[string]string
	if ev.Kind == extraction.TurnUpload {
		allowed = nameSet(ev.Uploads)
	} else if ev.KnownFiles != nil {
		allowed = nameSet(ev.KnownFiles)
	}

	var kept, dropped []string
	seen := make(map[string]bool, len(v.List))
	for _, item := range v.List {
		// A bare item naming a known upload is a reference to it, whatever its extension.
		if upload, ok := allowed[strings.ToLower(strings.TrimSpace(item))]; ok {
			item = fieldvalue.UploadedPrefix + upload
		}
		name, isUpload := fieldvalue.UploadedName(item)
		switch {
		case seen[item]:
		case ev.Kind == extraction.TurnUpload && !isUpload:
			dropped = append(dropped, item)
		case isUpload && allowed != nil && allowed[strings.ToLower(name)] == "":
			dropped = append(dropped, item)
		default:
			seen[item] = true
			kept = append(kept, item)
		}
	}
	var diag *Diagnostic
	if len(dropped) > 0 {
		diag = reject("unsupported references: " + strings.Join(dropped, ", "))
	}
	if len(kept) == 0 {
		return nil, diag
	}
	return fieldvalue.List(kept...), diag
}

// nameSet maps lower-cased file names to their original spelling.
func nameSet(names []string) map[string]string {
	set := make(map[string]string, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[strings.ToLower(n)] = n
		}
	}
	return set
}

// align rebuilds an instance over the schema: fields in schema order, unknown
// fields dropped, missing fields added empty.
func align(def criteria.Definition, inst models.CriterionInstance) models.CriterionInstance {
	out := models.NewCriterionInstance(def)
	out.Description = inst.Description
	for i, fdef := range def.Fields {
		if f, ok := inst.Field(fdef.Name); ok {
			out.Fields[i] = fieldvalue.NewFieldState(fdef).Set(f.Value.Clone())
		}
	}
	out.Recompute()
	return out
}

func fieldIndex(inst models.CriterionInstance, name string) int {
	for i, f := range inst.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func dataChanged(a, b models.CriterionInstance) bool {
	if a.Description != b.Description || len(a.Fields) != len(b.Fields) {
		return true
	}
	for i := range a.Fields {
		if !a.Fields[i].Value.Equal(b.Fields[i].Value) {
			return true
		}
	}
	return false
}

// GlobalMissing returns missing field names for every registry criterion,
// including criteria never instantiated.
func GlobalMissing(reg *criteria.Registry, instances map[string]models.CriterionInstance) map[string][]string {
	out := make(map[string][]string)
	for _, def := range reg.All() {
		inst, ok := instances[def.ID]
		if !ok {
			inst = models.NewCriterionInstance(def)
		}
		if len(inst.MissingFields) > 0 {
			out[def.ID] = append([]string(nil), inst.MissingFields...)
		}
	}
	return out
}
