package models

import (
	"math"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/fieldvalue"
)

// CriterionInstance is the accumulated state of one criterion for a conversation.
// MissingFields and Complete are always derived from Fields and Description.
type CriterionInstance struct {
	CriterionID   string                  `json:"criteria_id"`
	Name          string                  `json:"criteria_name"`
	Description   string                  `json:"description"`
	Fields        []fieldvalue.FieldState `json:"fields"`
	MissingFields []string                `json:"missing_fields"`
	Complete      bool                    `json:"complete"`
}

// NewCriterionInstance returns an empty instance with every schema field present and uncollected.
func NewCriterionInstance(def criteria.Definition) CriterionInstance {
	inst := CriterionInstance{
		CriterionID: def.ID,
		Name:        def.Name,
		Fields:      make([]fieldvalue.FieldState, len(def.Fields)),
	}
	for i, f := range def.Fields {
		inst.Fields[i] = fieldvalue.NewFieldState(f)
	}
	inst.Recompute()
	return inst
}

// Field returns the state of the named field.
func (c CriterionInstance) Field(name string) (fieldvalue.FieldState, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return fieldvalue.FieldState{}, false
}

// Recompute derives Collected flags, MissingFields and Complete from the field values.
func (c *CriterionInstance) Recompute() {
	missing := make([]string, 0, len(c.Fields)+1)
	for i, f := range c.Fields {
		c.Fields[i] = f.Set(f.Value)
		if !c.Fields[i].Collected {
			missing = append(missing, f.Name)
		}
	}
	if c.Description == "" {
		missing = append(missing, criteria.DescriptionField)
	}
	c.MissingFields = missing
	c.Complete = len(c.MissingFields) == 0
}

// CollectedCount returns how many schema fields hold a value.
func (c CriterionInstance) CollectedCount() int {
	n := 0
	for _, f := range c.Fields {
		if f.Collected {
			n++
		}
	}
	return n
}

// CompletionPercent returns the rounded share of collected fields.
func (c CriterionInstance) CompletionPercent() int {
	if len(c.Fields) == 0 {
		return 100
	}
	return int(math.Round(float64(c.CollectedCount()) / float64(len(c.Fields)) * 100))
}

// HasData reports whether any field or the description has been collected.
func (c CriterionInstance) HasData() bool {
	return c.Description != "" || c.CollectedCount() > 0
}

// Clone returns a deep copy.
func (c CriterionInstance) Clone() CriterionInstance {
	out := c
	out.Fields = make([]fieldvalue.FieldState, len(c.Fields))
	for i, f := range c.Fields {
		f.Value = f.Value.Clone()
		out.Fields[i] = f
	}
	out.MissingFields = append([]string{}, c.MissingFields...)
	return out
}

// Record returns the finalized shape of the instance without bookkeeping.
func (c CriterionInstance) Record() FinalRecord {
	rec := FinalRecord{
		CriterionID: c.CriterionID,
		Description: c.Description,
		Fields:      make(map[string]any, len(c.Fields)),
	}
	for _, f := range c.Fields {
		rec.Fields[f.Name] = f.Value.Interface()
	}
	return rec
}

// FinalRecord is the database-ready shape emitted once every criterion is complete.
type FinalRecord struct {
	CriterionID string         `json:"criterion_id"`
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields"`
}
