package oracle

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/extraction"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/reconcile"
)

//go:embed prompts/preamble.txt
var defaultPreamble string

type schemaField struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Type   string `json:"type"`
	Format string `json:"format"`
	Hint   string `json:"hint,omitempty"`
}

type schemaCriterion struct {
	ID              string        `json:"criteria_id"`
	Name            string        `json:"criteria_name"`
	DescriptionHint string        `json:"description_hint,omitempty"`
	Fields          []schemaField `json:"fields"`
}

type stateView struct {
	Instances     []extraction.InstanceClaim `json:"criteria_instances"`
	GlobalMissing map[string][]string        `json:"global_missing"`
	UploadedFiles []string                   `json:"uploaded_files"`
}

func schemaJSON(reg *criteria.Registry) ([]byte, error) {
	var out []schemaCriterion
	for _, def := range reg.All() {
		sc := schemaCriterion{ID: def.ID, Name: def.Name, DescriptionHint: def.DescriptionHint}
		for _, f := range def.Fields {
			sc.Fields = append(sc.Fields, schemaField{
				Name:   f.Name,
				Label:  f.DisplayLabel(),
				Type:   string(f.Type),
				Format: f.Type.Label(),
				Hint:   f.Hint,
			})
		}
		out = append(out, sc)
	}
	return json.MarshalIndent(out, "", "  ")
}

// stateJSON renders instances in the same shape the oracle is asked to emit.
func stateJSON(reg *criteria.Registry, instances map[string]models.CriterionInstance, uploads []string) ([]byte, error) {
	view := stateView{
		Instances:     []extraction.InstanceClaim{},
		GlobalMissing: reconcile.GlobalMissing(reg, instances),
		UploadedFiles: append([]string{}, uploads...),
	}
	for _, id := range reg.IDs() {
		inst, ok := instances[id]
		if !ok {
			continue
		}
		complete := inst.Complete
		claim := extraction.InstanceClaim{
			CriterionID:   inst.CriterionID,
			CriterionName: inst.Name,
			Description:   inst.Description,
			Fields:        make(map[string]any, len(inst.Fields)),
			MissingFields: append([]string{}, inst.MissingFields...),
			Complete:      &complete,
		}
		for _, f := range inst.Fields {
			if f.Collected {
				claim.Fields[f.Name] = f.Value.Interface()
			} else {
				claim.Fields[f.Name] = nil
			}
		}
		view.Instances = append(view.Instances, claim)
	}
	return json.MarshalIndent(view, "", "  ")
}

const formatContract = `Response format. Follow it exactly on every reply:
1. Write a short, friendly reply for the user in plain prose. Ask for the next missing item.
2. On its own line write the delimiter ` + extraction.Delimiter + `
3. Then write one JSON object and nothing after it:
{
  "criteria_instances": [
    {
      "criteria_id": "<id from the schema>",
      "criteria_name": "<name from the schema>",
      "description": "<one-line summary the user gave, or empty>",
      "fields": { "<field name>": <value or null> },
      "missing_fields": ["<field names still missing>"],
      "complete": false
    }
  ]
}
Include only criteria the user's latest message gave new information about. Use null for anything not stated.
Text and date values are strings. File fields are arrays of strings ("uploaded:<file name>" or URLs).
If nothing new was provided, return {"criteria_instances": []}.`

// BuildSystemContext assembles the preamble, schema, current state and
// response format contract into one system message.
func BuildSystemContext(preamble string, req Request) (string, error) {
	if req.Registry == nil {
		return "", fmt.Errorf("oracle request has no registry")
	}
	if strings.TrimSpace(preamble) == "" {
		preamble = defaultPreamble
	}
	schema, err := schemaJSON(req.Registry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}
	state, err := stateJSON(req.Registry, req.Instances, req.Uploads)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(preamble))
	b.WriteString("\n\nCriteria schema (JSON):\n")
	b.Write(schema)
	b.WriteString("\n\nCurrent state (JSON). Collected values are final:\n")
	b.Write(state)
	b.WriteString("\n\n")
	b.WriteString(formatContract)
	return b.String(), nil
}
