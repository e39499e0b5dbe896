package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Payload is the structured half of an oracle response. It is untrusted:
// every value must pass through the reconciler before touching state.
type Payload struct {
	Instances []InstanceClaim `json:"criteria_instances"`
}

// InstanceClaim is what the oracle claims about one criterion.
// MissingFields and Complete are carried for diagnostics only.
type InstanceClaim struct {
	CriterionID   string         `json:"criteria_id"`
	CriterionName string         `json:"criteria_name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Fields        map[string]any `json:"fields"`
	MissingFields []string       `json:"missing_fields"`
	Complete      *bool          `json:"complete,omitempty"`
}

// FieldNames returns claimed field names sorted for deterministic iteration.
func (c InstanceClaim) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var errNotObject = errors.New("payload is not a JSON object")

var (
	instanceKeys    = []string{"criteria_instances", "criteriaInstances", "criterion_instances", "instances", "criteria"}
	idKeys          = []string{"criteria_id", "criterion_id", "criteriaId", "criterionId", "id"}
	nameKeys        = []string{"criteria_name", "criterion_name", "criteriaName", "name"}
	missingKeys     = []string{"missing_fields", "missingFields", "missing"}
	descriptionKeys = []string{"description", "criterion_description"}
)

func first(m map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// carriesInstances reports whether data is a JSON object with an instances key.
func carriesInstances(data []byte) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return false
	}
	_, ok := first(top, instanceKeys)
	return ok
}

// UnmarshalJSON decodes a payload, tolerating common deviations from the
// documented shape: alternative key names, a bare top-level array, and fields
// given as a list of {name, value} objects.
func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var list json.RawMessage
	switch {
	case len(data) > 0 && data[0] == '[':
		list = data
	case len(data) > 0 && data[0] == '{':
		var top map[string]json.RawMessage
		if err := json.Unmarshal(data, &top); err != nil {
			return err
		}
		v, ok := first(top, instanceKeys)
		if !ok {
			*p = Payload{}
			return nil
		}
		list = v
	default:
		return errNotObject
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(list, &raws); err != nil {
		return fmt.Errorf("criteria_instances: %w", err)
	}
	out := Payload{Instances: make([]InstanceClaim, 0, len(raws))}
	for i, raw := range raws {
		var claim InstanceClaim
		if err := claim.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("criteria_instances[%d]: %w", i, err)
		}
		out.Instances = append(out.Instances, claim)
	}
	*p = out
	return nil
}

// UnmarshalJSON decodes one instance claim leniently.
func (c *InstanceClaim) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var claim InstanceClaim
	if v, ok := first(m, idKeys); ok {
		claim.CriterionID = lenientString(v)
	}
	if v, ok := first(m, nameKeys); ok {
		claim.CriterionName = lenientString(v)
	}
	if v, ok := first(m, descriptionKeys); ok {
		claim.Description = lenientString(v)
	}
	if v, ok := first(m, missingKeys); ok {
		_ = json.Unmarshal(v, &claim.MissingFields)
	}
	if v, ok := m["complete"]; ok && !isNull(v) {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			claim.Complete = &b
		}
	}
	if v, ok := m["fields"]; ok && !isNull(v) {
		fields, err := decodeFields(v)
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		claim.Fields = fields
	}
	if claim.Fields == nil {
		claim.Fields = map[string]any{}
	}
	*c = claim
	return nil
}

func lenientString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

// decodeFields accepts {"name": value} or [{"name": ..., "value": ...}].
// Object values of the form {"value": v, "collected": b} are unwrapped to v.
func decodeFields(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	out := map[string]any{}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		for _, item := range items {
			name, _ := item["name"].(string)
			if name == "" {
				continue
			}
			out[name] = item["value"]
		}
		return out, nil
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	for name, v := range m {
		if obj, ok := v.(map[string]any); ok {
			if inner, has := obj["value"]; has {
				v = inner
			}
		}
		out[name] = v
	}
	return out, nil
}
