package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/O1Intake/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeState(state *models.ConversationState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session %s: %w", state.SessionID, err)
	}
	return string(data), nil
}

func decodeState(data string) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if state.Instances == nil {
		state.Instances = make(map[string]models.CriterionInstance)
	}
	return &state, nil
}

func encodeRecord(r models.FinalRecord) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record %s: %w", r.CriterionID, err)
	}
	return string(data), nil
}

func decodeRecord(data string) (models.FinalRecord, error) {
	var r models.FinalRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return r, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return r, nil
}

// sqlitePath extracts the file path from a SQLite DSN such as
// "file:/var/lib/o1intake/app.db?_foreign_keys=on".
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
