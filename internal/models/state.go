package models

import (
	"time"

	"github.com/BTreeMap/O1Intake/internal/criteria"
)

// Phase is the lifecycle position of a conversation.
type Phase string

const (
	// PhaseUninitialized means no session has been created yet.
	PhaseUninitialized Phase = "UNINITIALIZED"
	// PhaseAwaitingFirstTurn means stores are provisioned and the greeting has not been sent.
	PhaseAwaitingFirstTurn Phase = "AWAITING_FIRST_TURN"
	// PhaseCollecting means the assistant is gathering evidence.
	PhaseCollecting Phase = "COLLECTING"
	// PhaseComplete means every criterion is complete and records are finalized.
	PhaseComplete Phase = "COMPLETE"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the persisted state of one intake session.
type ConversationState struct {
	SessionID        string                       `json:"session_id"`
	Phase            Phase                        `json:"phase"`
	Turns            []Turn                       `json:"turns"`
	Instances        map[string]CriterionInstance `json:"instances"`
	Finalized        []FinalRecord                `json:"finalized,omitempty"`
	Uploads          []string                     `json:"uploads,omitempty"`
	UserStoreID      string                       `json:"user_store_id,omitempty"`
	ReferenceStoreID string                       `json:"reference_store_id,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// NewConversationState returns an uninitialized state for a session.
func NewConversationState(sessionID string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		SessionID: sessionID,
		Phase:     PhaseUninitialized,
		Instances: make(map[string]CriterionInstance),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can compute a new state without touching the original.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	out.Instances = make(map[string]CriterionInstance, len(s.Instances))
	for id, inst := range s.Instances {
		out.Instances[id] = inst.Clone()
	}
	out.Finalized = append([]FinalRecord(nil), s.Finalized...)
	out.Uploads = append([]string(nil), s.Uploads...)
	return &out
}

// Complete reports whether the session has reached its terminal phase.
func (s *ConversationState) Complete() bool {
	return s.Phase == PhaseComplete
}

// OrderedInstances returns instantiated criteria in registry order.
func (s *ConversationState) OrderedInstances(reg *criteria.Registry) []CriterionInstance {
	var out []CriterionInstance
	for _, id := range reg.IDs() {
		if inst, ok := s.Instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// Window returns the most recent n turns. A non-positive n returns all turns.
func (s *ConversationState) Window(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return append([]Turn(nil), s.Turns...)
	}
	return append([]Turn(nil), s.Turns[len(s.Turns)-n:]...)
}

// CriterionProgress summarises one criterion for progress reporting.
type CriterionProgress struct {
	CriterionID   string   `json:"criterion_id"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	Percent       int      `json:"percent"`
	MissingFields []string `json:"missing_fields"`
}

// Progress statuses.
const (
	ProgressNotStarted = "not_started"
	ProgressPartial    = "partial"
	ProgressComplete   = "complete"
)

// Progress is the global completeness view across every registry criterion.
type Progress struct {
	Phase      Phase               `json:"phase"`
	Percent    int                 `json:"percent"`
	Complete   int                 `json:"complete"`
	Partial    int                 `json:"partial"`
	NotStarted int                 `json:"not_started"`
	Criteria   []CriterionProgress `json:"criteria"`
}

// ComputeProgress reports completeness for every registry criterion,
// including ones never mentioned in the conversation.
func (s *ConversationState) ComputeProgress(reg *criteria.Registry) Progress {
	p := Progress{Phase: s.Phase}
	var collected, total int
	for _, def := range reg.All() {
		inst, ok := s.Instances[def.ID]
		if !ok {
			inst = NewCriterionInstance(def)
		}
		cp := CriterionProgress{
			CriterionID:   def.ID,
			Name:          def.Name,
			Percent:       inst.CompletionPercent(),
			MissingFields: append([]string{}, inst.MissingFields...),
		}
		switch {
		case inst.Complete:
			cp.Status = ProgressComplete
			p.Complete++
		case inst.HasData():
			cp.Status = ProgressPartial
			p.Partial++
		default:
			cp.Status = ProgressNotStarted
			p.NotStarted++
		}
		collected += inst.CollectedCount()
		total += len(inst.Fields)
		p.Criteria = append(p.Criteria, cp)
	}
	if total > 0 {
		p.Percent = collected * 100 / total
	}
	return p
}

// AllComplete reports whether every registry criterion is instantiated and complete.
func (s *ConversationState) AllComplete(reg *criteria.Registry) bool {
	for _, id := range reg.IDs() {
		inst, ok := s.Instances[id]
		if !ok || !inst.Complete {
			return false
		}
	}
	return true
}

// FinalRecords returns one record per registry criterion in registry order.
func (s *ConversationState) FinalRecords(reg *criteria.Registry) []FinalRecord {
	out := make([]FinalRecord, 0, len(reg.IDs()))
	for _, id := range reg.IDs() {
		if inst, ok := s.Instances[id]; ok {
			out = append(out, inst.Record())
		}
	}
	return out
}
