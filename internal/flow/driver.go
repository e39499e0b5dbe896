// Package flow drives one evidence-intake conversation per session.
//
// A turn loads the stored ConversationState, asks the oracle for a reply,
// parses and reconciles the structured payload into a new state, and persists
// that state in a single store write. Nothing is saved when any step before
// the write fails, so a failed turn can be resent as is.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/extraction"
	"github.com/BTreeMap/O1Intake/internal/fieldvalue"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/oracle"
	"github.com/BTreeMap/O1Intake/internal/reconcile"
	"github.com/BTreeMap/O1Intake/internal/store"
)

var (
	// ErrSessionNotFound is returned for operations on a session that was never initialized.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionFinalized is returned when an edit targets a completed session.
	ErrSessionFinalized = errors.New("session is complete and its records are final")
	// ErrEmptyTurn is returned for blank user input.
	ErrEmptyTurn = errors.New("turn content is empty")
	// ErrUnknownField is returned when an edit names a field outside the criterion schema.
	ErrUnknownField = errors.New("unknown field")
	// ErrNoDocumentStore is returned when uploads are attempted without a document store.
	ErrNoDocumentStore = errors.New("document store not configured")
)

// OracleFailureMessage is the inline chat text shown when a turn fails on the oracle.
const OracleFailureMessage = "Sorry, I could not reach the assistant just now. Please send your message again."

// fallbackReply is used when the oracle answered with a payload and no prose.
const fallbackReply = "Thanks, I've noted that. What else can you tell me?"

// Documents is the document store as seen by the driver. *docstore.Service implements it.
type Documents interface {
	docstore.Provisioner
	docstore.Indexer
	UploadAll(ctx context.Context, files []docstore.File) ([]string, error)
}

// TurnError reports a turn that failed before any state was written.
type TurnError struct {
	SessionID string
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed for session %s: %v", e.SessionID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Retryable reports whether resending the same input may succeed.
func (e *TurnError) Retryable() bool {
	return errors.Is(e.Err, oracle.ErrOracleUnavailable)
}

// UserMessage is the text to show in the conversation for this failure.
func (e *TurnError) UserMessage() string {
	return OracleFailureMessage
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	SessionID string       `json:"session_id"`
	Message   string       `json:"message"`
	Phase     models.Phase `json:"phase"`
	// Changed lists criteria whose collected data changed this turn.
	Changed     []string               `json:"changed"`
	Diagnostics []reconcile.Diagnostic `json:"diagnostics,omitempty"`
	// Malformed is set when the oracle's structured region could not be decoded.
	Malformed bool `json:"malformed"`
	// Completed is set on the turn that moved the session to COMPLETE.
	Completed bool                 `json:"completed"`
	Finalized []models.FinalRecord `json:"finalized,omitempty"`
	Progress  models.Progress      `json:"progress"`

	State *models.ConversationState `json:"-"`
}

// Driver runs conversation turns against a store and an oracle.
type Driver struct {
	registry  *criteria.Registry
	store     store.Store
	extractor oracle.Extractor
	docs      Documents
	locks     *sessionLocks
	now       func() time.Time
}

// Opts configures a Driver.
type Opts struct {
	Documents Documents
	Clock     func() time.Time
}

// Option configures a Driver.
type Option func(*Opts)

// WithDocuments enables store provisioning and uploads.
func WithDocuments(d Documents) Option {
	return func(o *Opts) { o.Documents = d }
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// NewDriver returns a Driver. The registry, store and extractor are required.
func NewDriver(reg *criteria.Registry, st store.Store, ex oracle.Extractor, opts ...Option) (*Driver, error) {
	if reg == nil || st == nil || ex == nil {
		return nil, fmt.Errorf("flow: registry, store and extractor are required")
	}
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Driver{
		registry:  reg,
		store:     st,
		extractor: ex,
		docs:      cfg.Documents,
		locks:     newSessionLocks(),
		now:       cfg.Clock,
	}, nil
}

// Registry returns the criteria registry the driver collects against.
func (d *Driver) Registry() *criteria.Registry {
	return d.registry
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Init provisions stores for a session and moves it to AWAITING_FIRST_TURN.
// It is idempotent: an existing session is returned unchanged. An empty
// sessionID creates a new session with a random id.
func (d *Driver) Init(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	unlock, err := d.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.ensure(ctx, sessionID)
}

// ensure loads a session, initializing it when absent. Callers hold the session lock.
func (d *Driver) ensure(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	state, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state != nil && state.Phase != models.PhaseUninitialized {
		return state, nil
	}
	if state == nil {
		state = models.NewConversationState(sessionID)
	}

	if d.docs != nil {
		stores, err := d.docs.EnsureStores(ctx, sessionID)
		if err != nil {
			slog.Error("Driver.ensure: store provisioning failed", "sessionID", sessionID, "error", err)
			return nil, fmt.Errorf("failed to provision stores: %w", err)
		}
		state.UserStoreID = stores.UserStoreID
		state.ReferenceStoreID = stores.ReferenceStoreID
	}
	state.Phase = models.PhaseAwaitingFirstTurn
	state.UpdatedAt = d.now()
	if err := d.store.SaveSession(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("Driver.ensure: session initialized", "sessionID", sessionID, "userStoreID", state.UserStoreID, "referenceStoreID", state.ReferenceStoreID)
	return state, nil
}

// ProcessTurn runs one user turn. The initialization sentinel produces the
// greeting and is never recorded as a user turn.
func (d *Driver) ProcessTurn(ctx context.Context, sessionID, content string) (TurnResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return TurnResult{}, ErrEmptyTurn
	}
	unlock, err := d.locks.acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	state, err := d.ensure(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	return d.turn(ctx, state, content)
}

// turn computes and persists the state after content. Callers hold the session lock.
func (d *Driver) turn(ctx context.Context, state *models.ConversationState, content string) (TurnResult, error) {
	sessionID := state.SessionID
	ev := reconcile.EvidenceFor(content, append([]string{}, state.Uploads...))
	slog.Debug("Driver.turn: processing", "sessionID", sessionID, "phase", state.Phase, "kind", ev.Kind, "length", len(content))

	raw, err := d.extractor.Extract(ctx, oracle.Request{
		Registry:  d.registry,
		Instances: state.Instances,
		History:   state.Turns,
		Latest:    content,
		Uploads:   state.Uploads,
		Stores:    docstore.Stores{UserStoreID: state.UserStoreID, ReferenceStoreID: state.ReferenceStoreID},
	})
	if err != nil {
		slog.Error("Driver.turn: oracle failed", "sessionID", sessionID, "error", err)
		return TurnResult{}, &TurnError{SessionID: sessionID, Err: err}
	}

	parsed := extraction.Parse(raw.Text)
	if parsed.Malformed {
		slog.Warn("Driver.turn: malformed oracle payload, keeping prose only", "sessionID", sessionID)
	}
	message := parsed.Message
	if message == "" {
		message = fallbackReply
	}

	next := state.Clone()
	result := TurnResult{SessionID: sessionID, Message: message, Malformed: parsed.Malformed}

	if next.Phase != models.PhaseComplete {
		rec := reconcile.Reconcile(d.registry, next.Instances, parsed.Payload, ev)
		next.Instances = rec.Instances
		result.Changed = rec.Changed
		result.Diagnostics = rec.Diagnostics
		for _, diag := range rec.Diagnostics {
			slog.Warn("Driver.turn: claim dropped", "sessionID", sessionID, "kind", diag.Kind, "criterionID", diag.CriterionID, "field", diag.Field, "detail", diag.Detail)
		}
	} else if parsed.Payload != nil && len(parsed.Payload.Instances) > 0 {
		slog.Debug("Driver.turn: session complete, ignoring payload", "sessionID", sessionID, "claims", len(parsed.Payload.Instances))
	}

	now := d.now()
	if ev.Kind != extraction.TurnSentinel {
		next.Turns = append(next.Turns, models.Turn{Role: models.RoleUser, Content: content, Timestamp: now})
	}
	next.Turns = append(next.Turns, models.Turn{Role: models.RoleAssistant, Content: message, Timestamp: now})

	if next.Phase == models.PhaseAwaitingFirstTurn || next.Phase == models.PhaseUninitialized {
		next.Phase = models.PhaseCollecting
		slog.Info("Driver.turn: conversation started", "sessionID", sessionID)
	}
	result.Completed = d.maybeComplete(next)
	next.UpdatedAt = now

	if err := ctx.Err(); err != nil {
		return TurnResult{}, &TurnError{SessionID: sessionID, Err: err}
	}
	if err := d.store.SaveSession(ctx, next); err != nil {
		slog.Error("Driver.turn: failed to save session", "sessionID", sessionID, "error", err)
		return TurnResult{}, fmt.Errorf("failed to save session: %w", err)
	}

	d.logRecords(next, result.Changed)
	result.Phase = next.Phase
	result.Finalized = next.Finalized
	result.Progress = next.ComputeProgress(d.registry)
	result.State = next
	slog.Info("Driver.turn: turn processed", "sessionID", sessionID, "phase", next.Phase, "changed", len(result.Changed), "percent", result.Progress.Percent)
	return result, nil
}

// maybeComplete moves a collecting session to COMPLETE once every registry
// criterion is complete, and freezes the finalized records.
func (d *Driver) maybeComplete(state *models.ConversationState) bool {
	if state.Phase != models.PhaseCollecting || !state.AllComplete(d.registry) {
		return false
	}
	state.Phase = models.PhaseComplete
	state.Finalized = state.FinalRecords(d.registry)
	slog.Info("Driver.maybeComplete: all criteria complete, records finalized", "sessionID", state.SessionID, "records", len(state.Finalized))
	return true
}

// logRecords emits the database-ready shape of every changed criterion.
func (d *Driver) logRecords(state *models.ConversationState, changed []string) {
	for _, id := range changed {
		inst, ok := state.Instances[id]
		if !ok {
			continue
		}
		data, err := json.Marshal(inst.Record())
		if err != nil {
			slog.Warn("Driver.logRecords: failed to encode record", "criterionID", id, "error", err)
			continue
		}
		slog.Info("Driver.logRecords: database-ready record", "sessionID", state.SessionID, "criterionID", id, "complete", inst.Complete, "record", string(data))
	}
}

// NotifyUpload uploads files into the session's evidence store, waits for
// indexing, and then runs the upload-notification turn. No turn is emitted
// when uploading or indexing fails.
func (d *Driver) NotifyUpload(ctx context.Context, sessionID string, files []docstore.File) (TurnResult, error) {
	if d.docs == nil {
		return TurnResult{}, ErrNoDocumentStore
	}
	if len(files) == 0 {
		return TurnResult{}, docstore.ErrNoFiles
	}
	unlock, err := d.locks.acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	state, err := d.ensure(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if state.UserStoreID == "" {
		stores, err := d.docs.EnsureStores(ctx, sessionID)
		if err != nil {
			return TurnResult{}, fmt.Errorf("failed to provision stores: %w", err)
		}
		state.UserStoreID = stores.UserStoreID
		state.ReferenceStoreID = stores.ReferenceStoreID
	}

	ids, err := d.docs.UploadAll(ctx, files)
	if err != nil {
		slog.Error("Driver.NotifyUpload: upload failed", "sessionID", sessionID, "files", len(files), "error", err)
		return TurnResult{}, fmt.Errorf("failed to upload files: %w", err)
	}
	if _, err := d.docs.Index(ctx, state.UserStoreID, ids); err != nil {
		slog.Error("Driver.NotifyUpload: indexing failed", "sessionID", sessionID, "storeID", state.UserStoreID, "error", err)
		return TurnResult{}, fmt.Errorf("failed to index files: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
		if !containsFold(state.Uploads, f.Name) {
			state.Uploads = append(state.Uploads, f.Name)
		}
	}
	slog.Info("Driver.NotifyUpload: files indexed", "sessionID", sessionID, "files", names)

	res, err := d.turn(ctx, state, extraction.FormatUploadNotification(names))
	var turnErr *TurnError
	if errors.As(err, &turnErr) && ctx.Err() == nil {
		// The files are searchable even though the turn failed; keep the upload list.
		state.UpdatedAt = d.now()
		if saveErr := d.store.SaveSession(ctx, state); saveErr != nil {
			slog.Error("Driver.NotifyUpload: failed to record uploads", "sessionID", sessionID, "error", saveErr)
		}
	}
	return res, err
}

// EditField explicitly sets one field or the description. It is the only way
// to clear a collected value and is refused once the session is complete. A nil
// value clears the field.
func (d *Driver) EditField(ctx context.Context, sessionID, criterionID, field string, value any) (*models.ConversationState, error) {
	def, err := d.registry.Get(criterionID)
	if err != nil {
		return nil, err
	}
	unlock, err := d.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state == nil {
		return nil, ErrSessionNotFound
	}
	if state.Complete() {
		return nil, ErrSessionFinalized
	}

	next := state.Clone()
	inst, ok := next.Instances[criterionID]
	if !ok {
		inst = models.NewCriterionInstance(def)
	}
	if field == criteria.DescriptionField {
		s, _ := value.(string)
		inst.Description = strings.TrimSpace(s)
	} else {
		fdef, ok := def.Field(field)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, criterionID, field)
		}
		v, err := fieldvalue.Normalize(value, fdef.Type)
		if err != nil {
			return nil, err
		}
		for i := range inst.Fields {
			if inst.Fields[i].Name == field {
				inst.Fields[i] = fieldvalue.Replace(inst.Fields[i], v)
			}
		}
	}
	inst.Recompute()
	if !ok && !inst.HasData() {
		slog.Debug("Driver.EditField: empty edit on uninstantiated criterion", "sessionID", sessionID, "criterionID", criterionID, "field", field)
		return state, nil
	}
	next.Instances[criterionID] = inst

	if next.Phase == models.PhaseAwaitingFirstTurn {
		next.Phase = models.PhaseCollecting
	}
	d.maybeComplete(next)
	next.UpdatedAt = d.now()
	if err := d.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("Driver.EditField: field edited", "sessionID", sessionID, "criterionID", criterionID, "field", field)
	d.logRecords(next, []string{criterionID})
	return next, nil
}

// Snapshot returns the stored state of a session.
func (d *Driver) Snapshot(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	state, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state == nil {
		return nil, ErrSessionNotFound
	}
	return state, nil
}

// Progress reports completion for every registry criterion.
func (d *Driver) Progress(state *models.ConversationState) models.Progress {
	return state.ComputeProgress(d.registry)
}

// GlobalMissing returns the missing fields of every incomplete registry criterion.
func (d *Driver) GlobalMissing(state *models.ConversationState) map[string][]string {
	return reconcile.GlobalMissing(d.registry, state.Instances)
}

// Records returns the finalized records of a completed session.
func (d *Driver) Records(ctx context.Context, sessionID string) ([]models.FinalRecord, error) {
	return d.store.FinalRecords(ctx, sessionID)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
