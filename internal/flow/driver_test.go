package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/extraction"
	"github.com/BTreeMap/O1Intake/internal/fieldvalue"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/oracle"
	"github.com/BTreeMap/O1Intake/internal/store"
)

const testCatalog = `
name: test
criteria:
  - id: critical_role
    name: Critical Role
    fields:
      - name: start_date
        type: date
      - name: end_date
        type: date
      - name: key_responsibilities
        type: text
      - name: examples
        type: files_or_urls
  - id: membership
    name: Membership
    fields:
      - name: date_selected
        type: date
      - name: proof_of_membership
        type: files_or_urls
`

func testRegistry(t *testing.T) *criteria.Registry {
	t.Helper()
	reg, err := criteria.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("failed to parse test catalog: %v", err)
	}
	return reg
}

// scriptedExtractor replies with its responses in order; the last one repeats.
type scriptedExtractor struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []oracle.Request
	hook      func(ctx context.Context)
}

func (s *scriptedExtractor) Extract(ctx context.Context, req oracle.Request) (oracle.RawResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	err := s.err
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return oracle.RawResponse{}, err
	}
	if len(s.responses) == 0 {
		return oracle.RawResponse{Text: "Hello!"}, nil
	}
	idx := n - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return oracle.RawResponse{Text: s.responses[idx], Attempts: 1}, nil
}

func (s *scriptedExtractor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func reply(message, payload string) string {
	return message + "\n" + extraction.Delimiter + "\n" + payload
}

func newTestDriver(t *testing.T, ex oracle.Extractor, opts ...Option) (*Driver, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	d, err := NewDriver(testRegistry(t), st, ex, opts...)
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return d, st
}

func memoryDocuments() (*docstore.Service, *docstore.MemoryBackend) {
	backend := docstore.NewMemoryBackend()
	return docstore.NewService(backend, docstore.WithPollInterval(time.Millisecond)), backend
}

func mustField(t *testing.T, state *models.ConversationState, criterionID, field string) fieldvalue.FieldState {
	t.Helper()
	inst, ok := state.Instances[criterionID]
	if !ok {
		t.Fatalf("criterion %s not instantiated", criterionID)
	}
	f, ok := inst.Field(field)
	if !ok {
		t.Fatalf("field %s.%s missing", criterionID, field)
	}
	return f
}

func TestNewDriverRequiresDependencies(t *testing.T) {
	if _, err := NewDriver(nil, store.NewInMemoryStore(), &scriptedExtractor{}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewDriver(testRegistry(t), nil, &scriptedExtractor{}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewDriver(testRegistry(t), store.NewInMemoryStore(), nil); err == nil {
		t.Error("expected error without extractor")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	docs, backend := memoryDocuments()
	d, _ := newTestDriver(t, &scriptedExtractor{}, WithDocuments(docs))
	ctx := context.Background()

	first, err := d.Init(ctx, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if first.Phase != models.PhaseAwaitingFirstTurn {
		t.Fatalf("phase = %s, want %s", first.Phase, models.PhaseAwaitingFirstTurn)
	}
	if first.UserStoreID == "" {
		t.Fatal("user store not provisioned")
	}
	if name := backend.StoreName(first.UserStoreID); name != "O1 Evidence [01234567]" {
		t.Errorf("store name = %q", name)
	}

	second, err := d.Init(ctx, "0123456789abcdef")
	if err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
	if second.UserStoreID != first.UserStoreID {
		t.Errorf("second Init provisioned a new store: %s vs %s", second.UserStoreID, first.UserStoreID)
	}
	if backend.StoreCount() != 1 {
		t.Errorf("StoreCount = %d, want 1", backend.StoreCount())
	}
}

func TestInitGeneratesSessionID(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedExtractor{})
	state, err := d.Init(context.Background(), "")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if len(state.SessionID) != 36 {
		t.Errorf("expected a uuid session id, got %q", state.SessionID)
	}
}

func TestSentinelGreetsWithoutExtracting(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Hi! Let's start with your critical role.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"start_date":"2022-03"}}]}`),
	}}
	d, st := newTestDriver(t, ex)
	ctx := context.Background()

	res, err := d.ProcessTurn(ctx, "s1", extraction.SentinelInit)
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if res.Phase != models.PhaseCollecting {
		t.Errorf("phase = %s, want %s", res.Phase, models.PhaseCollecting)
	}
	if len(res.Changed) != 0 {
		t.Errorf("sentinel changed criteria: %v", res.Changed)
	}
	if res.Message != "Hi! Let's start with your critical role." {
		t.Errorf("message = %q", res.Message)
	}

	state, _ := st.GetSession(ctx, "s1")
	if len(state.Instances) != 0 {
		t.Errorf("sentinel instantiated criteria: %v", state.Instances)
	}
	if len(state.Turns) != 1 || state.Turns[0].Role != models.RoleAssistant {
		t.Fatalf("expected only the greeting turn, got %+v", state.Turns)
	}
}

func TestSentinelPurityWithPriorState(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Noted.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO at Acme","fields":{"start_date":"2022-03"}}]}`),
		reply("Welcome back!", `{"criteria_instances":[{"criteria_id":"critical_role","fields":{"end_date":"2024-01","key_responsibilities":"everything"}},{"criteria_id":"membership","description":"YC","fields":{"date_selected":"2020"}}]}`),
	}}
	d, st := newTestDriver(t, ex)
	ctx := context.Background()

	if _, err := d.ProcessTurn(ctx, "s1", "I started as CTO at Acme in March 2022."); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	before, _ := st.GetSession(ctx, "s1")

	res, err := d.ProcessTurn(ctx, "s1", extraction.SentinelInit)
	if err != nil {
		t.Fatalf("sentinel turn failed: %v", err)
	}
	if len(res.Changed) != 0 {
		t.Fatalf("sentinel changed criteria: %v", res.Changed)
	}
	after, _ := st.GetSession(ctx, "s1")
	if len(after.Instances) != len(before.Instances) {
		t.Fatalf("instances changed: %d -> %d", len(before.Instances), len(after.Instances))
	}
	if f := mustField(t, after, "critical_role", "end_date"); f.Collected {
		t.Errorf("sentinel collected end_date: %+v", f)
	}
	for _, turn := range after.Turns {
		if turn.Content == extraction.SentinelInit {
			t.Fatal("sentinel recorded in history")
		}
	}
}

func TestCriticalRoleScenario(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Great, when did it end?", `{"criteria_instances":[{"criteria_id":"critical_role","criteria_name":"Critical Role","description":"CTO at Acme","fields":{"start_date":"March 2022","end_date":null,"key_responsibilities":null,"examples":null},"missing_fields":["end_date"],"complete":false}]}`),
		reply("Thanks!", `{"criteria_instances":[{"criteria_id":"critical_role","fields":{"start_date":null,"key_responsibilities":"Led platform architecture"},"complete":true}]}`),
	}}
	d, _ := newTestDriver(t, ex)
	ctx := context.Background()

	res, err := d.ProcessTurn(ctx, "s1", "I started as CTO at Acme in March 2022.")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if f := mustField(t, res.State, "critical_role", "start_date"); !f.Collected || f.Value.Text != "2022-03" {
		t.Fatalf("start_date = %+v", f)
	}
	inst := res.State.Instances["critical_role"]
	if inst.Complete {
		t.Fatal("critical_role should not be complete")
	}
	if got := strings.Join(inst.MissingFields, ","); got != "end_date,key_responsibilities,examples" {
		t.Fatalf("missing fields after turn 1 = %s", got)
	}

	res, err = d.ProcessTurn(ctx, "s1", "I led platform architecture.")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if f := mustField(t, res.State, "critical_role", "start_date"); !f.Collected || f.Value.Text != "2022-03" {
		t.Fatalf("start_date regressed: %+v", f)
	}
	if f := mustField(t, res.State, "critical_role", "key_responsibilities"); !f.Collected || f.Value.Text != "Led platform architecture" {
		t.Fatalf("key_responsibilities = %+v", f)
	}
	if got := len(res.State.Instances["critical_role"].MissingFields); got != 2 {
		t.Fatalf("missing fields after turn 2 = %d, want 2", got)
	}
	if len(res.State.Turns) != 4 {
		t.Errorf("turns = %d, want 4", len(res.State.Turns))
	}

	// The second request carried the first exchange as history.
	if got := len(ex.requests[1].History); got != 2 {
		t.Errorf("history replayed = %d, want 2", got)
	}
}

func TestOracleFailureLeavesStateUntouched(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Noted.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"start_date":"2022-03"}}]}`),
	}}
	d, st := newTestDriver(t, ex)
	ctx := context.Background()
	if _, err := d.ProcessTurn(ctx, "s1", "CTO since March 2022"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	before, _ := st.GetSession(ctx, "s1")

	ex.err = &oracle.UnavailableError{Attempts: 2, Err: context.DeadlineExceeded}
	_, err := d.ProcessTurn(ctx, "s1", "It ended in 2024")
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("expected TurnError, got %v", err)
	}
	if !turnErr.Retryable() || !errors.Is(err, oracle.ErrOracleUnavailable) {
		t.Errorf("expected retryable oracle failure, got %v", err)
	}
	if turnErr.UserMessage() != OracleFailureMessage {
		t.Errorf("UserMessage = %q", turnErr.UserMessage())
	}

	after, _ := st.GetSession(ctx, "s1")
	if len(after.Turns) != len(before.Turns) {
		t.Fatalf("turns appended on failure: %d -> %d", len(before.Turns), len(after.Turns))
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("state saved on failure")
	}

	// Resending the same input succeeds.
	ex.err = nil
	if _, err := d.ProcessTurn(ctx, "s1", "It ended in 2024"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	retried, _ := st.GetSession(ctx, "s1")
	if len(retried.Turns) != len(before.Turns)+2 {
		t.Errorf("turns after retry = %d, want %d", len(retried.Turns), len(before.Turns)+2)
	}
}

func TestMalformedPayloadKeepsProse(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{"Tell me more.\n---JSON---\n{not json"}}
	d, _ := newTestDriver(t, ex)

	res, err := d.ProcessTurn(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if !res.Malformed {
		t.Error("expected Malformed")
	}
	if res.Message != "Tell me more." {
		t.Errorf("message = %q", res.Message)
	}
	if len(res.State.Instances) != 0 {
		t.Errorf("instances = %v", res.State.Instances)
	}
}

func TestUnknownFieldsAreDropped(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Ok.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"start_date":"2022","salary":"1M"}},{"criteria_id":"awards","fields":{"name":"Nobel"}}]}`),
	}}
	d, _ := newTestDriver(t, ex)

	res, err := d.ProcessTurn(context.Background(), "s1", "CTO since 2022, salary 1M")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if _, ok := res.State.Instances["critical_role"].Field("salary"); ok {
		t.Error("off-schema field merged")
	}
	if _, ok := res.State.Instances["awards"]; ok {
		t.Error("unknown criterion instantiated")
	}
	if len(res.Diagnostics) < 2 {
		t.Errorf("expected diagnostics for dropped claims, got %v", res.Diagnostics)
	}
}

func completeAllResponses() []string {
	return []string{
		reply("Got the role.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO at Acme","fields":{"start_date":"2022-03","end_date":"present"}}]}`),
		reply("Got responsibilities.", `{"criteria_instances":[{"criteria_id":"critical_role","fields":{"key_responsibilities":"Led platform architecture","examples":["https://acme.example/roadmap"]}}]}`),
		reply("Got membership.", `{"criteria_instances":[{"criteria_id":"membership","description":"Y Combinator","fields":{"date_selected":"2019-06","proof_of_membership":["https://ycombinator.com/companies/acme"]}}]}`),
	}
}

func TestCompletionEmitsFinalRecords(t *testing.T) {
	ex := &scriptedExtractor{responses: completeAllResponses()}
	d, st := newTestDriver(t, ex)
	ctx := context.Background()

	inputs := []string{
		"I've been CTO at Acme since March 2022.",
		"I led platform architecture, roadmap at https://acme.example/roadmap",
		"I was selected for Y Combinator in June 2019, https://ycombinator.com/companies/acme",
	}
	var res TurnResult
	var err error
	for i, in := range inputs {
		res, err = d.ProcessTurn(ctx, "s1", in)
		if err != nil {
			t.Fatalf("turn %d failed: %v", i+1, err)
		}
		if i < len(inputs)-1 && res.Phase != models.PhaseCollecting {
			t.Fatalf("turn %d phase = %s", i+1, res.Phase)
		}
	}
	if res.Phase != models.PhaseComplete || !res.Completed {
		t.Fatalf("expected COMPLETE, got %s (completed=%v)", res.Phase, res.Completed)
	}
	if len(res.Finalized) != 2 {
		t.Fatalf("finalized = %d records, want 2", len(res.Finalized))
	}
	if res.Finalized[0].CriterionID != "critical_role" || res.Finalized[1].CriterionID != "membership" {
		t.Errorf("records out of registry order: %+v", res.Finalized)
	}
	if res.Progress.Percent != 100 {
		t.Errorf("progress = %d", res.Progress.Percent)
	}

	data, err := json.Marshal(res.Finalized)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, key := range []string{"missing_fields", "collected", "complete"} {
		if strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("finalized records carry bookkeeping key %q: %s", key, data)
		}
	}

	stored, err := d.Records(ctx, "s1")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored records = %d", len(stored))
	}

	// Later turns are conversational only.
	ex.responses = append(ex.responses, reply("Anything else?", `{"criteria_instances":[{"criteria_id":"critical_role","fields":{"key_responsibilities":"something new"}}]}`))
	later, err := d.ProcessTurn(ctx, "s1", "Actually I did something new")
	if err != nil {
		t.Fatalf("post-completion turn failed: %v", err)
	}
	if later.Phase != models.PhaseComplete || later.Completed {
		t.Errorf("phase = %s completed=%v", later.Phase, later.Completed)
	}
	if f := mustField(t, later.State, "critical_role", "key_responsibilities"); f.Value.Text != "Led platform architecture" {
		t.Errorf("finalized value changed: %+v", f)
	}
	snap, _ := st.GetSession(ctx, "s1")
	if len(snap.Turns) != 8 {
		t.Errorf("turns = %d, want 8", len(snap.Turns))
	}

	if _, err := d.EditField(ctx, "s1", "critical_role", "key_responsibilities", "changed"); !errors.Is(err, ErrSessionFinalized) {
		t.Errorf("EditField after completion: %v", err)
	}
}

func TestCompletionRequiresEveryCriterion(t *testing.T) {
	ex := &scriptedExtractor{responses: completeAllResponses()[:2]}
	d, _ := newTestDriver(t, ex)
	ctx := context.Background()

	for _, in := range []string{"CTO at Acme since March 2022", "Led platform architecture, https://acme.example/roadmap"} {
		if _, err := d.ProcessTurn(ctx, "s1", in); err != nil {
			t.Fatalf("turn failed: %v", err)
		}
	}
	state, _ := d.Snapshot(ctx, "s1")
	if !state.Instances["critical_role"].Complete {
		t.Fatal("critical_role should be complete")
	}
	if state.Phase != models.PhaseCollecting {
		t.Errorf("phase = %s, untouched criteria must keep the session collecting", state.Phase)
	}
	missing := d.GlobalMissing(state)
	if len(missing["membership"]) != 3 {
		t.Errorf("membership missing = %v", missing["membership"])
	}
	if _, ok := missing["critical_role"]; ok {
		t.Error("complete criterion reported missing fields")
	}
}

func TestNotifyUploadIsFileEvidenceOnly(t *testing.T) {
	docs, backend := memoryDocuments()
	ex := &scriptedExtractor{responses: []string{
		reply("Thanks for the file.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"examples":["uploaded:roadmap.pdf","uploaded:other.pdf"],"key_responsibilities":"Led everything","start_date":"2020"}}]}`),
	}}
	d, _ := newTestDriver(t, ex, WithDocuments(docs))
	ctx := context.Background()

	res, err := d.NotifyUpload(ctx, "s1", []docstore.File{{Name: "roadmap.pdf", Reader: strings.NewReader("platform roadmap")}})
	if err != nil {
		t.Fatalf("NotifyUpload failed: %v", err)
	}
	if got := ex.requests[0].Latest; got != "[Uploaded: roadmap.pdf]" {
		t.Errorf("notification turn = %q", got)
	}
	if files := backend.StoreFiles(res.State.UserStoreID); len(files) != 1 || files[0] != "roadmap.pdf" {
		t.Errorf("indexed files = %v", files)
	}

	examples := mustField(t, res.State, "critical_role", "examples")
	if !examples.Collected || len(examples.Value.List) != 1 || examples.Value.List[0] != "uploaded:roadmap.pdf" {
		t.Errorf("examples = %+v", examples)
	}
	for _, name := range []string{"key_responsibilities", "start_date"} {
		if f := mustField(t, res.State, "critical_role", name); f.Collected {
			t.Errorf("upload turn collected text field %s: %+v", name, f)
		}
	}
	if res.State.Instances["critical_role"].Description != "" {
		t.Error("upload turn set a description")
	}
	if len(res.State.Uploads) != 1 || res.State.Uploads[0] != "roadmap.pdf" {
		t.Errorf("uploads = %v", res.State.Uploads)
	}
}

func TestNotifyUploadIndexFailureEmitsNoTurn(t *testing.T) {
	docs, backend := memoryDocuments()
	backend.FailFiles = map[string]bool{"bad.pdf": true}
	ex := &scriptedExtractor{}
	d, st := newTestDriver(t, ex, WithDocuments(docs))
	ctx := context.Background()

	_, err := d.NotifyUpload(ctx, "s1", []docstore.File{{Name: "bad.pdf", Reader: strings.NewReader("x")}})
	if !errors.Is(err, docstore.ErrIndexFailed) {
		t.Fatalf("expected ErrIndexFailed, got %v", err)
	}
	if ex.calls() != 0 {
		t.Errorf("oracle called %d times after failed indexing", ex.calls())
	}
	state, _ := st.GetSession(ctx, "s1")
	if len(state.Turns) != 0 || len(state.Uploads) != 0 {
		t.Errorf("state changed: turns=%d uploads=%v", len(state.Turns), state.Uploads)
	}
}

func TestNotifyUploadRequiresDocuments(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedExtractor{})
	_, err := d.NotifyUpload(context.Background(), "s1", []docstore.File{{Name: "a.pdf", Reader: strings.NewReader("x")}})
	if !errors.Is(err, ErrNoDocumentStore) {
		t.Errorf("expected ErrNoDocumentStore, got %v", err)
	}

	docs, _ := memoryDocuments()
	d, _ = newTestDriver(t, &scriptedExtractor{}, WithDocuments(docs))
	if _, err := d.NotifyUpload(context.Background(), "s1", nil); !errors.Is(err, docstore.ErrNoFiles) {
		t.Errorf("expected ErrNoFiles, got %v", err)
	}
}

func TestEditField(t *testing.T) {
	ex := &scriptedExtractor{responses: []string{
		reply("Noted.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"start_date":"2022-03"}}]}`),
	}}
	d, _ := newTestDriver(t, ex)
	ctx := context.Background()

	if _, err := d.EditField(ctx, "missing", "critical_role", "start_date", "2021"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := d.ProcessTurn(ctx, "s1", "CTO since March 2022"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	state, err := d.EditField(ctx, "s1", "critical_role", "start_date", "Jan 2021")
	if err != nil {
		t.Fatalf("EditField failed: %v", err)
	}
	if f := mustField(t, state, "critical_role", "start_date"); f.Value.Text != "2021-01" {
		t.Errorf("start_date = %+v", f)
	}

	if _, err := d.EditField(ctx, "s1", "critical_role", "salary", "1"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
	if _, err := d.EditField(ctx, "s1", "nope", "start_date", "2021"); !errors.Is(err, criteria.ErrUnknownCriterion) {
		t.Errorf("expected ErrUnknownCriterion, got %v", err)
	}
	var verr *fieldvalue.ValidationError
	if _, err := d.EditField(ctx, "s1", "critical_role", "start_date", "sometime"); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}

	state, err = d.EditField(ctx, "s1", "critical_role", "start_date", nil)
	if err != nil {
		t.Fatalf("clearing edit failed: %v", err)
	}
	if f := mustField(t, state, "critical_role", "start_date"); f.Collected {
		t.Errorf("start_date should be cleared: %+v", f)
	}

	// Clearing a field of a criterion never mentioned stores nothing.
	state, err = d.EditField(ctx, "s1", "membership", "date_selected", nil)
	if err != nil {
		t.Fatalf("empty edit failed: %v", err)
	}
	if _, ok := state.Instances["membership"]; ok {
		t.Error("empty edit instantiated membership")
	}
	stored, err := d.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := stored.Instances["membership"]; ok {
		t.Error("empty edit persisted a membership instance")
	}
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	var inFlight, maxInFlight int32
	ex := &scriptedExtractor{hook: func(ctx context.Context) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}}
	d, st := newTestDriver(t, ex)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.ProcessTurn(ctx, "s1", "hello"); err != nil {
				t.Errorf("ProcessTurn failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent oracle calls = %d, want 1", maxInFlight)
	}
	state, _ := st.GetSession(ctx, "s1")
	if len(state.Turns) != 10 {
		t.Errorf("turns = %d, want 10", len(state.Turns))
	}
	if d.locks.size() != 0 {
		t.Errorf("lock entries leaked: %d", d.locks.size())
	}
}

func TestWaitingTurnHonoursContext(t *testing.T) {
	d, st := newTestDriver(t, &scriptedExtractor{})
	unlock, err := d.locks.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.ProcessTurn(ctx, "s1", "hello")
	if !errors.Is(err, ErrTurnInProgress) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrTurnInProgress wrapping DeadlineExceeded, got %v", err)
	}
	if state, _ := st.GetSession(context.Background(), "s1"); state != nil {
		t.Error("waiting turn created state")
	}
}

func TestCancelAfterOracleAbortsTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &scriptedExtractor{
		responses: []string{reply("Noted.", `{"criteria_instances":[{"criteria_id":"critical_role","description":"CTO","fields":{"start_date":"2022"}}]}`)},
		hook:      func(context.Context) { cancel() },
	}
	d, st := newTestDriver(t, ex)
	if _, err := d.Init(context.Background(), "s1"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	_, err := d.ProcessTurn(ctx, "s1", "CTO since 2022")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	state, _ := st.GetSession(context.Background(), "s1")
	if len(state.Turns) != 0 || len(state.Instances) != 0 {
		t.Errorf("cancelled turn was persisted: %+v", state)
	}
}

func TestEmptyTurnRejected(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedExtractor{})
	if _, err := d.ProcessTurn(context.Background(), "s1", "   "); !errors.Is(err, ErrEmptyTurn) {
		t.Errorf("expected ErrEmptyTurn, got %v", err)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedExtractor{})
	if _, err := d.Snapshot(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
