package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/O1Intake/internal/flow"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/oracle"
	"github.com/BTreeMap/O1Intake/internal/store"
)

type fakeService struct {
	mu        sync.Mutex
	sent      []string
	receipts  chan models.Receipt
	responses chan models.Response
}

func newFakeService() *fakeService {
	return &fakeService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.Response, 10),
	}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }
func (f *fakeService) Start(ctx context.Context) error                           { return nil }
func (f *fakeService) Stop() error                                               { return nil }
func (f *fakeService) Receipts() <-chan models.Receipt                           { return f.receipts }
func (f *fakeService) Responses() <-chan models.Response                         { return f.responses }

func (f *fakeService) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+": "+body)
	return nil
}

func (f *fakeService) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeConversation struct {
	mu       sync.Mutex
	turns    []string
	result   flow.TurnResult
	err      error
	state    *models.ConversationState
	progress models.Progress
}

func (c *fakeConversation) ProcessTurn(ctx context.Context, sessionID, content string) (flow.TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, sessionID+"|"+content)
	return c.result, c.err
}

func (c *fakeConversation) Snapshot(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	if c.state == nil {
		return nil, flow.ErrSessionNotFound
	}
	return c.state, nil
}

func (c *fakeConversation) Progress(state *models.ConversationState) models.Progress {
	return c.progress
}

func TestIntakeRepliesWithTurnMessage(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{result: flow.TurnResult{Message: "When did you start?"}}
	st := store.NewInMemoryStore()
	in := NewIntake(svc, conv, st)

	in.handle(context.Background(), models.Response{ID: "m1", From: "15551234567", Body: "I led the platform team"})

	if len(conv.turns) != 1 || conv.turns[0] != "wa:15551234567|I led the platform team" {
		t.Fatalf("unexpected turns: %v", conv.turns)
	}
	sent := svc.messages()
	if len(sent) != 1 || sent[0] != "15551234567: When did you start?" {
		t.Fatalf("unexpected replies: %v", sent)
	}
	responses, _ := st.GetResponses()
	if len(responses) != 1 {
		t.Errorf("expected inbound message recorded, got %d", len(responses))
	}
}

func TestIntakeDropsRedeliveries(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{result: flow.TurnResult{Message: "ok"}}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	msg := models.Response{ID: "SM1", From: "15551234567", Body: "hello"}
	in.handle(context.Background(), msg)
	in.handle(context.Background(), msg)

	if len(conv.turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(conv.turns))
	}
	if len(svc.messages()) != 1 {
		t.Fatalf("expected one reply, got %d", len(svc.messages()))
	}
}

func TestIntakeMessagesWithoutIDAreNotDeduplicated(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{result: flow.TurnResult{Message: "ok"}}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	msg := models.Response{From: "15551234567", Body: "hello"}
	in.handle(context.Background(), msg)
	in.handle(context.Background(), msg)
	if len(conv.turns) != 2 {
		t.Fatalf("expected two turns, got %d", len(conv.turns))
	}
}

func TestIntakeTurnErrorShowsInlineMessage(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{err: &flow.TurnError{SessionID: "wa:1", Err: oracle.ErrOracleUnavailable}}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	in.handle(context.Background(), models.Response{From: "15551234567", Body: "hello"})

	sent := svc.messages()
	if len(sent) != 1 || !strings.HasSuffix(sent[0], flow.OracleFailureMessage) {
		t.Fatalf("expected oracle failure message, got %v", sent)
	}
}

func TestIntakeOtherErrorsShowGenericMessage(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{err: errors.New("disk full")}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	in.handle(context.Background(), models.Response{From: "15551234567", Body: "hello"})
	sent := svc.messages()
	if len(sent) != 1 || !strings.HasSuffix(sent[0], genericFailureMessage) {
		t.Fatalf("expected generic failure message, got %v", sent)
	}
}

func TestIntakeCompletionNotice(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{result: flow.TurnResult{Message: "Thanks.", Completed: true}}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	in.handle(context.Background(), models.Response{From: "15551234567", Body: "done"})
	sent := svc.messages()
	if len(sent) != 1 || !strings.Contains(sent[0], "finalized") {
		t.Fatalf("expected completion notice, got %v", sent)
	}
}

func TestIntakeStatusCommand(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	in.handle(context.Background(), models.Response{From: "15551234567", Body: "/status"})
	if len(conv.turns) != 0 {
		t.Fatalf("status must not run a turn, got %v", conv.turns)
	}
	if sent := svc.messages(); len(sent) != 1 || !strings.Contains(sent[0], "Nothing collected yet") {
		t.Fatalf("unexpected status reply: %v", sent)
	}

	conv.state = models.NewConversationState("wa:15551234567")
	conv.progress = models.Progress{
		Percent:  50,
		Complete: 1,
		Partial:  1,
		Criteria: []models.CriterionProgress{
			{Name: "Critical Role", Status: models.ProgressPartial, MissingFields: []string{"end_date"}},
			{Name: "Membership", Status: models.ProgressComplete},
		},
	}
	in.handle(context.Background(), models.Response{From: "15551234567", Body: " /STATUS "})
	sent := svc.messages()
	if len(sent) != 2 {
		t.Fatalf("expected two replies, got %v", sent)
	}
	if !strings.Contains(sent[1], "50%") || !strings.Contains(sent[1], "Critical Role: missing end_date") {
		t.Errorf("unexpected progress text: %q", sent[1])
	}
	if strings.Contains(sent[1], "Membership") {
		t.Errorf("complete criteria should not be listed: %q", sent[1])
	}
}

func TestIntakeRunRecordsReceiptsAndStopsOnClose(t *testing.T) {
	svc := newFakeService()
	conv := &fakeConversation{result: flow.TurnResult{Message: "ok"}}
	st := store.NewInMemoryStore()
	in := NewIntake(svc, conv, st, WithSessionPrefix("chat:"))

	svc.receipts <- models.Receipt{To: "15551234567", Status: models.MessageStatusDelivered}
	svc.responses <- models.Response{From: "15551234567", Body: "hello"}
	close(svc.receipts)
	close(svc.responses)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	receipts, _ := st.GetReceipts()
	if len(receipts) != 1 || receipts[0].Status != models.MessageStatusDelivered {
		t.Errorf("unexpected receipts: %+v", receipts)
	}
	if len(conv.turns) != 1 || conv.turns[0] != "chat:15551234567|hello" {
		t.Errorf("unexpected turns: %v", conv.turns)
	}
}

// gatedConversation blocks the first turn until release is closed.
type gatedConversation struct {
	fakeConversation
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedConversation) ProcessTurn(ctx context.Context, sessionID, content string) (flow.TurnResult, error) {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.started)
		<-c.release
	}
	return c.fakeConversation.ProcessTurn(ctx, sessionID, content)
}

func (c *gatedConversation) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.turns...)
}

func TestIntakeRunKeepsPerSenderOrder(t *testing.T) {
	svc := newFakeService()
	conv := &gatedConversation{
		fakeConversation: fakeConversation{result: flow.TurnResult{Message: "ok"}},
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	in := NewIntake(svc, conv, store.NewInMemoryStore())

	done := make(chan error, 1)
	go func() { done <- in.Run(context.Background()) }()

	svc.responses <- models.Response{ID: "m1", From: "15551234567", Body: "first"}
	<-conv.started
	svc.responses <- models.Response{ID: "m2", From: "15551234567", Body: "second"}
	svc.responses <- models.Response{ID: "m3", From: "15557654321", Body: "other sender"}

	// The other sender is not held up by the blocked session.
	deadline := time.After(2 * time.Second)
	for len(conv.recorded()) < 1 {
		select {
		case <-deadline:
			t.Fatal("other sender's turn did not run while the first session was busy")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := conv.recorded(); got[0] != "wa:15557654321|other sender" {
		t.Fatalf("second message overtook the first: %v", got)
	}

	close(conv.release)
	close(svc.responses)
	close(svc.receipts)
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	want := []string{"wa:15557654321|other sender", "wa:15551234567|first", "wa:15551234567|second"}
	got := conv.recorded()
	if len(got) != len(want) {
		t.Fatalf("turns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turns = %v, want %v", got, want)
		}
	}
}

func TestIntakeRunReturnsOnCancel(t *testing.T) {
	in := NewIntake(newFakeService(), &fakeConversation{}, store.NewInMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := in.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
