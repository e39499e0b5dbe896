package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/O1Intake/internal/flow"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/store"
)

// StatusCommand asks for a progress summary instead of running a turn.
const StatusCommand = "/status"

// DefaultSessionPrefix namespaces chat sessions away from web session ids.
const DefaultSessionPrefix = "wa:"

const genericFailureMessage = "Sorry, something went wrong handling your message."

// Conversation is the part of flow.Driver the chat loop needs.
type Conversation interface {
	ProcessTurn(ctx context.Context, sessionID, content string) (flow.TurnResult, error)
	Snapshot(ctx context.Context, sessionID string) (*models.ConversationState, error)
	Progress(state *models.ConversationState) models.Progress
}

// IntakeOpts configures an Intake loop.
type IntakeOpts struct {
	SessionPrefix string
}

// IntakeOption configures an Intake loop.
type IntakeOption func(*IntakeOpts)

// WithSessionPrefix sets the prefix joined to the sender's number to form a session id.
func WithSessionPrefix(prefix string) IntakeOption {
	return func(o *IntakeOpts) { o.SessionPrefix = prefix }
}

// Intake feeds inbound chat messages into the conversation driver and sends
// the replies back on the same channel.
type Intake struct {
	svc    Service
	conv   Conversation
	store  store.Store
	dedup  store.DedupRepo // nil when the store cannot deduplicate
	prefix string
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]models.Response // pending messages per session, oldest first
}

// NewIntake wires a chat Service to a Conversation. Inbound messages and
// receipts are recorded in st.
func NewIntake(svc Service, conv Conversation, st store.Store, opts ...IntakeOption) *Intake {
	cfg := IntakeOpts{SessionPrefix: DefaultSessionPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	in := &Intake{svc: svc, conv: conv, store: st, prefix: cfg.SessionPrefix, queues: make(map[string][]models.Response)}
	if repo, ok := st.(store.DedupRepo); ok {
		in.dedup = repo
	}
	return in
}

// SessionIDFor returns the session id used for a canonical sender number.
func (in *Intake) SessionIDFor(from string) string {
	return in.prefix + from
}

// Run consumes the service's channels until ctx ends or the service stops,
// then waits for in-flight turns.
func (in *Intake) Run(ctx context.Context) error {
	responses := in.svc.Responses()
	receipts := in.svc.Receipts()
	defer in.wg.Wait()
	for responses != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			in.enqueue(ctx, resp)
		case receipt, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			if err := in.store.AddReceipt(receipt); err != nil {
				slog.Error("Intake.Run: failed to store receipt", "error", err, "to", receipt.To)
			}
		}
	}
	slog.Info("Intake.Run: channels closed, stopping")
	return nil
}

// enqueue hands resp to its session's worker, starting one if the session is idle.
// Messages from one sender are handled in arrival order; sessions run in parallel.
func (in *Intake) enqueue(ctx context.Context, resp models.Response) {
	sessionID := in.SessionIDFor(resp.From)
	in.mu.Lock()
	pending, busy := in.queues[sessionID]
	in.queues[sessionID] = append(pending, resp)
	in.mu.Unlock()
	if busy {
		return
	}
	in.wg.Add(1)
	go in.drain(ctx, sessionID)
}

func (in *Intake) drain(ctx context.Context, sessionID string) {
	defer in.wg.Done()
	for {
		in.mu.Lock()
		pending := in.queues[sessionID]
		if len(pending) == 0 {
			delete(in.queues, sessionID)
			in.mu.Unlock()
			return
		}
		next := pending[0]
		in.queues[sessionID] = pending[1:]
		in.mu.Unlock()

		in.handle(ctx, next)
	}
}

// handle runs one inbound message.
func (in *Intake) handle(ctx context.Context, resp models.Response) {
	sessionID := in.SessionIDFor(resp.From)

	if resp.ID != "" && in.dedup != nil {
		fresh, err := in.dedup.RecordInbound(resp.ID, sessionID)
		if err != nil {
			slog.Warn("Intake.handle: dedup check failed, processing anyway", "error", err, "messageID", resp.ID)
		} else if !fresh {
			slog.Info("Intake.handle: dropping redelivered message", "messageID", resp.ID, "sessionID", sessionID)
			return
		}
	}
	if err := in.store.AddResponse(resp); err != nil {
		slog.Error("Intake.handle: failed to store inbound message", "error", err, "sessionID", sessionID)
	}

	reply := in.reply(ctx, sessionID, resp.Body)
	if reply != "" {
		if err := in.svc.SendMessage(ctx, resp.From, reply); err != nil {
			slog.Error("Intake.handle: failed to send reply", "error", err, "sessionID", sessionID)
		}
	}

	if resp.ID != "" && in.dedup != nil {
		if err := in.dedup.MarkProcessed(resp.ID); err != nil {
			slog.Warn("Intake.handle: failed to mark message processed", "error", err, "messageID", resp.ID)
		}
	}
}

func (in *Intake) reply(ctx context.Context, sessionID, body string) string {
	if strings.EqualFold(strings.TrimSpace(body), StatusCommand) {
		return in.status(ctx, sessionID)
	}

	result, err := in.conv.ProcessTurn(ctx, sessionID, body)
	if err != nil {
		var turnErr *flow.TurnError
		switch {
		case errors.Is(err, flow.ErrEmptyTurn):
			return ""
		case errors.As(err, &turnErr):
			slog.Warn("Intake.reply: turn failed", "sessionID", sessionID, "retryable", turnErr.Retryable(), "error", err)
			return turnErr.UserMessage()
		default:
			slog.Error("Intake.reply: turn failed", "sessionID", sessionID, "error", err)
			return genericFailureMessage
		}
	}
	if result.Completed {
		return result.Message + "\n\nAll criteria are complete and your records have been finalized."
	}
	return result.Message
}

// status renders a short progress summary for the chat channel.
func (in *Intake) status(ctx context.Context, sessionID string) string {
	state, err := in.conv.Snapshot(ctx, sessionID)
	if errors.Is(err, flow.ErrSessionNotFound) {
		return "Nothing collected yet. Tell me about your work to get started."
	}
	if err != nil {
		slog.Error("Intake.status: failed to load session", "sessionID", sessionID, "error", err)
		return genericFailureMessage
	}
	return FormatProgress(in.conv.Progress(state))
}

// FormatProgress renders progress as plain chat text.
func FormatProgress(p models.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Progress: %d%% (%d complete, %d partial, %d not started)", p.Percent, p.Complete, p.Partial, p.NotStarted)
	for _, c := range p.Criteria {
		if c.Status != models.ProgressPartial {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: missing %s", c.Name, strings.Join(c.MissingFields, ", "))
	}
	return b.String()
}
