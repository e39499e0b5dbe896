// Package oracle asks the language model for the next assistant reply and a
// structured extraction of the user's latest turn.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/genai"
	"github.com/BTreeMap/O1Intake/internal/models"
)

const (
	// DefaultHistoryWindow is how many recent turns are replayed.
	DefaultHistoryWindow = 12
	// DefaultTimeout bounds one oracle attempt.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxToolRounds bounds the search tool loop.
	DefaultMaxToolRounds = 4
	// SearchToolName is the function exposed for document search.
	SearchToolName = "search_documents"
)

// ErrOracleUnavailable is the sentinel matched by every UnavailableError.
var ErrOracleUnavailable = errors.New("extraction oracle unavailable")

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("oracle returned an empty response")

// UnavailableError reports that the oracle could not produce a response.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrOracleUnavailable, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrOracleUnavailable }

// Retryable reports that the caller may resubmit the same turn.
func (e *UnavailableError) Retryable() bool { return true }

// Generator is the chat transport. *genai.Client implements it.
type Generator interface {
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error)
}

// Request is everything the oracle sees for one turn.
type Request struct {
	Registry  *criteria.Registry
	Instances map[string]models.CriterionInstance
	// History is the conversation so far, oldest first, excluding Latest.
	History []models.Turn
	Latest  string
	Uploads []string
	Stores  docstore.Stores
}

// RawResponse is the unparsed oracle reply.
type RawResponse struct {
	Text       string
	Attempts   int
	ToolRounds int
}

// Extractor is the oracle as seen by the conversation driver.
type Extractor interface {
	Extract(ctx context.Context, req Request) (RawResponse, error)
}

// Adapter implements Extractor on a Generator.
type Adapter struct {
	gen           Generator
	searcher      docstore.Searcher
	preamble      string
	window        int
	timeout       time.Duration
	retries       int
	maxToolRounds int
}

// Opts configures an Adapter.
type Opts struct {
	Searcher      docstore.Searcher
	Preamble      string
	HistoryWindow int
	Timeout       time.Duration
	Retries       int
	MaxToolRounds int
}

// Option configures an Adapter.
type Option func(*Opts)

// WithSearcher enables the document search tool.
func WithSearcher(s docstore.Searcher) Option {
	return func(o *Opts) { o.Searcher = s }
}

// WithPreamble replaces the built-in instruction preamble.
func WithPreamble(text string) Option {
	return func(o *Opts) { o.Preamble = text }
}

// WithHistoryWindow sets how many recent turns are replayed.
func WithHistoryWindow(n int) Option {
	return func(o *Opts) { o.HistoryWindow = n }
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetries sets how many times a retryable failure is retried.
func WithRetries(n int) Option {
	return func(o *Opts) { o.Retries = n }
}

// WithMaxToolRounds bounds the search tool loop.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) { o.MaxToolRounds = n }
}

// NewAdapter returns an Adapter with one retry and the default window and timeout.
func NewAdapter(gen Generator, opts ...Option) *Adapter {
	cfg := Opts{
		HistoryWindow: DefaultHistoryWindow,
		Timeout:       DefaultTimeout,
		Retries:       1,
		MaxToolRounds: DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Adapter{
		gen:           gen,
		searcher:      cfg.Searcher,
		preamble:      cfg.Preamble,
		window:        cfg.HistoryWindow,
		timeout:       cfg.Timeout,
		retries:       cfg.Retries,
		maxToolRounds: cfg.MaxToolRounds,
	}
}

// LoadPreamble reads a preamble override from disk.
func LoadPreamble(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read preamble file: %w", err)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("preamble file is empty: %s", path)
	}
	slog.Info("oracle.LoadPreamble: preamble loaded", "file", path, "length", len(text))
	return text, nil
}

// Messages builds the chat message list for a request.
func (a *Adapter) Messages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	system, err := BuildSystemContext(a.preamble, req)
	if err != nil {
		return nil, err
	}
	history := req.History
	if a.window > 0 && len(history) > a.window {
		history = history[len(history)-a.window:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(system))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Latest))
	return messages, nil
}

// Extract runs one oracle call with a per-attempt timeout and bounded retries.
func (a *Adapter) Extract(ctx context.Context, req Request) (RawResponse, error) {
	messages, err := a.Messages(req)
	if err != nil {
		return RawResponse{}, err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= a.retries; attempt++ {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		text, rounds, err := a.run(attemptCtx, messages, req.Stores)
		cancel()
		if err == nil {
			slog.Debug("Adapter.Extract: oracle responded", "attempt", attempts, "toolRounds", rounds, "length", len(text))
			return RawResponse{Text: text, Attempts: attempts, ToolRounds: rounds}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !retryable(err) {
			slog.Warn("Adapter.Extract: non-retryable oracle failure", "attempt", attempts, "error", err)
			break
		}
		slog.Warn("Adapter.Extract: oracle attempt failed", "attempt", attempts, "error", err)
	}
	return RawResponse{}, &UnavailableError{Attempts: attempts, Err: lastErr}
}

func (a *Adapter) run(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, stores docstore.Stores) (string, int, error) {
	var tools []openai.ChatCompletionToolParam
	if a.searcher != nil {
		tools = []openai.ChatCompletionToolParam{searchToolDefinition()}
	}
	msgs := append([]openai.ChatCompletionMessageParamUnion(nil), messages...)

	for round := 0; ; round++ {
		offer := tools
		if round >= a.maxToolRounds {
			offer = nil
		}
		resp, err := a.gen.GenerateWithTools(ctx, msgs, offer)
		if err != nil {
			return "", round, err
		}
		if !resp.HasToolCalls() || offer == nil {
			if strings.TrimSpace(resp.Content) == "" {
				return "", round, ErrEmptyResponse
			}
			return resp.Content, round, nil
		}

		assistant := openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(resp.Content),
			},
		}
		for _, call := range resp.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   call.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Function.Name,
					Arguments: string(call.Function.Arguments),
				},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		for _, call := range resp.ToolCalls {
			msgs = append(msgs, openai.ToolMessage(a.executeTool(ctx, call, stores), call.ID))
		}
	}
}

type searchArgs struct {
	Query string `json:"query"`
}

// executeTool runs one tool call and returns its JSON result. Tool failures are
// reported to the model rather than failing the turn.
func (a *Adapter) executeTool(ctx context.Context, call genai.ToolCall, stores docstore.Stores) string {
	if call.Function.Name != SearchToolName {
		return toolError("unknown tool: " + call.Function.Name)
	}
	var args searchArgs
	if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
		return toolError("invalid arguments: " + err.Error())
	}
	scope := []string{stores.ReferenceStoreID, stores.UserStoreID}
	results, err := a.searcher.Search(ctx, scope, args.Query)
	if err != nil {
		slog.Warn("Adapter.executeTool: search failed", "query", args.Query, "error", err)
		return toolError("search failed")
	}
	data, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return toolError("failed to encode results")
	}
	slog.Debug("Adapter.executeTool: search completed", "query", args.Query, "results", len(results))
	return string(data)
}

func toolError(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func searchToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        SearchToolName,
			Description: openai.String("Search the O-1 reference definitions and the user's uploaded evidence documents."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "What to look for, e.g. \"salary on offer letter\"",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// retryable reports whether a failed attempt may succeed if repeated.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusConflict,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}
	return true
}
