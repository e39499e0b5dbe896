// Package api serves the evidence-intake conversation over HTTP.
//
// Routes are thin: they resolve the session from the o1_session_id cookie,
// call the conversation driver, and wrap the outcome in the standard
// models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/flow"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/store"
)

// Constants for server configuration
const (
	// DefaultServerAddr is the default listen address
	DefaultServerAddr = ":8080"
	// DefaultMaxUploadBytes caps a multipart upload request
	DefaultMaxUploadBytes = 32 << 20
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// maxJSONBodyBytes caps JSON request bodies
	maxJSONBodyBytes = 1 << 20
)

// Conversation is the driver surface used by the HTTP routes. *flow.Driver implements it.
type Conversation interface {
	Registry() *criteria.Registry
	Init(ctx context.Context, sessionID string) (*models.ConversationState, error)
	ProcessTurn(ctx context.Context, sessionID, content string) (flow.TurnResult, error)
	NotifyUpload(ctx context.Context, sessionID string, files []docstore.File) (flow.TurnResult, error)
	EditField(ctx context.Context, sessionID, criterionID, field string, value any) (*models.ConversationState, error)
	Snapshot(ctx context.Context, sessionID string) (*models.ConversationState, error)
	Progress(state *models.ConversationState) models.Progress
	GlobalMissing(state *models.ConversationState) map[string][]string
	Records(ctx context.Context, sessionID string) ([]models.FinalRecord, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	MaxUploadBytes int64
	SecureCookies  bool
	// TwilioWebhook, when set, is mounted at POST /webhook/twilio.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMaxUploadBytes caps the size of an upload request.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Opts) { o.MaxUploadBytes = n }
}

// WithSecureCookies marks the session cookie Secure, for deployments behind TLS.
func WithSecureCookies() Option {
	return func(o *Opts) { o.SecureCookies = true }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the HTTP routes and their dependencies.
type Server struct {
	conv   Conversation
	st     store.Store
	opts   Opts
	router chi.Router
	srv    *http.Server
}

// NewServer builds a Server. Routes are registered immediately so Handler can
// be used without Start.
func NewServer(conv Conversation, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddr, MaxUploadBytes: DefaultMaxUploadBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddr
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{conv: conv, st: st, opts: cfg}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/receipts", s.receiptsHandler)
	r.Get("/responses", s.responsesHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/criteria", s.criteriaHandler)
		r.Post("/init", s.initHandler)
		r.Post("/chat", s.chatHandler)
		r.Post("/upload", s.uploadHandler)
		r.Post("/edit", s.editHandler)
		r.Get("/state", s.stateHandler)
		r.Get("/records", s.recordsHandler)
	})

	if s.opts.TwilioWebhook != nil {
		r.Post("/webhook/twilio", s.opts.TwilioWebhook)
		slog.Info("Server.routes: Twilio webhook mounted", "path", "/webhook/twilio")
	}
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: API server listening", "addr", s.opts.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.Start: server failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down API server")
	return s.srv.Shutdown(ctx)
}
