// Package store provides storage backends for O1Intake.
//
// It persists conversation sessions, finalized criterion records, channel
// receipts and inbound message ids. An in-memory store backs tests and
// single-process runs; SQLite and PostgreSQL back everything else.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/O1Intake/internal/models"
)

// ErrDSNNotSet is returned when a database store is created without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// SessionSummary is a lightweight listing row.
type SessionSummary struct {
	SessionID string       `json:"session_id"`
	Phase     models.Phase `json:"phase"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store is the persistence interface used by the conversation driver and the
// chat channels.
type Store interface {
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*models.ConversationState, error)
	// SaveSession writes the whole state, and its finalized records, atomically.
	SaveSession(ctx context.Context, state *models.ConversationState) error
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	DeleteSession(ctx context.Context, sessionID string) error
	FinalRecords(ctx context.Context, sessionID string) ([]models.FinalRecord, error)

	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	Close() error
}

// Opts holds configuration for database stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file (or file: DSN).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// libpq keyword/value form: "host=... dbname=... user=...".
	pairs := 0
	keyword := false
	for _, field := range strings.Fields(lower) {
		k, _, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		pairs++
		switch k {
		case "host", "dbname", "user", "sslmode", "port":
			keyword = true
		}
	}
	if keyword && pairs >= 2 {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the database store matching dsn, or an in-memory store when dsn is empty.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
