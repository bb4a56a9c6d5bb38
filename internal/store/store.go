// Package store provides storage backends for PacePipe.
//
// It includes an in-memory store for tests and single-process runs, and SQLite and
// PostgreSQL stores that persist conversations, the message log, handoff records,
// owners, settings and keyword responses.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Store is the persistence collaborator of the message pipeline.
type Store interface {
	// MessageExists reports whether a message with this external id was already recorded.
	MessageExists(ctx context.Context, externalID string) (bool, error)
	// SaveMessage appends to the message log. A repeated non-empty ExternalID
	// returns models.ErrDuplicateMessage.
	SaveMessage(ctx context.Context, rec models.MessageRecord) error
	// ChatHistory returns at most limit of the latest messages, oldest first.
	ChatHistory(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error)

	// GetConversation returns models.ErrConversationNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	UpdateConversation(ctx context.Context, conv *models.Conversation) error

	// CreateHandoffRecord is idempotent per conversation: a second call returns the
	// existing record.
	CreateHandoffRecord(ctx context.Context, conversationID, ownerID, subject string) (*models.HandoffRecord, error)
	GetHandoffRecord(ctx context.Context, conversationID string) (*models.HandoffRecord, error)

	// GetOwner returns an unfrozen owner for ids that were never saved.
	GetOwner(ctx context.Context, ownerID string) (*models.Owner, error)
	SaveOwner(ctx context.Context, owner models.Owner) error

	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetOwnerSettings(ctx context.Context, ownerID string) (map[string]string, error)
	SetOwnerSetting(ctx context.Context, ownerID, key, value string) error

	AddKeyword(ctx context.Context, kw *models.KeywordResponse) error
	// MatchKeyword returns the highest-priority active keyword matching text, or nil.
	MatchKeyword(ctx context.Context, ownerID, text string) (*models.KeywordResponse, error)

	Close() error
}

// ErrHandoffNotFound is returned by GetHandoffRecord when the conversation has none.
var ErrHandoffNotFound = errors.New("handoff record not found")

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path or file: URI.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend for dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
