// Package store provides the storage interface and implementations for the
// wizard runtime. The in-memory store backs tests and local development; SQLite
// and PostgreSQL back real deployments.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

// Store is the primary storage interface for the runtime.
// Everything above the storage layer depends on this interface, so the
// backing database can be swapped without touching the runtime.
type Store interface {
	TenantStore
	IdentityStore
	SessionStore
	UsageStore
	UserMemoryStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	UpsertTenant(ctx context.Context, tenant *models.Tenant) error
}

// ── Identity Store ──────────────────────────────────────────

// IdentityStore maps channel identities to tenants.
type IdentityStore interface {
	// FindIdentity returns the active identity for a chat. A row bound to the
	// external user id wins over a chat-wide row (empty external user id).
	FindIdentity(ctx context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, error)
	UpsertIdentity(ctx context.Context, identity *models.TenantIdentity) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists wizard sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.WizardSession) error
	GetSession(ctx context.Context, id string) (*models.WizardSession, error)
	// FinishSession moves a running session to a terminal state. It returns
	// models.ErrSessionFinalized if the session is no longer running.
	FinishSession(ctx context.Context, id string, outcome models.SessionOutcome) (*models.WizardSession, error)
	// ListSessions returns a tenant's most recent sessions, newest first.
	ListSessions(ctx context.Context, tenantID string, limit int) ([]models.WizardSession, error)
}

// ── Usage Store ─────────────────────────────────────────────

// UsageStore is the append-only spend ledger.
type UsageStore interface {
	// AppendUsage records an event. It is idempotent on SessionID: a second
	// event for the same session is ignored and reported as not appended.
	AppendUsage(ctx context.Context, event *models.UsageEvent) (bool, error)
	// SumUsage totals cost and distinct sessions with RecordedAt in [from, to].
	SumUsage(ctx context.Context, tenantID string, from, to time.Time) (models.UsageTotals, error)
	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageEvent, error)
}

// ── Memory Store ────────────────────────────────────────────

// UserMemoryStore keeps short per-user facts used to enrich prompts.
type UserMemoryStore interface {
	// ListMemories returns up to limit entries for the user, newest first.
	ListMemories(ctx context.Context, tenantID, userID string, limit int) ([]models.MemoryEntry, error)
	// SaveMemory is idempotent on (TenantID, SessionID).
	SaveMemory(ctx context.Context, entry *models.MemoryEntry) error
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Open builds a Store from a database URL:
//
//	memory                  in-process maps, nothing persisted
//	memory:///path/x.json   in-process maps with a JSON snapshot file
//	sqlite:///path/x.db     SQLite file (modernc, no CGO)
//	postgres://...          PostgreSQL via pgx
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "" || url == "memory" || url == "memory://":
		return NewMemoryStore(""), nil
	case strings.HasPrefix(url, "memory://"):
		return NewMemoryStore(strings.TrimPrefix(url, "memory://")), nil
	case strings.HasPrefix(url, "sqlite://"):
		s, err := NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := NewPostgresStore(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", schemeOf(url))
	}
}

func schemeOf(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i]
	}
	return url
}

// Kind names the backend behind a database URL, for logging.
func Kind(url string) string {
	switch {
	case url == "" || strings.HasPrefix(url, "memory"):
		return "memory"
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite"
	case strings.HasPrefix(url, "postgres"):
		return "postgres"
	default:
		return schemeOf(url)
	}
}

// defaultLimit bounds list queries when the caller passes a non-positive limit.
const defaultLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
