package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var postgresMigrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS tenants (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL DEFAULT '',
    plan               TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'active',
    preferred_provider TEXT NOT NULL DEFAULT '',
    preferred_model    TEXT NOT NULL DEFAULT '',
    monthly_budget_usd DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS tenant_identities (
    id               TEXT PRIMARY KEY,
    channel          TEXT NOT NULL,
    chat_id          TEXT NOT NULL,
    external_user_id TEXT NOT NULL DEFAULT '',
    tenant_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (channel, chat_id, external_user_id)
);

CREATE TABLE IF NOT EXISTS wizard_sessions (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    user_id             TEXT NOT NULL DEFAULT '',
    wizard_id           TEXT NOT NULL,
    channel             TEXT NOT NULL,
    external_session_id TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    started_at          TIMESTAMPTZ NOT NULL,
    ended_at            TIMESTAMPTZ,
    total_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
    turns               INTEGER NOT NULL DEFAULT 0,
    output_excerpt      TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_started ON wizard_sessions (tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS usage_events (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    session_id  TEXT NOT NULL UNIQUE,
    cost_usd    DOUBLE PRECISION NOT NULL,
    turns       INTEGER NOT NULL,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_recorded ON usage_events (tenant_id, recorded_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS memory_entries (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    session_id TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (tenant_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_user ON memory_entries (tenant_id, user_id, created_at DESC);
`,
	},
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates a PostgreSQL database.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int32("max_conns", pool.Config().MaxConns).Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range postgresMigrations {
		var count int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_versions WHERE version = $1`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_versions(version) VALUES($1)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Tenants ─────────────────────────────────────────────────

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx, `
        SELECT id, name, plan, status, preferred_provider, preferred_model, monthly_budget_usd
        FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &t.PreferredProvider, &t.PreferredModel, &t.MonthlyBudgetUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO tenants (id, name, plan, status, preferred_provider, preferred_model, monthly_budget_usd)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            name               = EXCLUDED.name,
            plan               = EXCLUDED.plan,
            status             = EXCLUDED.status,
            preferred_provider = EXCLUDED.preferred_provider,
            preferred_model    = EXCLUDED.preferred_model,
            monthly_budget_usd = EXCLUDED.monthly_budget_usd`,
		t.ID, t.Name, t.Plan, t.Status, t.PreferredProvider, t.PreferredModel, t.MonthlyBudgetUSD,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ── Identities ──────────────────────────────────────────────

func (s *PostgresStore) FindIdentity(ctx context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, error) {
	var id models.TenantIdentity
	var ch string
	err := s.pool.QueryRow(ctx, `
        SELECT id, channel, chat_id, external_user_id, tenant_id, user_id, active
        FROM tenant_identities
        WHERE channel = $1 AND chat_id = $2 AND active
          AND (external_user_id = $3 OR external_user_id = '')
        ORDER BY (external_user_id = '') ASC
        LIMIT 1`, string(channel), chatID, externalUserID,
	).Scan(&id.ID, &ch, &id.ChatID, &id.ExternalUserID, &id.TenantID, &id.UserID, &id.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "identity", Key: string(channel) + ":" + chatID}
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	id.Channel = models.Channel(ch)
	return &id, nil
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, id *models.TenantIdentity) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO tenant_identities (id, channel, chat_id, external_user_id, tenant_id, user_id, active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (channel, chat_id, external_user_id) DO UPDATE SET
            tenant_id = EXCLUDED.tenant_id,
            user_id   = EXCLUDED.user_id,
            active    = EXCLUDED.active`,
		id.ID, string(id.Channel), id.ChatID, id.ExternalUserID, id.TenantID, id.UserID, id.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// ── Sessions ────────────────────────────────────────────────

const pgSessionColumns = `id, tenant_id, user_id, wizard_id, channel, external_session_id,
    status, started_at, ended_at, total_cost_usd, turns, output_excerpt, error`

func (s *PostgresStore) CreateSession(ctx context.Context, ws *models.WizardSession) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO wizard_sessions (`+pgSessionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ws.ID, ws.TenantID, ws.UserID, ws.WizardID, string(ws.Channel), ws.ExternalSessionID,
		string(ws.Status), ws.StartedAt.UTC(), ws.EndedAt, ws.TotalCostUSD, ws.Turns,
		ws.OutputExcerpt, ws.Error,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanPgSession(row pgx.Row) (*models.WizardSession, error) {
	var ws models.WizardSession
	var channel, status string
	err := row.Scan(&ws.ID, &ws.TenantID, &ws.UserID, &ws.WizardID, &channel, &ws.ExternalSessionID,
		&status, &ws.StartedAt, &ws.EndedAt, &ws.TotalCostUSD, &ws.Turns, &ws.OutputExcerpt, &ws.Error)
	if err != nil {
		return nil, err
	}
	ws.Channel = models.Channel(channel)
	ws.Status = models.SessionStatus(status)
	return &ws, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.WizardSession, error) {
	ws, err := scanPgSession(s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM wizard_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) FinishSession(ctx context.Context, id string, o models.SessionOutcome) (*models.WizardSession, error) {
	ws, err := scanPgSession(s.pool.QueryRow(ctx, `
        UPDATE wizard_sessions
        SET status = $1, ended_at = $2, total_cost_usd = $3, turns = $4, output_excerpt = $5, error = $6
        WHERE id = $7 AND status = $8
        RETURNING `+pgSessionColumns,
		string(o.Status), o.EndedAt.UTC(), o.TotalCostUSD, o.Turns, o.OutputExcerpt, o.Error,
		id, string(models.SessionRunning),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetSession(ctx, id); err != nil {
			return nil, err
		}
		return nil, models.ErrSessionFinalized
	}
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, tenantID string, limit int) ([]models.WizardSession, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+pgSessionColumns+` FROM wizard_sessions
        WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.WizardSession
	for rows.Next() {
		ws, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *ws)
	}
	return result, rows.Err()
}

// ── Usage ───────────────────────────────────────────────────

func (s *PostgresStore) AppendUsage(ctx context.Context, ev *models.UsageEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO usage_events (id, tenant_id, session_id, cost_usd, turns, provider, model, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (session_id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.SessionID, ev.CostUSD, ev.Turns, ev.Provider, ev.Model, ev.RecordedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("append usage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SumUsage(ctx context.Context, tenantID string, from, to time.Time) (models.UsageTotals, error) {
	var totals models.UsageTotals
	err := s.pool.QueryRow(ctx, `
        SELECT COALESCE(SUM(cost_usd), 0)::DOUBLE PRECISION, COUNT(DISTINCT session_id)
        FROM usage_events
        WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at <= $3`,
		tenantID, from.UTC(), to.UTC(),
	).Scan(&totals.CostUSD, &totals.Sessions)
	if err != nil {
		return models.UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageEvent, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, tenant_id, session_id, cost_usd, turns, provider, model, recorded_at
        FROM usage_events
        WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
        ORDER BY recorded_at ASC`, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var result []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.SessionID, &ev.CostUSD, &ev.Turns,
			&ev.Provider, &ev.Model, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// ── Memories ────────────────────────────────────────────────

func (s *PostgresStore) ListMemories(ctx context.Context, tenantID, userID string, limit int) ([]models.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, tenant_id, user_id, session_id, content, created_at
        FROM memory_entries
        WHERE tenant_id = $1 AND user_id = $2
        ORDER BY created_at DESC LIMIT $3`, tenantID, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var result []models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.SessionID, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveMemory(ctx context.Context, e *models.MemoryEntry) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO memory_entries (id, tenant_id, user_id, session_id, content, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (tenant_id, session_id) DO NOTHING`,
		e.ID, e.TenantID, e.UserID, e.SessionID, e.Content, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}
