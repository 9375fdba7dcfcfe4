package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/wizard-runtime/pkg/models"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// sqliteTime is a fixed-width UTC layout so text comparison orders correctly.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// migrations are applied in order; applied versions live in schema_versions.
var sqliteMigrations = []struct {
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
    monthly_budget_usd REAL
);

CREATE TABLE IF NOT EXISTS tenant_identities (
    id               TEXT PRIMARY KEY,
    channel          TEXT NOT NULL,
    chat_id          TEXT NOT NULL,
    external_user_id TEXT NOT NULL DEFAULT '',
    tenant_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    active           INTEGER NOT NULL DEFAULT 1,
    UNIQUE(channel, chat_id, external_user_id)
);

CREATE TABLE IF NOT EXISTS wizard_sessions (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    user_id             TEXT NOT NULL DEFAULT '',
    wizard_id           TEXT NOT NULL,
    channel             TEXT NOT NULL,
    external_session_id TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    started_at          TEXT NOT NULL,
    ended_at            TEXT,
    total_cost_usd      REAL NOT NULL DEFAULT 0,
    turns               INTEGER NOT NULL DEFAULT 0,
    output_excerpt      TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_started ON wizard_sessions(tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS usage_events (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    session_id  TEXT NOT NULL UNIQUE,
    cost_usd    REAL NOT NULL,
    turns       INTEGER NOT NULL,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_recorded ON usage_events(tenant_id, recorded_at);
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
    created_at TEXT NOT NULL,
    UNIQUE(tenant_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_user ON memory_entries(tenant_id, user_id, created_at DESC);
`,
	},
}

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range sqliteMigrations {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(v string) time.Time {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// ── Tenants ─────────────────────────────────────────────────

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	var budget sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT id, name, plan, status, preferred_provider, preferred_model, monthly_budget_usd
        FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &t.PreferredProvider, &t.PreferredModel, &budget)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if budget.Valid {
		v := budget.Float64
		t.MonthlyBudgetUSD = &v
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	var budget sql.NullFloat64
	if t.MonthlyBudgetUSD != nil {
		budget = sql.NullFloat64{Float64: *t.MonthlyBudgetUSD, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tenants(id, name, plan, status, preferred_provider, preferred_model, monthly_budget_usd)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            name               = excluded.name,
            plan               = excluded.plan,
            status             = excluded.status,
            preferred_provider = excluded.preferred_provider,
            preferred_model    = excluded.preferred_model,
            monthly_budget_usd = excluded.monthly_budget_usd`,
		t.ID, t.Name, t.Plan, t.Status, t.PreferredProvider, t.PreferredModel, budget,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ── Identities ──────────────────────────────────────────────

func (s *SQLiteStore) FindIdentity(ctx context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, error) {
	// Rows matching the external user sort first; chat-wide rows are the fallback.
	row := s.db.QueryRowContext(ctx, `
        SELECT id, channel, chat_id, external_user_id, tenant_id, user_id, active
        FROM tenant_identities
        WHERE channel = ? AND chat_id = ? AND active = 1
          AND (external_user_id = ? OR external_user_id = '')
        ORDER BY CASE WHEN external_user_id = '' THEN 1 ELSE 0 END
        LIMIT 1`, string(channel), chatID, externalUserID)

	var id models.TenantIdentity
	var ch string
	err := row.Scan(&id.ID, &ch, &id.ChatID, &id.ExternalUserID, &id.TenantID, &id.UserID, &id.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "identity", Key: string(channel) + ":" + chatID}
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	id.Channel = models.Channel(ch)
	return &id, nil
}

func (s *SQLiteStore) UpsertIdentity(ctx context.Context, id *models.TenantIdentity) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tenant_identities(id, channel, chat_id, external_user_id, tenant_id, user_id, active)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(channel, chat_id, external_user_id) DO UPDATE SET
            tenant_id = excluded.tenant_id,
            user_id   = excluded.user_id,
            active    = excluded.active`,
		id.ID, string(id.Channel), id.ChatID, id.ExternalUserID, id.TenantID, id.UserID, id.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// ── Sessions ────────────────────────────────────────────────

const sqliteSessionColumns = `id, tenant_id, user_id, wizard_id, channel, external_session_id,
    status, started_at, ended_at, total_cost_usd, turns, output_excerpt, error`

func (s *SQLiteStore) CreateSession(ctx context.Context, ws *models.WizardSession) error {
	var ended sql.NullString
	if ws.EndedAt != nil {
		ended = sql.NullString{String: fmtTime(*ws.EndedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO wizard_sessions(`+sqliteSessionColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ws.ID, ws.TenantID, ws.UserID, ws.WizardID, string(ws.Channel), ws.ExternalSessionID,
		string(ws.Status), fmtTime(ws.StartedAt), ended, ws.TotalCostUSD, ws.Turns,
		ws.OutputExcerpt, ws.Error,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*models.WizardSession, error) {
	var ws models.WizardSession
	var channel, status, started string
	var ended sql.NullString
	err := row.Scan(&ws.ID, &ws.TenantID, &ws.UserID, &ws.WizardID, &channel, &ws.ExternalSessionID,
		&status, &started, &ended, &ws.TotalCostUSD, &ws.Turns, &ws.OutputExcerpt, &ws.Error)
	if err != nil {
		return nil, err
	}
	ws.Channel = models.Channel(channel)
	ws.Status = models.SessionStatus(status)
	ws.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		ws.EndedAt = &t
	}
	return &ws, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.WizardSession, error) {
	ws, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM wizard_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ws, nil
}

func (s *SQLiteStore) FinishSession(ctx context.Context, id string, o models.SessionOutcome) (*models.WizardSession, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE wizard_sessions
        SET status = ?, ended_at = ?, total_cost_usd = ?, turns = ?, output_excerpt = ?, error = ?
        WHERE id = ? AND status = ?`,
		string(o.Status), fmtTime(o.EndedAt), o.TotalCostUSD, o.Turns, o.OutputExcerpt, o.Error,
		id, string(models.SessionRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return nil, err
		}
		return nil, models.ErrSessionFinalized
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string, limit int) ([]models.WizardSession, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+sqliteSessionColumns+` FROM wizard_sessions
        WHERE tenant_id = ? ORDER BY started_at DESC LIMIT ?`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.WizardSession
	for rows.Next() {
		ws, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *ws)
	}
	return result, rows.Err()
}

// ── Usage ───────────────────────────────────────────────────

func (s *SQLiteStore) AppendUsage(ctx context.Context, ev *models.UsageEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO usage_events(id, tenant_id, session_id, cost_usd, turns, provider, model, recorded_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(session_id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.SessionID, ev.CostUSD, ev.Turns, ev.Provider, ev.Model, fmtTime(ev.RecordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append usage: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SumUsage(ctx context.Context, tenantID string, from, to time.Time) (models.UsageTotals, error) {
	var totals models.UsageTotals
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(cost_usd), 0), COUNT(DISTINCT session_id)
        FROM usage_events
        WHERE tenant_id = ? AND recorded_at >= ? AND recorded_at <= ?`,
		tenantID, fmtTime(from), fmtTime(to),
	).Scan(&totals.CostUSD, &totals.Sessions)
	if err != nil {
		return models.UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	return totals, nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, session_id, cost_usd, turns, provider, model, recorded_at
        FROM usage_events
        WHERE tenant_id = ? AND recorded_at >= ? AND recorded_at <= ?
        ORDER BY recorded_at ASC`,
		tenantID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var result []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		var recorded string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.SessionID, &ev.CostUSD, &ev.Turns,
			&ev.Provider, &ev.Model, &recorded); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		ev.RecordedAt = parseTime(recorded)
		result = append(result, ev)
	}
	return result, rows.Err()
}

// ── Memories ────────────────────────────────────────────────

func (s *SQLiteStore) ListMemories(ctx context.Context, tenantID, userID string, limit int) ([]models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, user_id, session_id, content, created_at
        FROM memory_entries
        WHERE tenant_id = ? AND user_id = ?
        ORDER BY created_at DESC LIMIT ?`, tenantID, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var result []models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		var created string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.SessionID, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.CreatedAt = parseTime(created)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, e *models.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO memory_entries(id, tenant_id, user_id, session_id, content, created_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(tenant_id, session_id) DO NOTHING`,
		e.ID, e.TenantID, e.UserID, e.SessionID, e.Content, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}
