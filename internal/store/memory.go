// In-memory Store implementation.
// Used for local development and tests. Supports an optional file-based
// snapshot so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants    map[string]*models.Tenant         `json:"tenants"`
	Identities map[string]*models.TenantIdentity `json:"identities"` // key: channel:chat:external_user
	Sessions   map[string]*models.WizardSession  `json:"sessions"`
	Usage      []*models.UsageEvent              `json:"usage"`
	Memories   []*models.MemoryEntry             `json:"memories"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*models.Tenant
	identities map[string]*models.TenantIdentity // key: channel:chat:external_user
	sessions   map[string]*models.WizardSession
	usage      []*models.UsageEvent // append-only
	usageBySes map[string]bool      // session ids with a recorded event
	memories   []*models.MemoryEntry
	memBySes   map[string]bool // key: tenant:session

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
	closed       bool // guarded by saveMu
}

// NewMemoryStore creates a new in-memory store. When snapshotPath is not
// empty, data is loaded from and periodically written to that JSON file.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		tenants:    make(map[string]*models.Tenant),
		identities: make(map[string]*models.TenantIdentity),
		sessions:   make(map[string]*models.WizardSession),
		usage:      make([]*models.UsageEvent, 0),
		usageBySes: make(map[string]bool),
		memories:   make([]*models.MemoryEntry, 0),
		memBySes:   make(map[string]bool),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Debug().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.closed {
		return
	}

	m.mu.RLock()
	snap := snapshot{
		Tenants:    m.tenants,
		Identities: m.identities,
		Sessions:   m.sessions,
		Usage:      m.usage,
		Memories:   m.memories,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Identities != nil {
		m.identities = snap.Identities
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	for _, ev := range snap.Usage {
		m.usage = append(m.usage, ev)
		m.usageBySes[ev.SessionID] = true
	}
	for _, mem := range snap.Memories {
		m.memories = append(m.memories, mem)
		m.memBySes[key(mem.TenantID, mem.SessionID)] = true
	}

	log.Info().
		Int("tenants", len(m.tenants)).
		Int("sessions", len(m.sessions)).
		Int("usage_events", len(m.usage)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close flushes a final snapshot and stops the background writer.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
		m.saveMu.Lock()
		m.closed = true
		m.saveMu.Unlock()
	})
	return nil
}

func key(parts ...string) string {
	result := ""
	for i, p := range parts {
		if i > 0 {
			result += ":"
		}
		result += p
	}
	return result
}

// ── Tenants ─────────────────────────────────────────────────

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpsertTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Identities ──────────────────────────────────────────────

func (m *MemoryStore) FindIdentity(_ context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if externalUserID != "" {
		if id, ok := m.identities[key(string(channel), chatID, externalUserID)]; ok && id.Active {
			cp := *id
			return &cp, nil
		}
	}
	if id, ok := m.identities[key(string(channel), chatID, "")]; ok && id.Active {
		cp := *id
		return &cp, nil
	}
	return nil, &ErrNotFound{Entity: "identity", Key: key(string(channel), chatID)}
}

func (m *MemoryStore) UpsertIdentity(_ context.Context, identity *models.TenantIdentity) error {
	m.mu.Lock()
	cp := *identity
	m.identities[key(string(identity.Channel), identity.ChatID, identity.ExternalUserID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) CreateSession(_ context.Context, session *models.WizardSession) error {
	m.mu.Lock()
	cp := *session
	m.sessions[session.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.WizardSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FinishSession(_ context.Context, id string, outcome models.SessionOutcome) (*models.WizardSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if s.Status != models.SessionRunning {
		m.mu.Unlock()
		return nil, models.ErrSessionFinalized
	}
	ended := outcome.EndedAt
	s.Status = outcome.Status
	s.EndedAt = &ended
	s.TotalCostUSD = outcome.TotalCostUSD
	s.Turns = outcome.Turns
	s.OutputExcerpt = outcome.OutputExcerpt
	s.Error = outcome.Error
	cp := *s
	m.mu.Unlock()
	m.requestSave()
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, tenantID string, limit int) ([]models.WizardSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.WizardSession
	for _, s := range m.sessions {
		if s.TenantID == tenantID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

// ── Usage ───────────────────────────────────────────────────

func (m *MemoryStore) AppendUsage(_ context.Context, event *models.UsageEvent) (bool, error) {
	m.mu.Lock()
	if m.usageBySes[event.SessionID] {
		m.mu.Unlock()
		return false, nil
	}
	cp := *event
	m.usage = append(m.usage, &cp)
	m.usageBySes[event.SessionID] = true
	m.mu.Unlock()
	m.requestSave()
	return true, nil
}

func (m *MemoryStore) SumUsage(_ context.Context, tenantID string, from, to time.Time) (models.UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var totals models.UsageTotals
	seen := make(map[string]bool)
	for _, ev := range m.usage {
		if ev.TenantID != tenantID || !inWindow(ev.RecordedAt, from, to) {
			continue
		}
		totals.CostUSD += ev.CostUSD
		if !seen[ev.SessionID] {
			seen[ev.SessionID] = true
			totals.Sessions++
		}
	}
	return totals, nil
}

func (m *MemoryStore) ListUsage(_ context.Context, tenantID string, from, to time.Time) ([]models.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.UsageEvent
	for _, ev := range m.usage {
		if ev.TenantID == tenantID && inWindow(ev.RecordedAt, from, to) {
			result = append(result, *ev)
		}
	}
	return result, nil
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// ── Memories ────────────────────────────────────────────────

func (m *MemoryStore) ListMemories(_ context.Context, tenantID, userID string, limit int) ([]models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.MemoryEntry
	for _, e := range m.memories {
		if e.TenantID == tenantID && e.UserID == userID {
			result = append(result, *e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (m *MemoryStore) SaveMemory(_ context.Context, entry *models.MemoryEntry) error {
	k := key(entry.TenantID, entry.SessionID)
	m.mu.Lock()
	if m.memBySes[k] {
		m.mu.Unlock()
		return nil
	}
	cp := *entry
	m.memories = append(m.memories, &cp)
	m.memBySes[k] = true
	m.mu.Unlock()
	m.requestSave()
	return nil
}
