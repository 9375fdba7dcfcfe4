package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("TenantRoundTrip", func(t *testing.T) { testTenantRoundTrip(t, newStore(t)) })
	t.Run("TenantNotFound", func(t *testing.T) { testTenantNotFound(t, newStore(t)) })
	t.Run("IdentityPreference", func(t *testing.T) { testIdentityPreference(t, newStore(t)) })
	t.Run("IdentityInactive", func(t *testing.T) { testIdentityInactive(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("FinishMissingSession", func(t *testing.T) { testFinishMissingSession(t, newStore(t)) })
	t.Run("ListSessionsNewestFirst", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("UsageIdempotent", func(t *testing.T) { testUsageIdempotent(t, newStore(t)) })
	t.Run("UsageWindow", func(t *testing.T) { testUsageWindow(t, newStore(t)) })
	t.Run("MemoriesNewestFirst", func(t *testing.T) { testMemories(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
}

func testTenantRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	budget := 42.5
	tenant := &models.Tenant{
		ID:                "acme",
		Name:              "Acme",
		Plan:              "pro",
		Status:            models.TenantActive,
		PreferredProvider: "anthropic",
		MonthlyBudgetUSD:  &budget,
	}
	if err := s.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}

	got, err := s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Plan != "pro" || got.PreferredProvider != "anthropic" {
		t.Errorf("GetTenant() = %+v", got)
	}
	if got.MonthlyBudgetUSD == nil || *got.MonthlyBudgetUSD != 42.5 {
		t.Errorf("MonthlyBudgetUSD = %v, want 42.5", got.MonthlyBudgetUSD)
	}

	tenant.Status = models.TenantSuspended
	tenant.MonthlyBudgetUSD = nil
	if err := s.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant() second call error = %v", err)
	}
	got, _ = s.GetTenant(ctx, "acme")
	if got.Status != models.TenantSuspended {
		t.Errorf("After upsert, Status = %q, want %q", got.Status, models.TenantSuspended)
	}
	if got.MonthlyBudgetUSD != nil {
		t.Errorf("After upsert, MonthlyBudgetUSD = %v, want nil", *got.MonthlyBudgetUSD)
	}
}

func testTenantNotFound(t *testing.T, s store.Store) {
	_, err := s.GetTenant(context.Background(), "ghost")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetTenant(ghost) error = %v, want *ErrNotFound", err)
	}
	if nf.Entity != "tenant" {
		t.Errorf("ErrNotFound.Entity = %q, want tenant", nf.Entity)
	}
}

func testIdentityPreference(t *testing.T, s store.Store) {
	ctx := context.Background()
	chatWide := &models.TenantIdentity{
		ID: "i1", Channel: models.ChannelTelegram, ChatID: "100",
		TenantID: "acme", UserID: "group", Active: true,
	}
	userScoped := &models.TenantIdentity{
		ID: "i2", Channel: models.ChannelTelegram, ChatID: "100", ExternalUserID: "7",
		TenantID: "acme", UserID: "alice", Active: true,
	}
	for _, id := range []*models.TenantIdentity{chatWide, userScoped} {
		if err := s.UpsertIdentity(ctx, id); err != nil {
			t.Fatalf("UpsertIdentity(%s) error = %v", id.ID, err)
		}
	}

	got, err := s.FindIdentity(ctx, models.ChannelTelegram, "100", "7")
	if err != nil {
		t.Fatalf("FindIdentity(user 7) error = %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("FindIdentity(user 7).UserID = %q, want alice", got.UserID)
	}

	got, err = s.FindIdentity(ctx, models.ChannelTelegram, "100", "8")
	if err != nil {
		t.Fatalf("FindIdentity(user 8) error = %v", err)
	}
	if got.UserID != "group" {
		t.Errorf("FindIdentity(user 8).UserID = %q, want chat-wide row", got.UserID)
	}

	if _, err := s.FindIdentity(ctx, models.ChannelTelegram, "999", "7"); err == nil {
		t.Error("FindIdentity(unknown chat) expected error")
	}
}

func testIdentityInactive(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := &models.TenantIdentity{
		ID: "i1", Channel: models.ChannelTelegram, ChatID: "5",
		TenantID: "acme", Active: false,
	}
	if err := s.UpsertIdentity(ctx, id); err != nil {
		t.Fatalf("UpsertIdentity() error = %v", err)
	}
	var nf *store.ErrNotFound
	if _, err := s.FindIdentity(ctx, models.ChannelTelegram, "5", ""); !errors.As(err, &nf) {
		t.Errorf("FindIdentity(inactive) error = %v, want *ErrNotFound", err)
	}
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Microsecond)
	ws := &models.WizardSession{
		ID: "s1", TenantID: "acme", WizardID: "builder", Channel: models.ChannelAPI,
		Status: models.SessionRunning, StartedAt: started,
	}
	if err := s.CreateSession(ctx, ws); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	ended := started.Add(2 * time.Second)
	got, err := s.FinishSession(ctx, "s1", models.SessionOutcome{
		Status: models.SessionCompleted, EndedAt: ended,
		TotalCostUSD: 0.25, Turns: 1, OutputExcerpt: "done",
	})
	if err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}
	if got.Status != models.SessionCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.EndedAt == nil || got.EndedAt.Before(got.StartedAt) {
		t.Errorf("EndedAt = %v, want >= StartedAt %v", got.EndedAt, got.StartedAt)
	}
	if got.TotalCostUSD != 0.25 || got.Turns != 1 || got.OutputExcerpt != "done" {
		t.Errorf("FinishSession() = %+v", got)
	}

	_, err = s.FinishSession(ctx, "s1", models.SessionOutcome{Status: models.SessionFailed, EndedAt: ended})
	if !errors.Is(err, models.ErrSessionFinalized) {
		t.Errorf("second FinishSession() error = %v, want ErrSessionFinalized", err)
	}

	got, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != models.SessionCompleted {
		t.Errorf("after rejected finish, Status = %q, want completed", got.Status)
	}
}

func testFinishMissingSession(t *testing.T, s store.Store) {
	_, err := s.FinishSession(context.Background(), "nope", models.SessionOutcome{
		Status: models.SessionFailed, EndedAt: time.Now(),
	})
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("FinishSession(missing) error = %v, want *ErrNotFound", err)
	}
}

func testListSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ws := &models.WizardSession{
			ID: fmt.Sprintf("s%d", i), TenantID: "acme", WizardID: "builder",
			Channel: models.ChannelAPI, Status: models.SessionRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateSession(ctx, ws); err != nil {
			t.Fatalf("CreateSession(%d) error = %v", i, err)
		}
	}
	other := &models.WizardSession{
		ID: "x", TenantID: "other", WizardID: "builder", Channel: models.ChannelAPI,
		Status: models.SessionRunning, StartedAt: base,
	}
	_ = s.CreateSession(ctx, other)

	got, err := s.ListSessions(ctx, "acme", 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSessions() len = %d, want 2", len(got))
	}
	if got[0].ID != "s2" || got[1].ID != "s1" {
		t.Errorf("ListSessions() order = [%s %s], want [s2 s1]", got[0].ID, got[1].ID)
	}
}

func testUsageIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	ev := &models.UsageEvent{
		ID: "u1", TenantID: "acme", SessionID: "s1", CostUSD: 1.5,
		Turns: 1, Provider: "openai", Model: "gpt-4o-mini", RecordedAt: now,
	}
	ok, err := s.AppendUsage(ctx, ev)
	if err != nil || !ok {
		t.Fatalf("AppendUsage() = (%v, %v), want (true, nil)", ok, err)
	}

	dup := *ev
	dup.ID = "u2"
	ok, err = s.AppendUsage(ctx, &dup)
	if err != nil {
		t.Fatalf("AppendUsage(duplicate) error = %v", err)
	}
	if ok {
		t.Error("AppendUsage(duplicate) appended, want ignored")
	}

	totals, err := s.SumUsage(ctx, "acme", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SumUsage() error = %v", err)
	}
	if totals.CostUSD != 1.5 || totals.Sessions != 1 {
		t.Errorf("SumUsage() = %+v, want {1.5 1}", totals)
	}
}

func testUsageWindow(t *testing.T, s store.Store) {
	ctx := context.Background()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	events := []models.UsageEvent{
		{ID: "a", TenantID: "acme", SessionID: "a", CostUSD: 1, RecordedAt: from},                       // boundary, included
		{ID: "b", TenantID: "acme", SessionID: "b", CostUSD: 2, RecordedAt: from.Add(48 * time.Hour)},   // included
		{ID: "c", TenantID: "acme", SessionID: "c", CostUSD: 4, RecordedAt: from.Add(-time.Second)},     // previous month
		{ID: "d", TenantID: "acme", SessionID: "d", CostUSD: 8, RecordedAt: to.Add(time.Second)},        // future
		{ID: "e", TenantID: "other", SessionID: "e", CostUSD: 16, RecordedAt: from.Add(time.Hour)},      // other tenant
	}
	for i := range events {
		events[i].Provider, events[i].Model, events[i].Turns = "mock", "mock-echo", 1
		if _, err := s.AppendUsage(ctx, &events[i]); err != nil {
			t.Fatalf("AppendUsage(%s) error = %v", events[i].ID, err)
		}
	}

	totals, err := s.SumUsage(ctx, "acme", from, to)
	if err != nil {
		t.Fatalf("SumUsage() error = %v", err)
	}
	if totals.CostUSD != 3 || totals.Sessions != 2 {
		t.Errorf("SumUsage() = %+v, want {3 2}", totals)
	}

	list, err := s.ListUsage(ctx, "acme", from, to)
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListUsage() len = %d, want 2", len(list))
	}
}

func testMemories(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 4; i++ {
		e := &models.MemoryEntry{
			ID: fmt.Sprintf("m%d", i), TenantID: "acme", UserID: "alice",
			SessionID: fmt.Sprintf("s%d", i), Content: fmt.Sprintf("fact %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveMemory(ctx, e); err != nil {
			t.Fatalf("SaveMemory(%d) error = %v", i, err)
		}
	}
	// Same session again is ignored.
	_ = s.SaveMemory(ctx, &models.MemoryEntry{
		ID: "dup", TenantID: "acme", UserID: "alice", SessionID: "s3",
		Content: "rewritten", CreatedAt: base.Add(time.Hour),
	})

	got, err := s.ListMemories(ctx, "acme", "alice", 3)
	if err != nil {
		t.Fatalf("ListMemories() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListMemories() len = %d, want 3", len(got))
	}
	if got[0].Content != "fact 3" || got[2].Content != "fact 1" {
		t.Errorf("ListMemories() = [%s .. %s], want [fact 3 .. fact 1]", got[0].Content, got[2].Content)
	}

	none, _ := s.ListMemories(ctx, "acme", "bob", 5)
	if len(none) != 0 {
		t.Errorf("ListMemories(bob) len = %d, want 0", len(none))
	}
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.AppendUsage(ctx, &models.UsageEvent{
				ID: fmt.Sprintf("u%d", i), TenantID: "acme", SessionID: fmt.Sprintf("s%d", i%10),
				CostUSD: 0.5, Turns: 1, Provider: "mock", Model: "mock-echo", RecordedAt: now,
			})
		}(i)
	}
	wg.Wait()

	totals, err := s.SumUsage(ctx, "acme", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SumUsage() error = %v", err)
	}
	if totals.Sessions != 10 || totals.CostUSD != 5 {
		t.Errorf("SumUsage() = %+v, want {5 10}", totals)
	}
}
