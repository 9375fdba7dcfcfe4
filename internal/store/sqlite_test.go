package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "wizard.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wizard.db")

	s, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("first open error = %v", err)
	}
	if err := s.UpsertTenant(ctx, &models.Tenant{ID: "acme", Plan: "free", Status: models.TenantActive}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	s.Close()

	s2, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetTenant(ctx, "acme"); err != nil {
		t.Errorf("GetTenant() after reopen error = %v", err)
	}
}
