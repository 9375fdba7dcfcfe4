// Package server provides the public entry point for initializing the wizard
// runtime server.
//
// This package exists in pkg/ (not internal/) so other binaries can compose
// the runtime with their own middleware in front of it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/wizard-runtime/internal/api"
	"github.com/agentoven/wizard-runtime/internal/api/handlers"
	"github.com/agentoven/wizard-runtime/internal/api/middleware"
	"github.com/agentoven/wizard-runtime/internal/budget"
	"github.com/agentoven/wizard-runtime/internal/catalog"
	"github.com/agentoven/wizard-runtime/internal/channels/telegram"
	"github.com/agentoven/wizard-runtime/internal/config"
	"github.com/agentoven/wizard-runtime/internal/identity"
	"github.com/agentoven/wizard-runtime/internal/policy"
	"github.com/agentoven/wizard-runtime/internal/providers"
	"github.com/agentoven/wizard-runtime/internal/runtime"
	"github.com/agentoven/wizard-runtime/internal/sessions"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/internal/telemetry"
	"github.com/agentoven/wizard-runtime/internal/usage"
	"github.com/agentoven/wizard-runtime/pkg/models"

	"github.com/rs/zerolog/log"
)

// DefaultTenantID is seeded on startup so a fresh install can run wizards.
const DefaultTenantID = "default"

// Config is the public configuration for the server. Zero fields keep the
// values loaded from the environment.
type Config struct {
	Port          int
	Version       string
	DatabaseURL   string
	CatalogPath   string
	DefaultWizard string
	APIKeys       []string
}

// Server holds the initialized wizard runtime.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so embedding binaries can seed it.
	Store store.Store

	// Runtime executes wizard runs without going through HTTP.
	Runtime *runtime.Runtime

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry. Close calls it.
	ShutdownFunc func(context.Context) error

	stopWorkers context.CancelFunc
	webhooks    *telegram.Handler
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:          cfg.Port,
		Version:       cfg.Version,
		DatabaseURL:   cfg.Database.URL,
		CatalogPath:   cfg.Catalog.Path,
		DefaultWizard: cfg.Catalog.DefaultWizard,
		APIKeys:       cfg.Auth.APIKeys,
	}
}

// New initializes all components from the environment and returns a ready
// Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the runtime with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	applyOverrides(cfg, pubCfg)

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("backend", store.Kind(cfg.Database.URL)).Msg("✅ Store initialized")

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if cfg.Catalog.DefaultWizard != "" {
		if err := cat.SetDefaultWizard(cfg.Catalog.DefaultWizard); err != nil {
			dataStore.Close()
			return nil, fmt.Errorf("default wizard: %w", err)
		}
	}
	classifier, err := cat.Classifier()
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	log.Info().Int("wizards", len(cat.Wizards())).Str("default", cat.DefaultWizard()).Msg("✅ Wizard catalog ready")

	seedDefaultTenant(ctx, dataStore)
	seedCatalog(ctx, dataStore, cat)

	registry := newRegistry(cfg.Providers)
	log.Info().Strs("providers", registry.Providers()).Msg("✅ Provider registry initialized")

	governor := budget.NewGovernor(dataStore, budget.NewProfiles(cat.Plans()))
	resolver := identity.NewResolver(dataStore, dataStore)
	rt := runtime.New(runtime.Deps{
		Catalog:  cat,
		Policy:   policy.NewResolver(classifier),
		Registry: registry,
		Identity: resolver,
		Governor: governor,
		Sessions: sessions.NewTracker(dataStore),
		Usage:    usage.NewRecorder(dataStore),
		Memory:   dataStore,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	srv := &Server{
		Store:        dataStore,
		Runtime:      rt,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		stopWorkers:  stopWorkers,
	}

	opts := api.Options{
		Auth:   middleware.NewAPIKeyAuth(cfg.Auth.APIKeys),
		Health: dataStore,
	}
	if !opts.Auth.Enabled() {
		log.Warn().Msg("⚠️  WIZARD_API_KEYS not set, API is unauthenticated")
	}
	if cfg.Telegram.BotToken != "" {
		srv.webhooks = telegram.NewHandler(telegram.HandlerConfig{
			Secret:   cfg.Telegram.WebhookSecret,
			Runner:   rt,
			Resolver: resolver,
			Sender: telegram.NewClient(telegram.ClientConfig{
				Token:   cfg.Telegram.BotToken,
				APIBase: cfg.Telegram.APIBase,
			}),
			Limiter:     telegram.NewChatLimiter(cfg.Telegram.RatePerMinute),
			BaseContext: workerCtx,
			Timeout:     cfg.Telegram.UpdateTimeout,
		})
		opts.Telegram = srv.webhooks
		if cfg.Telegram.WebhookSecret == "" {
			log.Warn().Msg("⚠️  TELEGRAM_WEBHOOK_SECRET not set, webhook requests are not verified")
		}
		log.Info().Msg("✅ Telegram channel enabled")
	}

	h := handlers.New(rt, dataStore, cat, governor, registry)
	srv.Handler = api.NewRouter(cfg, h, opts)
	return srv, nil
}

// workerGrace is how long cancelled webhook workers get to finish their
// session writes before the store is closed.
const workerGrace = 5 * time.Second

// Close waits for in-flight webhook updates until ctx expires, then cancels
// the rest, flushes telemetry and closes the store.
func (s *Server) Close(ctx context.Context) error {
	defer s.stopWorkers()
	if s.webhooks != nil {
		if !drain(ctx, s.webhooks.Wait, s.stopWorkers, workerGrace) {
			log.Warn().Msg("Webhook workers still running at shutdown")
		}
	}
	var errs []error
	if s.ShutdownFunc != nil {
		errs = append(errs, s.ShutdownFunc(ctx))
	}
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}

// drain blocks until wait returns. When ctx expires first it calls cancel and
// waits up to grace more. It reports whether wait returned.
func drain(ctx context.Context, wait, cancel func(), grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
	}

	log.Warn().Msg("Timed out waiting for webhook workers, cancelling")
	cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func applyOverrides(cfg *config.Config, pub *Config) {
	if pub == nil {
		return
	}
	if pub.Port > 0 {
		cfg.Port = pub.Port
	}
	if pub.Version != "" {
		cfg.Version = pub.Version
		cfg.Telemetry.Version = pub.Version
	}
	if pub.DatabaseURL != "" {
		cfg.Database.URL = pub.DatabaseURL
	}
	if pub.CatalogPath != "" {
		cfg.Catalog.Path = pub.CatalogPath
	}
	if pub.DefaultWizard != "" {
		cfg.Catalog.DefaultWizard = pub.DefaultWizard
	}
	if len(pub.APIKeys) > 0 {
		cfg.Auth.APIKeys = pub.APIKeys
	}
}

// newRegistry registers every adapter. Adapters without credentials stay
// registered and fail per call with a missing-credentials error.
func newRegistry(cfg config.ProvidersConfig) *providers.Registry {
	client := providers.NewHTTPClient(cfg.Timeout)
	return providers.NewRegistry(
		providers.NewMock(),
		providers.NewOpenAI(providers.Config{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey, Client: client}),
		providers.NewAnthropic(providers.Config{BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey, Client: client}),
		providers.NewOllama(providers.Config{BaseURL: cfg.OllamaBaseURL, Client: client}),
	)
}

func seedDefaultTenant(ctx context.Context, s store.Store) {
	if _, err := s.GetTenant(ctx, DefaultTenantID); err == nil {
		return
	}
	t := &models.Tenant{
		ID:     DefaultTenantID,
		Name:   "Default Tenant",
		Plan:   "free",
		Status: models.TenantActive,
	}
	if err := s.UpsertTenant(ctx, t); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default tenant")
	} else {
		log.Info().Msg("✅ Default tenant seeded")
	}
}

// seedCatalog upserts the tenants and identities declared in the catalog.
// Declared identities are always active; deactivation happens in the store.
func seedCatalog(ctx context.Context, s store.Store, cat *catalog.Catalog) {
	for _, t := range cat.SeedTenants() {
		t := t
		if t.Status == "" {
			t.Status = models.TenantActive
		}
		if err := s.UpsertTenant(ctx, &t); err != nil {
			log.Warn().Err(err).Str("tenant", t.ID).Msg("Failed to seed tenant")
		}
	}
	for _, id := range cat.SeedIdentities() {
		id := id
		if id.Channel == "" {
			id.Channel = models.ChannelTelegram
		}
		if id.ID == "" {
			id.ID = strings.Join([]string{string(id.Channel), id.ChatID, id.ExternalUserID}, ":")
		}
		id.Active = true
		if err := s.UpsertIdentity(ctx, &id); err != nil {
			log.Warn().Err(err).Str("chat", id.ChatID).Msg("Failed to seed identity")
		}
	}
	if n := len(cat.SeedTenants()) + len(cat.SeedIdentities()); n > 0 {
		log.Info().Int("tenants", len(cat.SeedTenants())).Int("identities", len(cat.SeedIdentities())).Msg("✅ Catalog seeds applied")
	}
}
