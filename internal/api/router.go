package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/wizard-runtime/internal/api/handlers"
	"github.com/agentoven/wizard-runtime/internal/api/middleware"
	"github.com/agentoven/wizard-runtime/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options are the pieces of the router that are optional.
type Options struct {
	// Telegram handles POST /webhooks/telegram. Nil leaves the route out.
	Telegram http.Handler
	Auth     *middleware.APIKeyAuth
	Health   Pinger
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware)
	}

	// Health & info
	r.Get("/health", healthHandler(opts.Health))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// Direct call
	r.Post("/run-wizard", h.RunWizard)

	// Channels
	if opts.Telegram != nil {
		r.Method(http.MethodPost, "/webhooks/telegram", opts.Telegram)
	}

	// API v1 (read-only views)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))

		r.Route("/wizards", func(r chi.Router) {
			r.Get("/", h.ListWizards)
			r.Get("/{wizardId}", h.GetWizard)
		})
		r.Get("/providers", h.ListProviders)
		r.Get("/plans", h.ListPlans)

		r.Route("/tenants/{tenantId}", func(r chi.Router) {
			r.Get("/budget", h.GetBudget)
			r.Get("/sessions", h.ListTenantSessions)
		})
		r.Get("/sessions/{sessionId}", h.GetSession)
	})

	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "wizard-runtime",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "wizard-runtime",
		})
	}
}
