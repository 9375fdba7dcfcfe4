// Package handlers implements the HTTP handlers of the wizard runtime.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentoven/wizard-runtime/internal/budget"
	"github.com/agentoven/wizard-runtime/internal/catalog"
	"github.com/agentoven/wizard-runtime/internal/providers"
	"github.com/agentoven/wizard-runtime/internal/runtime"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies; prompts beyond this are rejected.
const maxBodyBytes = 1 << 20

// Runner executes wizard runs.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (*models.RunResult, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Runtime  Runner
	Store    store.Store
	Catalog  *catalog.Catalog
	Governor *budget.Governor
	Registry *providers.Registry
}

func New(rt Runner, s store.Store, cat *catalog.Catalog, gov *budget.Governor, reg *providers.Registry) *Handlers {
	return &Handlers{Runtime: rt, Store: s, Catalog: cat, Governor: gov, Registry: reg}
}

// ══════════════════════════════════════════════════════════════
// ── Direct Run ───────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RunWizardRequest is the body of POST /run-wizard.
type RunWizardRequest struct {
	TenantID          string `json:"tenantId"`
	Prompt            string `json:"prompt"`
	WizardID          string `json:"wizardId,omitempty"`
	UserID            string `json:"userId,omitempty"`
	PreferredProvider string `json:"preferredProvider,omitempty"`
	PreferredModel    string `json:"preferredModel,omitempty"`
}

// RunWizardResponse is the body of a successful run.
type RunWizardResponse struct {
	Text      string  `json:"text"`
	WizardID  string  `json:"wizardId"`
	CostUSD   float64 `json:"costUsd"`
	Turns     int     `json:"turns"`
	SessionID string  `json:"sessionId,omitempty"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Reason    string  `json:"reason"`
}

func (h *Handlers) RunWizard(w http.ResponseWriter, r *http.Request) {
	var req RunWizardRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	res, err := h.Runtime.Run(r.Context(), runtime.Input{
		TenantID:          req.TenantID,
		WizardID:          req.WizardID,
		UserID:            req.UserID,
		Channel:           models.ChannelAPI,
		Prompt:            req.Prompt,
		PreferredProvider: req.PreferredProvider,
		PreferredModel:    req.PreferredModel,
	})
	if err != nil {
		respondRunError(w, req.TenantID, err)
		return
	}

	respondJSON(w, http.StatusOK, RunWizardResponse{
		Text:      res.Text,
		WizardID:  res.WizardID,
		CostUSD:   res.Usage.CostUSD,
		Turns:     res.Usage.Turns,
		SessionID: res.SessionID,
		Provider:  res.Provider,
		Model:     res.Model,
		Reason:    res.Reason,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Catalog ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListWizards(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"default": h.Catalog.DefaultWizard(),
		"wizards": h.Catalog.Wizards(),
	})
}

func (h *Handlers) GetWizard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "wizardId")
	wiz, ok := h.Catalog.Wizard(id)
	if !ok {
		respondError(w, http.StatusNotFound, "wizard not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, wiz)
}

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"providers": h.Registry.Providers()})
}

func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.Plans())
}

// ══════════════════════════════════════════════════════════════
// ── Tenants, Budget & Sessions ───────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	status, err := h.Governor.Status(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) ListTenantSessions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := h.Store.ListSessions(r.Context(), tenant.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.WizardSession{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// tenant loads the {tenantId} path tenant regardless of status, writing 404
// when it does not exist.
func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	id := chi.URLParam(r, "tenantId")
	t, err := h.Store.GetTenant(r.Context(), id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "tenant not found: "+id)
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return t, true
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// StatusFor maps runtime errors onto HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTenantNotFound), errors.Is(err, models.ErrTenantInactive):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondRunError(w http.ResponseWriter, tenantID string, err error) {
	status := StatusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("tenant", tenantID).Msg("Wizard run failed")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
