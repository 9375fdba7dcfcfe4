// Package models holds the domain types shared across the wizard runtime:
// wizard catalog entries, run requests/results, sessions, usage events,
// tenants and their channel identities.
package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// SandboxTenantID is the reserved tenant id for test/sandbox traffic.
// Runs for this tenant never touch budget, session, usage or memory state.
const SandboxTenantID = "__mock__"

// ── Wizard Catalog ───────────────────────────────────────────

// WizardDefinition is an immutable catalog entry describing one task profile.
type WizardDefinition struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Instructions string      `json:"instructions" yaml:"instructions"`
	AllowedTools []string    `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	MaxTurns     int         `json:"max_turns" yaml:"max_turns"`
	MaxBudgetUSD float64     `json:"max_budget_usd" yaml:"max_budget_usd"`
	Policy       ModelPolicy `json:"policy" yaml:"policy"`
}

// ModelTarget is a (provider, model) pair.
type ModelTarget struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

func (t ModelTarget) String() string {
	return t.Provider + "/" + t.Model
}

// IsZero reports whether the target names neither provider nor model.
func (t ModelTarget) IsZero() bool {
	return t.Provider == "" && t.Model == ""
}

// Trigger names the condition an escalation rule reacts to.
type Trigger string

const (
	TriggerHighRisk       Trigger = "high_risk"
	TriggerLongContext    Trigger = "long_context"
	TriggerHighComplexity Trigger = "high_complexity"
)

// EscalationRule overrides the default model choice when its trigger fires.
type EscalationRule struct {
	Trigger Trigger     `json:"trigger" yaml:"trigger"`
	Target  ModelTarget `json:"target" yaml:"target"`
}

// ModelPolicy declares the tiered targets and escalation rules of a wizard.
type ModelPolicy struct {
	Cheap       ModelTarget      `json:"cheap" yaml:"cheap"`
	Standard    ModelTarget      `json:"standard" yaml:"standard"`
	Premium     ModelTarget      `json:"premium" yaml:"premium"`
	Escalations []EscalationRule `json:"escalations,omitempty" yaml:"escalations"`
}

// Escalation returns the first rule declared for the trigger.
func (p ModelPolicy) Escalation(trigger Trigger) (ModelTarget, bool) {
	for _, rule := range p.Escalations {
		if rule.Trigger == trigger {
			return rule.Target, true
		}
	}
	return ModelTarget{}, false
}

// ── Run Request / Result ─────────────────────────────────────

// Channel identifies the ingestion path of a run.
type Channel string

const (
	ChannelAPI      Channel = "api"
	ChannelTelegram Channel = "telegram"
)

// ChatMessage is one role/content pair of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest is a single invocation of a wizard.
type RunRequest struct {
	Wizard    *WizardDefinition `json:"-"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id,omitempty"`
	Channel   Channel           `json:"channel"`
	SessionID string            `json:"session_id,omitempty"`

	Prompt string `json:"prompt"`
	// Context is retrieved memory text prepended to the user message.
	// It is not part of the prompt seen by model selection.
	Context string        `json:"context,omitempty"`
	History []ChatMessage `json:"history,omitempty"`

	PreferredProvider string `json:"preferred_provider,omitempty"`
	PreferredModel    string `json:"preferred_model,omitempty"`

	// Upper bounds handed to the provider, not enforced by the runtime.
	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
}

// UserMessage returns the final user turn: memory context followed by the prompt.
func (r *RunRequest) UserMessage() string {
	if strings.TrimSpace(r.Context) == "" {
		return r.Prompt
	}
	return r.Context + "\n\n" + r.Prompt
}

// SystemPrompt returns the wizard instructions, if any.
func (r *RunRequest) SystemPrompt() string {
	if r.Wizard == nil {
		return ""
	}
	return r.Wizard.Instructions
}

// Reason codes produced by model policy resolution.
const (
	ReasonExplicitOverride         = "explicit_override"
	ReasonPreferredProvider        = "preferred_provider"
	ReasonHighRiskEscalation       = "high_risk_escalation"
	ReasonHighRiskPremium          = "high_risk_premium"
	ReasonLongContextEscalation    = "long_context_escalation"
	ReasonHighComplexityEscalation = "high_complexity_escalation"
	ReasonHighComplexityStandard   = "high_complexity_standard"
	ReasonCheapDefault             = "cheap_default"
	ReasonSandbox                  = "sandbox"
)

// ResolvedDecision is the outcome of model policy resolution.
type ResolvedDecision struct {
	Target ModelTarget `json:"target"`
	Reason string      `json:"reason"`
}

// Usage is normalized cost/token accounting for one run.
type Usage struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	Turns        int     `json:"turns"`
}

// RunResult is the provider-independent output of a run.
type RunResult struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
	// Raw is the provider payload, kept for diagnostics only.
	Raw json.RawMessage `json:"raw,omitempty"`

	WizardID  string `json:"wizard_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ── Sessions ─────────────────────────────────────────────────

// SessionStatus tracks the lifecycle of a wizard session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// WizardSession is the persisted record of one run.
type WizardSession struct {
	ID                string        `json:"id" db:"id"`
	TenantID          string        `json:"tenant_id" db:"tenant_id"`
	UserID            string        `json:"user_id,omitempty" db:"user_id"`
	WizardID          string        `json:"wizard_id" db:"wizard_id"`
	Channel           Channel       `json:"channel" db:"channel"`
	ExternalSessionID string        `json:"external_session_id,omitempty" db:"external_session_id"`
	Status            SessionStatus `json:"status" db:"status"`
	StartedAt         time.Time     `json:"started_at" db:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	TotalCostUSD      float64       `json:"total_cost_usd" db:"total_cost_usd"`
	Turns             int           `json:"turns" db:"turns"`
	OutputExcerpt     string        `json:"output_excerpt,omitempty" db:"output_excerpt"`
	Error             string        `json:"error,omitempty" db:"error"`
}

// SessionOutcome carries the terminal fields written when a session finishes.
type SessionOutcome struct {
	Status        SessionStatus
	EndedAt       time.Time
	TotalCostUSD  float64
	Turns         int
	OutputExcerpt string
	Error         string
}

// ── Usage ────────────────────────────────────────────────────

// UsageEvent is an append-only spend fact for one completed run.
type UsageEvent struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	CostUSD    float64   `json:"cost_usd" db:"cost_usd"`
	Turns      int       `json:"turns" db:"turns"`
	Provider   string    `json:"provider" db:"provider"`
	Model      string    `json:"model" db:"model"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// UsageTotals is the aggregate of a tenant's usage within a window.
type UsageTotals struct {
	CostUSD  float64 `json:"cost_usd"`
	Sessions int     `json:"sessions"`
}

// ── Tenants & Identities ─────────────────────────────────────

// TenantStatus values. Only active tenants may run wizards.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Tenant is the runtime view of a tenant's configuration.
type Tenant struct {
	ID                string `json:"id" db:"id" yaml:"id"`
	Name              string `json:"name" db:"name" yaml:"name"`
	Plan              string `json:"plan" db:"plan" yaml:"plan"`
	Status            string `json:"status" db:"status" yaml:"status"`
	PreferredProvider string `json:"preferred_provider,omitempty" db:"preferred_provider" yaml:"preferred_provider"`
	PreferredModel    string `json:"preferred_model,omitempty" db:"preferred_model" yaml:"preferred_model"`
	// MonthlyBudgetUSD overrides the plan ceiling when set.
	MonthlyBudgetUSD *float64 `json:"monthly_budget_usd,omitempty" db:"monthly_budget_usd" yaml:"monthly_budget_usd"`
}

// IsActive reports whether the tenant may run wizards.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantActive
}

// TenantIdentity maps an external channel identity to a tenant and user.
type TenantIdentity struct {
	ID             string  `json:"id" db:"id" yaml:"id"`
	Channel        Channel `json:"channel" db:"channel" yaml:"channel"`
	ChatID         string  `json:"chat_id" db:"chat_id" yaml:"chat_id"`
	ExternalUserID string  `json:"external_user_id,omitempty" db:"external_user_id" yaml:"external_user_id"`
	TenantID       string  `json:"tenant_id" db:"tenant_id" yaml:"tenant_id"`
	UserID         string  `json:"user_id,omitempty" db:"user_id" yaml:"user_id"`
	Active         bool    `json:"active" db:"active" yaml:"active"`
}

// ── Cost Profiles & Budget ───────────────────────────────────

// TenantCostProfile is the per-plan spend policy. PreferredProviders is
// informational: it is served with the plan and never feeds routing, which
// only honors the tenant's own PreferredProvider/PreferredModel.
type TenantCostProfile struct {
	Plan                   string   `json:"plan" yaml:"plan"`
	MonthlyBudgetUSD       float64  `json:"monthly_budget_usd" yaml:"monthly_budget_usd"`
	PreferredProviders     []string `json:"preferred_providers" yaml:"preferred_providers"`
	AllowPremiumEscalation bool     `json:"allow_premium_escalation" yaml:"allow_premium_escalation"`
}

// BudgetStatus reports month-to-date spend against a ceiling.
type BudgetStatus struct {
	TenantID     string    `json:"tenant_id"`
	Plan         string    `json:"plan"`
	PeriodStart  time.Time `json:"period_start"`
	SpentUSD     float64   `json:"spent_usd"`
	Sessions     int       `json:"sessions"`
	CeilingUSD   float64   `json:"ceiling_usd"`
	RemainingUSD float64   `json:"remaining_usd"`
}

// ── Memory ───────────────────────────────────────────────────

// MemoryEntry is a short fact about a user used to enrich prompts.
type MemoryEntry struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Helpers ──────────────────────────────────────────────────

// Truncate shortens s to at most max runes, appending "…" when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return string(runes[:1])
	}
	return string(runes[:max-1]) + "…"
}
