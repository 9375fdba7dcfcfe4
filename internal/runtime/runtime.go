// Package runtime executes wizard runs end to end: admission against the
// tenant budget, session bookkeeping, model selection, provider dispatch and
// usage recording.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/wizard-runtime/internal/budget"
	"github.com/agentoven/wizard-runtime/internal/catalog"
	"github.com/agentoven/wizard-runtime/internal/identity"
	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/agentoven/wizard-runtime/internal/policy"
	"github.com/agentoven/wizard-runtime/internal/providers"
	"github.com/agentoven/wizard-runtime/internal/sessions"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/internal/usage"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("wizard-runtime/runtime")

const (
	// memoryRecall is how many remembered facts are prepended to a prompt.
	memoryRecall      = 5
	memoryPromptLimit = 200
)

// Deps are the collaborators of a Runtime. All are required.
type Deps struct {
	Catalog  *catalog.Catalog
	Policy   *policy.Resolver
	Registry *providers.Registry
	Identity *identity.Resolver
	Governor *budget.Governor
	Sessions *sessions.Tracker
	Usage    *usage.Recorder
	Memory   store.UserMemoryStore
}

// Runtime is stateless between runs; concurrent Run calls share only
// read-only configuration and the internally synchronized store.
type Runtime struct {
	catalog  *catalog.Catalog
	policy   *policy.Resolver
	registry *providers.Registry
	identity *identity.Resolver
	governor *budget.Governor
	sessions *sessions.Tracker
	usage    *usage.Recorder
	memory   store.UserMemoryStore
}

func New(d Deps) *Runtime {
	return &Runtime{
		catalog:  d.Catalog,
		policy:   d.Policy,
		registry: d.Registry,
		identity: d.Identity,
		governor: d.Governor,
		sessions: d.Sessions,
		usage:    d.Usage,
		memory:   d.Memory,
	}
}

// Input is one run as received from a channel.
type Input struct {
	TenantID string
	// WizardID is used when the prompt carries no /wizard prefix. Empty
	// selects the catalog default.
	WizardID          string
	UserID            string
	Channel           models.Channel
	ExternalSessionID string
	Prompt            string
	History           []models.ChatMessage
	PreferredProvider string
	PreferredModel    string
}

// Sandbox reports whether the input targets the sandbox tenant.
func (in Input) Sandbox() bool {
	return in.TenantID == models.SandboxTenantID
}

// ParseWizardPrefix splits "/wizard <id> <prompt>" into the wizard id and the
// remaining prompt. ok is false when the prompt carries no prefix.
func ParseWizardPrefix(prompt string) (wizardID, rest string, ok bool) {
	trimmed := strings.TrimSpace(prompt)
	const prefix = "/wizard"
	if !strings.HasPrefix(trimmed, prefix) {
		return "", prompt, false
	}
	after := trimmed[len(prefix):]
	if after != "" && after[0] != ' ' && after[0] != '\t' && after[0] != '\n' {
		return "", prompt, false // e.g. "/wizardry"
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", prompt, false
	}
	wizardID = fields[0]
	rest = strings.TrimSpace(after[strings.Index(after, wizardID)+len(wizardID):])
	return wizardID, rest, true
}

// Wizard resolves the definition a run will use.
func (rt *Runtime) Wizard(in Input) (*models.WizardDefinition, string, error) {
	prompt := in.Prompt
	id := in.WizardID
	if prefixed, rest, ok := ParseWizardPrefix(in.Prompt); ok {
		id, prompt = prefixed, rest
	}
	if id == "" {
		id = rt.catalog.DefaultWizard()
	}
	w, ok := rt.catalog.Wizard(id)
	if !ok {
		return nil, "", models.InvalidInputf("unknown wizard %q", id)
	}
	return w, prompt, nil
}

// Run executes one wizard run. Admission failures create no session; every
// admitted run ends with its session completed or failed.
func (rt *Runtime) Run(ctx context.Context, in Input) (*models.RunResult, error) {
	start := time.Now()

	wiz, prompt, err := rt.Wizard(in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, models.InvalidInputf("prompt is required")
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, models.InvalidInputf("tenantId is required")
	}

	ctx, span := tracer.Start(ctx, "wizard.run", trace.WithAttributes(
		attribute.String("wizard.tenant", in.TenantID),
		attribute.String("wizard.id", wiz.ID),
		attribute.String("wizard.channel", string(in.Channel)),
		attribute.Bool("wizard.sandbox", in.Sandbox()),
	))
	defer span.End()

	var res *models.RunResult
	outcome := "completed"
	if in.Sandbox() {
		outcome = "sandbox"
		if res, err = rt.runSandbox(ctx, wiz, in, prompt); err != nil {
			outcome = "failed"
		}
	} else {
		res, outcome, err = rt.runTenant(ctx, wiz, in, prompt)
	}

	metrics.RunsTotal.WithLabelValues(wiz.ID, string(in.Channel), outcome).Inc()
	metrics.RunDuration.WithLabelValues(wiz.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("wizard.session", res.SessionID),
		attribute.Float64("wizard.cost_usd", res.Usage.CostUSD),
	)
	return res, nil
}

// runSandbox calls the mock adapter and nothing else.
func (rt *Runtime) runSandbox(ctx context.Context, wiz *models.WizardDefinition, in Input, prompt string) (*models.RunResult, error) {
	req := &models.RunRequest{
		Wizard:   wiz,
		TenantID: models.SandboxTenantID,
		UserID:   in.UserID,
		Channel:  in.Channel,
		Prompt:   prompt,
		History:  in.History,
		MaxTurns: wiz.MaxTurns,
	}
	decorate(ctx, models.ResolvedDecision{Target: providers.SandboxTarget, Reason: models.ReasonSandbox})
	res, err := rt.registry.Run(ctx, req, providers.SandboxTarget)
	if err != nil {
		return nil, err
	}
	res.WizardID = wiz.ID
	res.Reason = models.ReasonSandbox
	return res, nil
}

func (rt *Runtime) runTenant(ctx context.Context, wiz *models.WizardDefinition, in Input, prompt string) (*models.RunResult, string, error) {
	tenant, err := rt.identity.ResolveTenant(ctx, in.TenantID)
	if err != nil {
		return nil, "rejected", err
	}
	if _, err := rt.governor.CheckTenant(ctx, tenant); err != nil {
		return nil, "rejected", err
	}

	sess, err := rt.sessions.Open(ctx, sessions.OpenParams{
		TenantID:          tenant.ID,
		UserID:            in.UserID,
		WizardID:          wiz.ID,
		Channel:           in.Channel,
		ExternalSessionID: in.ExternalSessionID,
	})
	if err != nil {
		return nil, "failed", err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("wizard.session", sess.ID))
	logger := log.With().Str("tenant", tenant.ID).Str("wizard", wiz.ID).Str("session", sess.ID).Logger()

	req := &models.RunRequest{
		Wizard:            wiz,
		TenantID:          tenant.ID,
		UserID:            in.UserID,
		Channel:           in.Channel,
		SessionID:         sess.ID,
		Prompt:            prompt,
		Context:           rt.recall(ctx, tenant.ID, in.UserID),
		History:           in.History,
		PreferredProvider: in.PreferredProvider,
		PreferredModel:    in.PreferredModel,
		MaxTurns:          wiz.MaxTurns,
		MaxBudgetUSD:      wiz.MaxBudgetUSD,
	}
	if req.PreferredProvider == "" && req.PreferredModel == "" {
		req.PreferredProvider = tenant.PreferredProvider
		req.PreferredModel = tenant.PreferredModel
	}

	res, err := rt.Execute(ctx, req)

	// Bookkeeping must land even if the caller's context is gone.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, models.ErrUnregisteredProvider) || errors.Is(err, models.ErrMissingCredentials) {
			logger.Error().Err(err).Msg("Wizard provider misconfigured")
		} else {
			logger.Warn().Err(err).Msg("Wizard run failed")
		}
		if _, ferr := rt.sessions.Fail(writeCtx, sess, err); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to mark session failed")
		}
		return nil, "failed", err
	}
	res.SessionID = sess.ID

	if _, cerr := rt.sessions.Complete(writeCtx, sess, res); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to complete session")
	}
	if _, _, uerr := rt.usage.Record(writeCtx, sess, res); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to record usage")
	}
	rt.remember(writeCtx, sess, wiz, prompt, res)

	if res.Model == wiz.Policy.Premium.Model && !rt.governor.Profiles().Get(tenant.Plan).AllowPremiumEscalation {
		logger.Info().Str("plan", tenant.Plan).Str("model", res.Model).
			Msg("Premium model used on a plan without premium escalation")
	}
	logger.Info().
		Str("provider", res.Provider).
		Str("model", res.Model).
		Str("reason", res.Reason).
		Float64("cost_usd", res.Usage.CostUSD).
		Msg("Wizard run completed")
	return res, "completed", nil
}

// Execute resolves the model for req and dispatches it. It touches no
// budget, session or usage state.
func (rt *Runtime) Execute(ctx context.Context, req *models.RunRequest) (*models.RunResult, error) {
	if req.Wizard == nil {
		return nil, models.InvalidInputf("request names no wizard")
	}
	d := rt.policy.Resolve(req)
	decorate(ctx, d)
	metrics.RoutingDecisions.WithLabelValues(d.Reason, d.Target.Provider).Inc()

	res, err := rt.registry.Run(ctx, req, d.Target)
	if err != nil {
		return nil, fmt.Errorf("wizard %s via %s: %w", req.Wizard.ID, d.Target, err)
	}
	res.WizardID = req.Wizard.ID
	res.SessionID = req.SessionID
	res.Reason = d.Reason
	return res, nil
}

func decorate(ctx context.Context, d models.ResolvedDecision) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("wizard.provider", d.Target.Provider),
		attribute.String("wizard.model", d.Target.Model),
		attribute.String("wizard.reason", d.Reason),
	)
}

// ── Memory ──────────────────────────────────────────────────

func (rt *Runtime) recall(ctx context.Context, tenantID, userID string) string {
	if userID == "" || rt.memory == nil {
		return ""
	}
	entries, err := rt.memory.ListMemories(ctx, tenantID, userID, memoryRecall)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Str("user", userID).Msg("Memory read failed, continuing without context")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent requests from this user:")
	for _, e := range entries {
		b.WriteString("\n- ")
		b.WriteString(e.Content)
	}
	return b.String()
}

// remember stores the exchange as one entry: the prompt and the reply, both
// truncated.
func (rt *Runtime) remember(ctx context.Context, sess *models.WizardSession, wiz *models.WizardDefinition, prompt string, res *models.RunResult) {
	if sess.UserID == "" || rt.memory == nil {
		return
	}
	content := fmt.Sprintf("asked %s: %s\nreply: %s", wiz.Name,
		models.Truncate(prompt, memoryPromptLimit), models.Truncate(res.Text, memoryPromptLimit))
	entry := &models.MemoryEntry{
		ID:        sess.ID,
		TenantID:  sess.TenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := rt.memory.SaveMemory(ctx, entry); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("Memory write failed")
	}
}
