package catalog

import "github.com/agentoven/wizard-runtime/pkg/models"

var (
	gpt4oMini    = models.ModelTarget{Provider: "openai", Model: "gpt-4o-mini"}
	gpt4o        = models.ModelTarget{Provider: "openai", Model: "gpt-4o"}
	claudeHaiku  = models.ModelTarget{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}
	claudeSonnet = models.ModelTarget{Provider: "anthropic", Model: "claude-sonnet-4-20250514"}
	claudeOpus   = models.ModelTarget{Provider: "anthropic", Model: "claude-opus-4-20250514"}
)

func builtinWizards() []models.WizardDefinition {
	return []models.WizardDefinition{
		{
			ID:   "builder",
			Name: "Builder",
			Instructions: "You are Builder, a pragmatic software engineer. Produce working, " +
				"minimal solutions. State assumptions briefly and prefer concrete steps over theory.",
			AllowedTools: []string{"read_file", "write_file", "run_tests"},
			MaxTurns:     8,
			MaxBudgetUSD: 0.50,
			Policy: models.ModelPolicy{
				Cheap:    gpt4oMini,
				Standard: claudeSonnet,
				Premium:  claudeOpus,
				Escalations: []models.EscalationRule{
					{Trigger: models.TriggerHighRisk, Target: claudeOpus},
					{Trigger: models.TriggerLongContext, Target: claudeSonnet},
				},
			},
		},
		{
			ID:   "reviewer",
			Name: "Reviewer",
			Instructions: "You are Reviewer. Read the change carefully, point out defects and " +
				"risky patterns, and suggest specific fixes. Be direct and brief.",
			AllowedTools: []string{"read_file"},
			MaxTurns:     4,
			MaxBudgetUSD: 0.30,
			Policy: models.ModelPolicy{
				Cheap:    gpt4oMini,
				Standard: gpt4o,
				Premium:  claudeOpus,
				Escalations: []models.EscalationRule{
					{Trigger: models.TriggerHighComplexity, Target: claudeSonnet},
				},
			},
		},
		{
			ID:   "support",
			Name: "Support",
			Instructions: "You are Support, a friendly assistant for customers. Answer clearly, " +
				"never promise refunds or account changes, and suggest contacting a human when unsure.",
			MaxTurns:     3,
			MaxBudgetUSD: 0.05,
			Policy: models.ModelPolicy{
				Cheap:    claudeHaiku,
				Standard: gpt4o,
				Premium:  claudeSonnet,
			},
		},
		{
			ID:   "analyst",
			Name: "Analyst",
			Instructions: "You are Analyst. Break the question down, weigh the options explicitly " +
				"and end with a short recommendation.",
			MaxTurns:     6,
			MaxBudgetUSD: 1.00,
			Policy: models.ModelPolicy{
				Cheap:    gpt4oMini,
				Standard: claudeSonnet,
				Premium:  claudeOpus,
				Escalations: []models.EscalationRule{
					{Trigger: models.TriggerHighRisk, Target: claudeOpus},
					{Trigger: models.TriggerLongContext, Target: claudeSonnet},
					{Trigger: models.TriggerHighComplexity, Target: claudeSonnet},
				},
			},
		},
	}
}

func builtinPlans() []models.TenantCostProfile {
	return []models.TenantCostProfile{
		{Plan: "free", MonthlyBudgetUSD: 5, PreferredProviders: []string{"openai"}},
		{Plan: "starter", MonthlyBudgetUSD: 25, PreferredProviders: []string{"openai", "anthropic"}},
		{Plan: "pro", MonthlyBudgetUSD: 100, PreferredProviders: []string{"anthropic", "openai"}, AllowPremiumEscalation: true},
		{Plan: "enterprise", MonthlyBudgetUSD: 1000, PreferredProviders: []string{"anthropic", "openai"}, AllowPremiumEscalation: true},
	}
}
