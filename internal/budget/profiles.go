// Package budget enforces monthly spend ceilings per tenant.
package budget

import "github.com/agentoven/wizard-runtime/pkg/models"

// DefaultPlan names the profile used for plans nobody configured.
const DefaultPlan = "default"

// defaultProfile mirrors the free plan's limits.
var defaultProfile = models.TenantCostProfile{
	Plan:               DefaultPlan,
	MonthlyBudgetUSD:   5,
	PreferredProviders: []string{"openai"},
}

// Profiles is a read-only plan → cost profile table.
type Profiles struct {
	byPlan   map[string]models.TenantCostProfile
	fallback models.TenantCostProfile
}

// NewProfiles builds the table. A plan named "default" replaces the built-in
// fallback.
func NewProfiles(plans []models.TenantCostProfile) *Profiles {
	p := &Profiles{
		byPlan:   make(map[string]models.TenantCostProfile, len(plans)),
		fallback: defaultProfile,
	}
	for _, plan := range plans {
		if plan.Plan == DefaultPlan {
			p.fallback = plan
			continue
		}
		p.byPlan[plan.Plan] = plan
	}
	return p
}

// Get never fails: unknown or empty plans get the default profile.
func (p *Profiles) Get(plan string) models.TenantCostProfile {
	if prof, ok := p.byPlan[plan]; ok {
		return prof
	}
	return p.fallback
}
