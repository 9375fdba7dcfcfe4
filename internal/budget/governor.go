package budget

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/rs/zerolog/log"
)

// Governor compares month-to-date spend against a ceiling. Checks are
// read-only; spend is whatever the usage ledger holds at the time of the
// check, so concurrent runs admitted together may overshoot the ceiling.
type Governor struct {
	usage    store.UsageStore
	profiles *Profiles
	now      func() time.Time
}

func NewGovernor(usage store.UsageStore, profiles *Profiles) *Governor {
	return &Governor{usage: usage, profiles: profiles, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// Profiles returns the plan table the governor reads ceilings from.
func (g *Governor) Profiles() *Profiles { return g.profiles }

// MonthStart is 00:00:00 UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckBudget admits the tenant iff month-to-date spend does not exceed the
// plan ceiling. On rejection it returns the status and a
// *models.BudgetExceededError.
func (g *Governor) CheckBudget(ctx context.Context, tenantID, plan string) (*models.BudgetStatus, error) {
	return g.check(ctx, tenantID, plan, g.profiles.Get(plan).MonthlyBudgetUSD)
}

// CheckTenant is CheckBudget honoring the tenant's own ceiling override.
func (g *Governor) CheckTenant(ctx context.Context, t *models.Tenant) (*models.BudgetStatus, error) {
	return g.check(ctx, t.ID, t.Plan, g.Ceiling(t))
}

// Ceiling is the tenant's override when set, else its plan ceiling.
func (g *Governor) Ceiling(t *models.Tenant) float64 {
	if t.MonthlyBudgetUSD != nil {
		return *t.MonthlyBudgetUSD
	}
	return g.profiles.Get(t.Plan).MonthlyBudgetUSD
}

// Status reports spend without judging it.
func (g *Governor) Status(ctx context.Context, t *models.Tenant) (*models.BudgetStatus, error) {
	return g.status(ctx, t.ID, t.Plan, g.Ceiling(t))
}

func (g *Governor) status(ctx context.Context, tenantID, plan string, ceiling float64) (*models.BudgetStatus, error) {
	now := g.now().UTC()
	from := MonthStart(now)
	totals, err := g.usage.SumUsage(ctx, tenantID, from, now)
	if err != nil {
		return nil, fmt.Errorf("sum usage for tenant %s: %w", tenantID, err)
	}

	remaining := ceiling - totals.CostUSD
	if remaining < 0 {
		remaining = 0
	}
	metrics.BudgetSpentUSD.WithLabelValues(tenantID).Set(totals.CostUSD)

	return &models.BudgetStatus{
		TenantID:     tenantID,
		Plan:         g.profiles.Get(plan).Plan,
		PeriodStart:  from,
		SpentUSD:     totals.CostUSD,
		Sessions:     totals.Sessions,
		CeilingUSD:   ceiling,
		RemainingUSD: remaining,
	}, nil
}

func (g *Governor) check(ctx context.Context, tenantID, plan string, ceiling float64) (*models.BudgetStatus, error) {
	st, err := g.status(ctx, tenantID, plan, ceiling)
	if err != nil {
		return nil, err
	}
	if exceeds(st.SpentUSD, ceiling) {
		metrics.BudgetRejections.WithLabelValues(st.Plan).Inc()
		log.Warn().
			Str("tenant", tenantID).
			Str("plan", st.Plan).
			Float64("spent_usd", st.SpentUSD).
			Float64("ceiling_usd", ceiling).
			Msg("Monthly budget exceeded")
		return st, &models.BudgetExceededError{
			TenantID:   tenantID,
			Plan:       st.Plan,
			SpentUSD:   st.SpentUSD,
			CeilingUSD: ceiling,
		}
	}
	return st, nil
}

// exceeds compares in whole micro-dollars so summation drift in the float
// total cannot reject a tenant sitting exactly at its ceiling.
func exceeds(spent, ceiling float64) bool {
	return micros(spent) > micros(ceiling)
}

func micros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}
