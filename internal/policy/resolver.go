// Package policy chooses the provider and model for a wizard run.
//
// Resolution is pure: the same request always yields the same decision, and
// nothing outside the request and the wizard's declared policy is consulted.
package policy

import (
	"unicode/utf8"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

// LongContextThreshold is the history size, in characters, above which a
// wizard's long_context escalation applies.
const LongContextThreshold = 9000

// Resolver applies a wizard's ModelPolicy to a request.
type Resolver struct {
	classifier Classifier
}

// NewResolver returns a resolver using the given classifier, or the default
// keyword classifier when nil.
func NewResolver(c Classifier) *Resolver {
	if c == nil {
		c = NewKeywordClassifier(nil, nil)
	}
	return &Resolver{classifier: c}
}

// Resolve picks a target. The first matching rule wins:
//
//  1. explicit provider and model
//  2. preferred provider only
//  3. high risk
//  4. long history (only when the wizard declares a long_context escalation)
//  5. high complexity
//  6. cheap default
//
// Only the caller's prompt is classified; memory context never changes the outcome.
func (r *Resolver) Resolve(req *models.RunRequest) models.ResolvedDecision {
	var p models.ModelPolicy
	if req.Wizard != nil {
		p = req.Wizard.Policy
	}

	if req.PreferredProvider != "" && req.PreferredModel != "" {
		return decision(models.ModelTarget{Provider: req.PreferredProvider, Model: req.PreferredModel},
			models.ReasonExplicitOverride)
	}

	if req.PreferredProvider != "" {
		model := p.Cheap.Model
		if req.PreferredProvider == p.Standard.Provider {
			model = p.Standard.Model
		}
		return decision(models.ModelTarget{Provider: req.PreferredProvider, Model: model},
			models.ReasonPreferredProvider)
	}

	if r.classifier.HighRisk(req.Prompt) {
		if target, ok := p.Escalation(models.TriggerHighRisk); ok {
			return decision(target, models.ReasonHighRiskEscalation)
		}
		return decision(p.Premium, models.ReasonHighRiskPremium)
	}

	// No long_context rule means fall through to the complexity check.
	if HistoryLength(req.History) > LongContextThreshold {
		if target, ok := p.Escalation(models.TriggerLongContext); ok {
			return decision(target, models.ReasonLongContextEscalation)
		}
	}

	if r.classifier.HighComplexity(req.Prompt) {
		if target, ok := p.Escalation(models.TriggerHighComplexity); ok {
			return decision(target, models.ReasonHighComplexityEscalation)
		}
		return decision(p.Standard, models.ReasonHighComplexityStandard)
	}

	return decision(p.Cheap, models.ReasonCheapDefault)
}

// HistoryLength is the total character count of all history message contents.
func HistoryLength(history []models.ChatMessage) int {
	n := 0
	for _, m := range history {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

func decision(t models.ModelTarget, reason string) models.ResolvedDecision {
	return models.ResolvedDecision{Target: t, Reason: reason}
}
