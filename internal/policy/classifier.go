package policy

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Classifier flags prompts that warrant a stronger model.
type Classifier interface {
	HighRisk(prompt string) bool
	HighComplexity(prompt string) bool
}

// DefaultRiskKeywords mark prompts touching destructive or sensitive operations.
var DefaultRiskKeywords = []string{
	"delete",
	"deletion",
	"drop table",
	"truncate",
	"production",
	"prod database",
	"billing",
	"payment",
	"refund",
	"access control",
	"access-control",
	"permission",
	"rbac",
	"credential",
}

// DefaultComplexityKeywords mark prompts that need reasoning over trade-offs.
var DefaultComplexityKeywords = []string{
	"architecture",
	"refactor",
	"security",
	"compliance",
	"trade-off",
	"optimization",
	"migration",
	"policy",
	"multi-tenant",
	"compare",
}

// KeywordClassifier does a case-insensitive substring scan over fixed lists.
// Substring matching over-triggers ("undelete" matches "delete"); callers
// accept the extra cost of an occasional premium call.
type KeywordClassifier struct {
	risk       []string
	complexity []string
}

// NewKeywordClassifier builds a classifier from keyword lists. Nil lists fall
// back to the defaults.
func NewKeywordClassifier(risk, complexity []string) *KeywordClassifier {
	if risk == nil {
		risk = DefaultRiskKeywords
	}
	if complexity == nil {
		complexity = DefaultComplexityKeywords
	}
	return &KeywordClassifier{
		risk:       lowerAll(risk),
		complexity: lowerAll(complexity),
	}
}

func (k *KeywordClassifier) HighRisk(prompt string) bool {
	return containsAny(prompt, k.risk)
}

func (k *KeywordClassifier) HighComplexity(prompt string) bool {
	return containsAny(prompt, k.complexity)
}

func containsAny(prompt string, keywords []string) bool {
	p := strings.ToLower(prompt)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

// ── Expression rules ────────────────────────────────────────

// RuleKind says which signal an expression rule raises.
type RuleKind string

const (
	RuleRisk       RuleKind = "risk"
	RuleComplexity RuleKind = "complexity"
)

// Rule is an externally configured boolean expression over the prompt, e.g.
//
//	lower(prompt) contains "wipe"
//	len(prompt) > 4000
type Rule struct {
	Name string   `yaml:"name" json:"name"`
	Kind RuleKind `yaml:"kind" json:"kind"`
	Expr string   `yaml:"expr" json:"expr"`
}

// ruleEnv is the variable set visible to rule expressions.
type ruleEnv struct {
	Prompt string `expr:"prompt"`
	Length int    `expr:"length"`
}

type compiledRule struct {
	name    string
	kind    RuleKind
	program *vm.Program
}

// ExprClassifier evaluates compiled expr-lang rules. A rule that fails at
// run time counts as not matching.
type ExprClassifier struct {
	rules []compiledRule
}

// NewExprClassifier compiles rules; any compile error rejects the whole set.
func NewExprClassifier(rules []Rule) (*ExprClassifier, error) {
	c := &ExprClassifier{}
	for _, r := range rules {
		if r.Kind != RuleRisk && r.Kind != RuleComplexity {
			return nil, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}
		program, err := expr.Compile(r.Expr, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		c.rules = append(c.rules, compiledRule{name: r.Name, kind: r.Kind, program: program})
	}
	return c, nil
}

// Len returns the number of compiled rules.
func (c *ExprClassifier) Len() int { return len(c.rules) }

func (c *ExprClassifier) HighRisk(prompt string) bool {
	return c.match(RuleRisk, prompt)
}

func (c *ExprClassifier) HighComplexity(prompt string) bool {
	return c.match(RuleComplexity, prompt)
}

func (c *ExprClassifier) match(kind RuleKind, prompt string) bool {
	env := ruleEnv{Prompt: prompt, Length: len([]rune(prompt))}
	for _, r := range c.rules {
		if r.kind != kind {
			continue
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true
		}
	}
	return false
}

// AnyClassifier raises a signal when any member raises it.
type AnyClassifier []Classifier

func (a AnyClassifier) HighRisk(prompt string) bool {
	for _, c := range a {
		if c.HighRisk(prompt) {
			return true
		}
	}
	return false
}

func (a AnyClassifier) HighComplexity(prompt string) bool {
	for _, c := range a {
		if c.HighComplexity(prompt) {
			return true
		}
	}
	return false
}
