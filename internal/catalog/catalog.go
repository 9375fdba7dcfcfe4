// Package catalog holds the static configuration of the runtime: the wizard
// definitions, per-plan cost profiles, classifier settings and the tenants and
// channel identities seeded at startup.
//
// Built-in defaults are always present. An optional YAML file (set via
// WIZARD_CATALOG_PATH) is merged over them: wizards and plans replace
// built-ins with the same id, keyword lists replace the defaults when
// non-empty, and expression rules, tenants and identities are added.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/agentoven/wizard-runtime/internal/policy"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultWizardID is used when a request names no wizard.
const DefaultWizardID = "builder"

// ClassifierConfig configures prompt classification.
type ClassifierConfig struct {
	RiskKeywords       []string      `yaml:"risk_keywords"`
	ComplexityKeywords []string      `yaml:"complexity_keywords"`
	Rules              []policy.Rule `yaml:"rules"`
}

// File is the on-disk YAML shape.
type File struct {
	DefaultWizard string                     `yaml:"default_wizard"`
	Wizards       []models.WizardDefinition  `yaml:"wizards"`
	Plans         []models.TenantCostProfile `yaml:"plans"`
	Classifier    ClassifierConfig           `yaml:"classifier"`
	Tenants       []models.Tenant            `yaml:"tenants"`
	Identities    []models.TenantIdentity    `yaml:"identities"`
}

// Catalog is read-only once loaded.
type Catalog struct {
	defaultWizard string
	wizards       map[string]*models.WizardDefinition
	plans         []models.TenantCostProfile
	classifier    ClassifierConfig
	tenants       []models.Tenant
	identities    []models.TenantIdentity
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{
		defaultWizard: DefaultWizardID,
		wizards:       make(map[string]*models.WizardDefinition),
		plans:         builtinPlans(),
	}
	for _, w := range builtinWizards() {
		w := w
		c.wizards[w.ID] = &w
	}
	return c
}

// Load returns the built-in catalog merged with the YAML file at path.
// An empty path yields the defaults.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.merge(&f); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Int("wizards", len(c.wizards)).
		Int("plans", len(c.plans)).
		Int("rules", len(c.classifier.Rules)).
		Msg("Catalog loaded")
	return c, nil
}

func (c *Catalog) merge(f *File) error {
	for i := range f.Wizards {
		w := f.Wizards[i]
		if err := validateWizard(&w); err != nil {
			return err
		}
		c.wizards[w.ID] = &w
	}
	for _, p := range f.Plans {
		if p.Plan == "" {
			return fmt.Errorf("plan entry without a name")
		}
		c.upsertPlan(p)
	}
	if f.DefaultWizard != "" {
		c.defaultWizard = f.DefaultWizard
	}
	if _, ok := c.wizards[c.defaultWizard]; !ok {
		return fmt.Errorf("default wizard %q is not defined", c.defaultWizard)
	}

	if len(f.Classifier.RiskKeywords) > 0 {
		c.classifier.RiskKeywords = f.Classifier.RiskKeywords
	}
	if len(f.Classifier.ComplexityKeywords) > 0 {
		c.classifier.ComplexityKeywords = f.Classifier.ComplexityKeywords
	}
	c.classifier.Rules = append(c.classifier.Rules, f.Classifier.Rules...)

	c.tenants = append(c.tenants, f.Tenants...)
	c.identities = append(c.identities, f.Identities...)
	return nil
}

func (c *Catalog) upsertPlan(p models.TenantCostProfile) {
	for i := range c.plans {
		if c.plans[i].Plan == p.Plan {
			c.plans[i] = p
			return
		}
	}
	c.plans = append(c.plans, p)
}

func validateWizard(w *models.WizardDefinition) error {
	if w.ID == "" {
		return fmt.Errorf("wizard entry without an id")
	}
	if w.Name == "" {
		w.Name = w.ID
	}
	tiers := map[string]models.ModelTarget{
		"cheap":    w.Policy.Cheap,
		"standard": w.Policy.Standard,
		"premium":  w.Policy.Premium,
	}
	for tier, t := range tiers {
		if t.Provider == "" || t.Model == "" {
			return fmt.Errorf("wizard %q: %s target needs provider and model", w.ID, tier)
		}
	}
	for _, e := range w.Policy.Escalations {
		switch e.Trigger {
		case models.TriggerHighRisk, models.TriggerLongContext, models.TriggerHighComplexity:
		default:
			return fmt.Errorf("wizard %q: unknown escalation trigger %q", w.ID, e.Trigger)
		}
		if e.Target.Provider == "" || e.Target.Model == "" {
			return fmt.Errorf("wizard %q: %s escalation needs provider and model", w.ID, e.Trigger)
		}
	}
	return nil
}

// Wizard returns the wizard with the given id.
func (c *Catalog) Wizard(id string) (*models.WizardDefinition, bool) {
	w, ok := c.wizards[id]
	return w, ok
}

// DefaultWizard returns the id of the wizard used when none is named.
func (c *Catalog) DefaultWizard() string { return c.defaultWizard }

// SetDefaultWizard changes the fallback wizard; the id must exist.
func (c *Catalog) SetDefaultWizard(id string) error {
	if _, ok := c.wizards[id]; !ok {
		return fmt.Errorf("unknown wizard %q", id)
	}
	c.defaultWizard = id
	return nil
}

// Wizards lists all wizards sorted by id.
func (c *Catalog) Wizards() []models.WizardDefinition {
	out := make([]models.WizardDefinition, 0, len(c.wizards))
	for _, w := range c.wizards {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Plans returns the configured cost profiles.
func (c *Catalog) Plans() []models.TenantCostProfile {
	return append([]models.TenantCostProfile(nil), c.plans...)
}

// Classifier builds the prompt classifier described by the catalog.
func (c *Catalog) Classifier() (policy.Classifier, error) {
	kw := policy.NewKeywordClassifier(nilIfEmpty(c.classifier.RiskKeywords), nilIfEmpty(c.classifier.ComplexityKeywords))
	if len(c.classifier.Rules) == 0 {
		return kw, nil
	}
	ex, err := policy.NewExprClassifier(c.classifier.Rules)
	if err != nil {
		return nil, err
	}
	return policy.AnyClassifier{kw, ex}, nil
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// SeedTenants returns tenants to upsert at startup.
func (c *Catalog) SeedTenants() []models.Tenant { return c.tenants }

// SeedIdentities returns channel identities to upsert at startup.
func (c *Catalog) SeedIdentities() []models.TenantIdentity { return c.identities }
