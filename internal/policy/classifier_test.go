package policy_test

import (
	"testing"

	"github.com/agentoven/wizard-runtime/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordClassifier(t *testing.T) {
	c := policy.NewKeywordClassifier(nil, nil)

	assert.True(t, c.HighRisk("We need to DELETE the production database"))
	assert.True(t, c.HighRisk("check the Prod Database"))
	assert.True(t, c.HighRisk("rotate the credentials"))
	assert.True(t, c.HighRisk("tighten Access-Control on the admin API"))
	assert.True(t, c.HighRisk("review access control lists"))
	assert.False(t, c.HighRisk("Say hello in one sentence."))

	assert.True(t, c.HighComplexity("Compare two designs"))
	assert.True(t, c.HighComplexity("multi-tenant isolation"))
	assert.False(t, c.HighComplexity("what time is it"))

	// Substring matching is knowingly loose.
	assert.True(t, c.HighRisk("undelete my note"))
}

func TestKeywordClassifier_CustomLists(t *testing.T) {
	c := policy.NewKeywordClassifier([]string{"  Nuke "}, []string{})
	assert.True(t, c.HighRisk("nuke it"))
	assert.False(t, c.HighRisk("delete it"))
	assert.False(t, c.HighComplexity("architecture"))
}

func TestExprClassifier(t *testing.T) {
	c, err := policy.NewExprClassifier([]policy.Rule{
		{Name: "wipe", Kind: policy.RuleRisk, Expr: `lower(prompt) contains "wipe"`},
		{Name: "long", Kind: policy.RuleComplexity, Expr: `length > 20`},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	assert.True(t, c.HighRisk("Wipe the disk"))
	assert.False(t, c.HighRisk("format the disk"))
	assert.True(t, c.HighComplexity("this prompt is clearly longer than twenty"))
	assert.False(t, c.HighComplexity("short"))
}

func TestExprClassifier_CompileErrors(t *testing.T) {
	_, err := policy.NewExprClassifier([]policy.Rule{{Name: "bad", Kind: policy.RuleRisk, Expr: `prompt +`}})
	assert.Error(t, err)

	_, err = policy.NewExprClassifier([]policy.Rule{{Name: "notbool", Kind: policy.RuleRisk, Expr: `length`}})
	assert.Error(t, err)

	_, err = policy.NewExprClassifier([]policy.Rule{{Name: "kind", Kind: "other", Expr: `true`}})
	assert.Error(t, err)
}

func TestAnyClassifier(t *testing.T) {
	ex, err := policy.NewExprClassifier([]policy.Rule{
		{Name: "wipe", Kind: policy.RuleRisk, Expr: `prompt contains "wipe"`},
	})
	require.NoError(t, err)
	c := policy.AnyClassifier{policy.NewKeywordClassifier(nil, nil), ex}

	assert.True(t, c.HighRisk("wipe"))
	assert.True(t, c.HighRisk("billing"))
	assert.False(t, c.HighRisk("hello"))
	assert.True(t, c.HighComplexity("refactor"))
}
