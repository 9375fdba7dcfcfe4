package providers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentoven/wizard-runtime/internal/providers"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *models.RunRequest {
	return &models.RunRequest{
		Wizard:   &models.WizardDefinition{ID: "builder", Name: "Builder", Instructions: "Be useful."},
		TenantID: "acme",
		Prompt:   "Say hello in one sentence.",
		Context:  "User prefers short answers.",
		History: []models.ChatMessage{
			{Role: "system", Content: "Earlier summary."},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}
}

func TestOpenAI_Run(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"c1","choices":[{"message":{"content":"Hello!"}}],
			"usage":{"prompt_tokens":1000,"completion_tokens":2000,"total_tokens":3000}}`))
	}))
	defer srv.Close()

	a := providers.NewOpenAI(providers.Config{BaseURL: srv.URL + "/", APIKey: "sk-test"})
	res, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, int64(1000), res.Usage.InputTokens)
	assert.Equal(t, 1, res.Usage.Turns)
	assert.InDelta(t, 0.00015+0.0012, res.Usage.CostUSD, 1e-9)
	assert.NotEmpty(t, res.Raw)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 5)
	first := msgs[0].(map[string]any)
	last := msgs[4].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "Be useful.", first["content"])
	assert.Equal(t, "user", last["role"])
	assert.Equal(t, "User prefers short answers.\n\nSay hello in one sentence.", last["content"])
}

func TestOpenAI_PriceOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"x"}}],"usage":{"prompt_tokens":1000,"completion_tokens":1000}}`))
	}))
	defer srv.Close()

	a := providers.NewOpenAI(providers.Config{
		BaseURL: srv.URL, APIKey: "k",
		Prices:  providers.PriceTable{"house-model": {InputPer1K: 1, OutputPer1K: 2}},
	})
	res, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "openai", Model: "house-model"})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, res.Usage.CostUSD, 1e-9)
}

func TestOpenAI_MissingKey(t *testing.T) {
	a := providers.NewOpenAI(providers.Config{})
	_, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "openai", Model: "gpt-4o"})
	assert.True(t, errors.Is(err, models.ErrMissingCredentials))
}

func TestOpenAI_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := providers.NewOpenAI(providers.Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "openai", Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrProviderCallFailed))
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAI_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	a := providers.NewOpenAI(providers.Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "openai", Model: "gpt-4o"})
	assert.True(t, errors.Is(err, models.ErrProviderCallFailed))
}

func TestAnthropic_Run(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"m1","content":[{"type":"text","text":"Hel"},{"type":"tool_use"},{"type":"text","text":"lo"}],
			"usage":{"input_tokens":1000,"output_tokens":1000}}`))
	}))
	defer srv.Close()

	a := providers.NewAnthropic(providers.Config{BaseURL: srv.URL, APIKey: "ak-test"})
	res, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "anthropic", Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.InDelta(t, 0.003+0.015, res.Usage.CostUSD, 1e-9)
	assert.Equal(t, "Be useful.\n\nEarlier summary.", got["system"])
	assert.Equal(t, float64(4096), got["max_tokens"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.NotEqual(t, "system", m.(map[string]any)["role"])
	}
}

func TestAnthropic_MissingKey(t *testing.T) {
	a := providers.NewAnthropic(providers.Config{})
	_, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "anthropic", Model: "x"})
	assert.True(t, errors.Is(err, models.ErrMissingCredentials))
}

func TestOllama_RunIsFree(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"local"}}],"usage":{"prompt_tokens":50,"completion_tokens":10}}`))
	}))
	defer srv.Close()

	a := providers.NewOllama(providers.Config{BaseURL: srv.URL})
	res, err := a.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "ollama", Model: "llama3.2"})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Text)
	assert.Zero(t, res.Usage.CostUSD)
	assert.Equal(t, int64(50), res.Usage.InputTokens)
}

func TestMock_Run(t *testing.T) {
	req := testRequest()
	req.Prompt = strings.Repeat("p", 300)

	res, err := providers.NewMock().Run(context.Background(), req, providers.SandboxTarget)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Builder")
	assert.Contains(t, res.Text, strings.Repeat("p", 100))
	assert.NotContains(t, res.Text, strings.Repeat("p", 121))
	assert.Zero(t, res.Usage.CostUSD)
	assert.Equal(t, providers.MockModel, res.Model)

	again, _ := providers.NewMock().Run(context.Background(), req, providers.SandboxTarget)
	assert.Equal(t, res.Text, again.Text)
}

func TestMock_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := providers.NewMock().Run(ctx, testRequest(), providers.SandboxTarget)
	assert.True(t, errors.Is(err, models.ErrProviderCallFailed))
}

func TestRegistry(t *testing.T) {
	r := providers.NewRegistry(providers.NewMock(), providers.NewOllama(providers.Config{}), providers.NewOpenAI(providers.Config{}))
	assert.Equal(t, []string{"mock", "ollama", "openai"}, r.Providers())

	res, err := r.Run(context.Background(), testRequest(), providers.SandboxTarget)
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Provider)

	_, err = r.Run(context.Background(), testRequest(), models.ModelTarget{Provider: "gemini", Model: "x"})
	assert.True(t, errors.Is(err, models.ErrUnregisteredProvider))
	assert.Contains(t, err.Error(), "gemini")

	_, ok := r.Get("openai")
	assert.True(t, ok)
}

func TestPriceTable_Fallback(t *testing.T) {
	p := providers.DefaultPrices.Lookup("unknown-model")
	assert.Equal(t, 0.001, p.InputPer1K)
	assert.InDelta(t, 0.002, p.Cost(1000, 1000), 1e-12)
}
