// Package providers hides each LLM vendor behind a single Adapter contract and
// normalizes their responses into models.RunResult.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Adapter runs one request against one vendor.
type Adapter interface {
	// Provider is the identifier used in ModelTarget.Provider.
	Provider() string
	Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error)
}

// Config is the per-adapter connection and pricing configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	MaxTokens int
	// Prices overrides DefaultPrices for the models it names.
	Prices PriceTable
	// Client defaults to an otelhttp-instrumented client without a timeout.
	Client *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return NewHTTPClient(0)
}

func (c Config) price(model string) Price {
	if p, ok := c.Prices[model]; ok {
		return p
	}
	return DefaultPrices.Lookup(model)
}

// NewHTTPClient returns a client whose requests are traced with OpenTelemetry.
// A zero timeout leaves calls bounded only by the caller's context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// ── Registry ────────────────────────────────────────────────

// Registry maps provider identifiers to adapters. It is built once at
// startup and only read afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers the given adapters. A later adapter with the same
// identifier replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter registered for provider.
func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers lists registered identifiers, sorted.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run dispatches to the adapter for target.Provider.
func (r *Registry) Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error) {
	a, ok := r.adapters[target.Provider]
	if !ok {
		metrics.ProviderRequests.WithLabelValues(target.Provider, target.Model, "unregistered").Inc()
		return nil, fmt.Errorf("%w: %q", models.ErrUnregisteredProvider, target.Provider)
	}

	start := time.Now()
	res, err := a.Run(ctx, req, target)
	metrics.ProviderDuration.WithLabelValues(target.Provider, target.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(target.Provider, target.Model, "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(target.Provider, target.Model, "ok").Inc()
	metrics.TokensUsed.WithLabelValues(res.Provider, res.Model, "input").Add(float64(res.Usage.InputTokens))
	metrics.TokensUsed.WithLabelValues(res.Provider, res.Model, "output").Add(float64(res.Usage.OutputTokens))
	return res, nil
}

// ── Shared helpers ──────────────────────────────────────────

// chatMessages builds the conventional system + history + user sequence.
func chatMessages(req *models.RunRequest) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(req.History)+2)
	if sys := req.SystemPrompt(); sys != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: sys})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.UserMessage()})
	return msgs
}

// maxErrorBody caps how much of a failed response is echoed into errors.
const maxErrorBody = 512

// postJSON sends body and returns the raw 200 response. Transport failures
// and non-200 statuses are reported as models.ErrProviderCallFailed.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: request failed: %v", models.ErrProviderCallFailed, provider, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", models.ErrProviderCallFailed, provider, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: %s: status %d: %s", models.ErrProviderCallFailed, provider, httpResp.StatusCode, msg)
	}
	return respBody, nil
}

func decodeResponse(provider string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", models.ErrProviderCallFailed, provider, err)
	}
	return nil
}
