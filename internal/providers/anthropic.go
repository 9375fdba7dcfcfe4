package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicTokens  = 4096
)

type anthropicRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Anthropic talks to the Messages API. The system prompt travels in its own
// field rather than as a message.
type Anthropic struct {
	cfg Config
}

func NewAnthropic(cfg Config) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicTokens
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Anthropic{cfg: cfg}
}

func (a *Anthropic) Provider() string { return "anthropic" }

func (a *Anthropic) Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key not configured", models.ErrMissingCredentials)
	}

	system, messages := anthropicMessages(req)
	raw, err := postJSON(ctx, a.cfg.httpClient(), "anthropic", a.cfg.BaseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         a.cfg.APIKey,
			"anthropic-version": anthropicVersion,
		},
		anthropicRequest{Model: target.Model, System: system, Messages: messages, MaxTokens: a.cfg.MaxTokens},
	)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := decodeResponse("anthropic", raw, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &models.RunResult{
		Text:     text.String(),
		Provider: a.Provider(),
		Model:    target.Model,
		Usage: models.Usage{
			CostUSD:      a.cfg.price(target.Model).Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Turns:        1,
		},
		Raw: json.RawMessage(raw),
	}, nil
}

// anthropicMessages folds system-role history into the system prompt, since
// the Messages API accepts only user and assistant turns.
func anthropicMessages(req *models.RunRequest) (string, []models.ChatMessage) {
	system := []string{}
	if s := req.SystemPrompt(); s != "" {
		system = append(system, s)
	}
	msgs := make([]models.ChatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.UserMessage()})
	return strings.Join(system, "\n\n"), msgs
}
