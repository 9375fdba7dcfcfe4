package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAI talks to the OpenAI chat completions API, or any compatible endpoint.
type OpenAI struct {
	cfg Config
}

func NewOpenAI(cfg Config) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAI{cfg: cfg}
}

func (o *OpenAI) Provider() string { return "openai" }

func (o *OpenAI) Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error) {
	if o.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key not configured", models.ErrMissingCredentials)
	}

	raw, err := postJSON(ctx, o.cfg.httpClient(), "openai", o.cfg.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + o.cfg.APIKey},
		openAIRequest{Model: target.Model, Messages: chatMessages(req), MaxTokens: o.cfg.MaxTokens},
	)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := decodeResponse("openai", raw, &resp); err != nil {
		return nil, err
	}
	return openAIResult(o.Provider(), target, raw, &resp, o.cfg.price(target.Model)), nil
}

func openAIResult(provider string, target models.ModelTarget, raw []byte, resp *openAIResponse, price Price) *models.RunResult {
	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &models.RunResult{
		Text:     text,
		Provider: provider,
		Model:    target.Model,
		Usage: models.Usage{
			CostUSD:      price.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Turns:        1,
		},
		Raw: json.RawMessage(raw),
	}
}
