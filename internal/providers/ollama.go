package providers

import (
	"context"
	"strings"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama talks to a local Ollama server through its OpenAI-compatible
// endpoint. No credentials, and local inference costs nothing.
type Ollama struct {
	cfg Config
}

func NewOllama(cfg Config) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Ollama{cfg: cfg}
}

func (o *Ollama) Provider() string { return "ollama" }

func (o *Ollama) Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error) {
	raw, err := postJSON(ctx, o.cfg.httpClient(), "ollama", o.cfg.BaseURL+"/v1/chat/completions", nil,
		openAIRequest{Model: target.Model, Messages: chatMessages(req), MaxTokens: o.cfg.MaxTokens},
	)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := decodeResponse("ollama", raw, &resp); err != nil {
		return nil, err
	}
	return openAIResult(o.Provider(), target, raw, &resp, Price{}), nil
}
