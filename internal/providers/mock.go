package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentoven/wizard-runtime/pkg/models"
)

const (
	MockProvider = "mock"
	MockModel    = "mock-echo"

	mockEchoLimit = 120
)

// SandboxTarget is the fixed target for sandbox runs.
var SandboxTarget = models.ModelTarget{Provider: MockProvider, Model: MockModel}

// Mock is a deterministic, network-free adapter. The reply names the wizard
// and echoes a truncated copy of the prompt.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Provider() string { return MockProvider }

func (m *Mock) Run(ctx context.Context, req *models.RunRequest, target models.ModelTarget) (*models.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: mock: %v", models.ErrProviderCallFailed, err)
	}

	name := "wizard"
	if req.Wizard != nil && req.Wizard.Name != "" {
		name = req.Wizard.Name
	}
	text := fmt.Sprintf("[%s] mock reply to: %s", name, models.Truncate(req.Prompt, mockEchoLimit))

	model := target.Model
	if model == "" {
		model = MockModel
	}
	raw, _ := json.Marshal(map[string]string{"provider": MockProvider, "model": model, "text": text})

	return &models.RunResult{
		Text:     text,
		Provider: MockProvider,
		Model:    model,
		Usage:    models.Usage{Turns: 1},
		Raw:      raw,
	}, nil
}
