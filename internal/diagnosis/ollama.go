package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"taskpilot/internal/logging"
)

const ollamaSystemPrompt = `You help an automation agent recover from a failed step.
Reply with one or two sentences describing what to change on the next attempt.
Do not repeat the error. Do not add explanations.`

// Generator is the subset of the ollama client the diagnoser uses.
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

// Ollama asks a local model for a correction and falls back to the heuristic
// when the model errors, times out or answers with nothing.
type Ollama struct {
	Client   Generator
	Model    string
	Timeout  time.Duration
	Fallback Diagnoser
}

// NewOllama builds a diagnoser against the server named by OLLAMA_HOST.
func NewOllama(model string) (*Ollama, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &Ollama{Client: client, Model: model, Timeout: 30 * time.Second, Fallback: Heuristic{}}, nil
}

func (o *Ollama) fallback(ctx context.Context, goal, description, errText string) (string, bool) {
	if o.Fallback == nil {
		return Heuristic{}.SuggestFix(ctx, goal, description, errText)
	}
	return o.Fallback.SuggestFix(ctx, goal, description, errText)
}

func (o *Ollama) SuggestFix(ctx context.Context, goal, description, errText string) (string, bool) {
	if strings.TrimSpace(errText) == "" {
		return "", false
	}
	if o.Client == nil {
		return o.fallback(ctx, goal, description, errText)
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	stream := false
	req := &api.GenerateRequest{
		Model:  o.Model,
		System: ollamaSystemPrompt,
		Prompt: fmt.Sprintf("Goal: %s\nStep: %s\nError: %s", goal, description, excerpt(errText)),
		Stream: &stream,
	}
	var sb strings.Builder
	err := o.Client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		logging.Log("ollama diagnosis failed, using heuristic", slog.LevelWarn, "model", o.Model, "error", err)
		return o.fallback(ctx, goal, description, errText)
	}
	answer := strings.TrimSpace(sb.String())
	if answer == "" {
		return o.fallback(ctx, goal, description, errText)
	}
	return answer, true
}
