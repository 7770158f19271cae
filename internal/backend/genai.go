package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"reasonerd/internal/logging"
)

// =============================================================================
// GEMINI PRODUCTION BACKEND
// =============================================================================

// GenAIBackend implements both Solver and PlannerLLM over the Gemini API.
type GenAIBackend struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *logging.Logger
}

// NewGenAIBackend creates a Gemini-backed solver/planner.
func NewGenAIBackend(ctx context.Context, apiKey, model string, timeout time.Duration) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIBackend{
		client:  client,
		model:   model,
		timeout: timeout,
		log:     logging.Get(logging.CategoryBackend),
	}, nil
}

// Name returns the backend name for logs.
func (b *GenAIBackend) Name() string {
	return fmt.Sprintf("genai:%s", b.model)
}

func (b *GenAIBackend) generate(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (SolverResult, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := float32(temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := b.client.Models.GenerateContent(callCtx, b.model, contents, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return SolverResult{}, &TimeoutError{Op: "genai generate", Err: err}
		}
		return SolverResult{}, fmt.Errorf("genai generate failed: %w", err)
	}

	result := SolverResult{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		result.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return result, nil
}

// Solve implements Solver.
func (b *GenAIBackend) Solve(ctx context.Context, task string, solveCtx map[string]interface{}) (SolverResult, error) {
	timeout := b.timeout
	if d, ok := solveCtx["timeout"].(time.Duration); ok && d > 0 {
		timeout = d
	}
	mode, _ := solveCtx["mode"].(string)
	b.log.Debug("solve mode=%s model=%s", mode, b.model)
	return b.generate(ctx, task, 0.4, timeout)
}

// Complete implements PlannerLLM.
func (b *GenAIBackend) Complete(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (string, error) {
	result, err := b.generate(ctx, prompt, temperature, timeout)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
