package adk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/stigharden/pkg/triage"
)

var (
	// ErrTriageTimeout means the reasoning call did not answer in time.
	ErrTriageTimeout = errors.New("triage timed out")
	// ErrTriageMalformed means the model answered with something unusable.
	// Retrying the same prompt is not expected to help.
	ErrTriageMalformed = fmt.Errorf("malformed triage response: %w", triage.ErrNotRetryable)
)

// Message represents a chat message
type Message struct {
	Role    string // "system", "user", "model"
	Content string
}

// Options tune a single generation.
type Options struct {
	Temperature float32
}

// LLMProvider defines the interface for different reasoning models
type LLMProvider interface {
	GenerateResponse(ctx context.Context, history []Message, opts Options) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Agent sends one-shot prompts to a provider under a fixed system prompt.
type Agent struct {
	llm         LLMProvider
	system      string
	temperature float32
}

// NewAgent creates a new agent with the given LLM provider
func NewAgent(llm LLMProvider, system string, temperature float32) *Agent {
	return &Agent{llm: llm, system: system, temperature: temperature}
}

// Ask sends prompt and returns the trimmed reply. Deadline errors are
// reported as ErrTriageTimeout and empty replies as ErrTriageMalformed.
func (a *Agent) Ask(ctx context.Context, prompt string) (string, error) {
	history := make([]Message, 0, 2)
	if a.system != "" {
		history = append(history, Message{Role: "system", Content: a.system})
	}
	history = append(history, Message{Role: "user", Content: prompt})

	resp, err := a.llm.GenerateResponse(ctx, history, Options{Temperature: a.temperature})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", ErrTriageTimeout, context.DeadlineExceeded)
		}
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return "", fmt.Errorf("%w: empty response", ErrTriageMalformed)
	}
	return resp, nil
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
