package adk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

// Analyst explains findings and writes the batch triage report and the
// closing executive summary.
type Analyst struct {
	agent *Agent
	model string
	log   *zap.Logger
}

func NewAnalyst(llm LLMProvider, model string, log *zap.Logger) *Analyst {
	return &Analyst{
		agent: NewAgent(llm, GetSystemPrompt("analyst_system"), 0.3),
		model: model,
		log:   logging.OrNop(log),
	}
}

// Explain asks the model for a structured explanation of f. Timeouts wrap
// ErrTriageTimeout and unusable replies wrap ErrTriageMalformed.
func (a *Analyst) Explain(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
	prompt, err := renderPrompt("explain", f)
	if err != nil {
		return engine.Explanation{}, err
	}

	start := time.Now()
	resp, err := a.agent.Ask(ctx, prompt)
	if err != nil {
		return engine.Explanation{}, err
	}
	a.log.Debug("Explanation received",
		zap.String("rule_id", f.RuleID),
		zap.Duration("took", time.Since(start)),
	)

	exp, err := parseExplanation(resp)
	if err != nil {
		return engine.Explanation{}, err
	}
	exp.RuleID = f.RuleID
	exp.Model = a.model
	exp.GeneratedAt = time.Now().UTC()
	return exp, nil
}

func parseExplanation(resp string) (engine.Explanation, error) {
	body := StripFences(resp)
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return engine.Explanation{}, fmt.Errorf("%w: no JSON object in response", ErrTriageMalformed)
	}

	var parsed struct {
		Meaning     string `json:"meaning"`
		Risk        string `json:"risk"`
		SideEffects string `json:"side_effects"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &parsed); err != nil {
		return engine.Explanation{}, fmt.Errorf("%w: %v", ErrTriageMalformed, err)
	}
	if strings.TrimSpace(parsed.Meaning) == "" {
		return engine.Explanation{}, fmt.Errorf("%w: meaning is empty", ErrTriageMalformed)
	}

	text := fmt.Sprintf("%s\n\nRisk: %s\n\nSide effects: %s", parsed.Meaning, parsed.Risk, parsed.SideEffects)
	return engine.Explanation{
		Meaning:     parsed.Meaning,
		Risk:        parsed.Risk,
		SideEffects: parsed.SideEffects,
		Text:        text,
	}, nil
}

// TriageReport asks for a prioritised overview of the review queue.
func (a *Analyst) TriageReport(ctx context.Context, findings []engine.Finding) (string, error) {
	if len(findings) == 0 {
		return "", nil
	}
	prompt, err := renderPrompt("triage_report", findings)
	if err != nil {
		return "", err
	}
	return a.agent.Ask(ctx, prompt)
}

// SummaryInput describes a finished session for the executive summary.
type SummaryInput struct {
	BeforeScore float64
	BeforeFails int
	AfterScore  float64
	AfterFails  int
	Applied     []string
	Skipped     []string
	Failed      []string
	Regressions []string
	Remaining   []engine.Finding
}

// ExecutiveSummary writes a short report for a security manager.
func (a *Analyst) ExecutiveSummary(ctx context.Context, in SummaryInput) (string, error) {
	data := struct {
		SummaryInput
		AppliedPreview []string
	}{SummaryInput: in, AppliedPreview: in.Applied}
	if len(data.AppliedPreview) > 5 {
		data.AppliedPreview = data.AppliedPreview[:5]
	}
	if len(data.Remaining) > 10 {
		data.Remaining = data.Remaining[:10]
	}

	prompt, err := renderPrompt("summary", data)
	if err != nil {
		return "", err
	}
	return a.agent.Ask(ctx, prompt)
}
