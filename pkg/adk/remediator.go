package adk

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/triage"
)

// Remediator asks the reasoning model for an Ansible task list.
type Remediator struct {
	agent *Agent
}

func NewRemediator(llm LLMProvider) *Remediator {
	return &Remediator{agent: NewAgent(llm, GetSystemPrompt("remediation_system"), 0.1)}
}

// Generate returns validated task YAML for f.
func (r *Remediator) Generate(ctx context.Context, f engine.Finding) (string, error) {
	prompt, err := renderPrompt("remediation", f)
	if err != nil {
		return "", err
	}
	resp, err := r.agent.Ask(ctx, prompt)
	if err != nil {
		return "", err
	}
	content := StripFences(resp)
	if _, err := engine.ParseTasks(content); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTriageMalformed, err)
	}
	return strings.TrimSpace(content) + "\n", nil
}

// Generator picks remediation content for a finding: a matching template
// first, then the model, then the finding's fix text.
type Generator struct {
	Templates  *engine.TemplateCatalog
	Remediator *Remediator   // optional
	Cache      *triage.Cache // optional; pins generated content per profile version
	log        *zap.Logger
}

func NewGenerator(templates *engine.TemplateCatalog, remediator *Remediator, cache *triage.Cache, log *zap.Logger) *Generator {
	if templates == nil {
		templates = engine.NewTemplateCatalog()
	}
	return &Generator{Templates: templates, Remediator: remediator, Cache: cache, log: logging.OrNop(log)}
}

func (g *Generator) Generate(ctx context.Context, f engine.Finding, profileVersion string) (engine.Remediation, error) {
	log := g.log.With(zap.String("rule_id", f.RuleID))

	content, ok, err := g.Templates.Render(f)
	switch {
	case err != nil:
		log.Warn("Remediation template failed", zap.Error(err))
	case ok:
		return engine.Remediation{Content: content, Source: engine.SourceTemplate}, nil
	}

	if g.Remediator != nil {
		compute := func(ctx context.Context) (string, error) { return g.Remediator.Generate(ctx, f) }
		var content string
		var err error
		if g.Cache != nil {
			content, err = g.Cache.GetOrComputeText(ctx, triage.NamespaceRemediation, profileVersion, f.RuleID, compute)
		} else {
			content, err = compute(ctx)
		}
		if err == nil {
			return engine.Remediation{Content: content, Source: engine.SourceLLM}, nil
		}
		log.Warn("Generated remediation unusable, falling back to fix text", zap.Error(err))
	}

	content, err = engine.FixTextTasks(f)
	if err != nil {
		return engine.Remediation{}, err
	}
	return engine.Remediation{Content: content, Source: engine.SourceFixText}, nil
}
