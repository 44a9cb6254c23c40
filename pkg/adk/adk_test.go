package adk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/triage"
)

var sshFinding = engine.Finding{
	RuleID:      "xccdf_org.ssgproject.content_rule_sshd_disable_root_login",
	Severity:    engine.CatI,
	Title:       "Disable SSH Root Login",
	Description: "The root user must not log in over SSH.",
	FixText:     "Set PermitRootLogin no in /etc/ssh/sshd_config",
	Result:      engine.ResultFail,
}

// scriptedProvider returns canned replies in order.
type scriptedProvider struct {
	replies []string
	err     error
	calls   int
	last    []Message
}

func (p *scriptedProvider) GenerateResponse(ctx context.Context, history []Message, opts Options) (string, error) {
	p.calls++
	p.last = history
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) == 0 {
		return "", nil
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"scripted"}, nil
}

// ============================================================================
// Providers
// ============================================================================

// TestOllamaProvider checks the chat request shape and model listing.
func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req struct {
				Model    string        `json:"model"`
				Stream   bool          `json:"stream"`
				Messages []chatMessage `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Model != "llama3.1" || req.Stream || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
				http.Error(w, "unexpected request", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"role": "assistant", "content": "hello"},
			})
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "llama3.1:latest"}, {"name": "mistral"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "")
	out, err := p.GenerateResponse(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, Options{Temperature: 0.1})
	if err != nil || out != "hello" {
		t.Fatalf("GenerateResponse = %q, %v", out, err)
	}

	models, err := p.ListModels(context.Background())
	if err != nil || len(models) != 2 || models[0] != "llama3.1:latest" {
		t.Errorf("ListModels = %v, %v", models, err)
	}
}

// TestOpenAIProvider checks bearer auth and role mapping.
func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Messages []chatMessage `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[1].Role != "assistant" {
			http.Error(w, "roles not mapped", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "done"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "")
	out, err := p.GenerateResponse(context.Background(), []Message{
		{Role: "user", Content: "q"},
		{Role: "model", Content: "a"},
	}, Options{})
	if err != nil || out != "done" {
		t.Fatalf("GenerateResponse = %q, %v", out, err)
	}

	bad := NewOpenAIProvider("wrong", srv.URL, "")
	if _, err := bad.GenerateResponse(context.Background(), []Message{{Role: "user", Content: "q"}}, Options{}); err == nil {
		t.Errorf("expected error on 401")
	}
}

func TestNewProviderUnknown(t *testing.T) {
	if _, err := NewProvider(context.Background(), "mystery", "", "", ""); err == nil {
		t.Errorf("unknown provider should fail")
	}
	p, err := NewProvider(context.Background(), "ollama", "", "http://127.0.0.1:1", "")
	if err != nil || p == nil {
		t.Errorf("ollama provider: %v", err)
	}
}

// ============================================================================
// Analyst
// ============================================================================

// TestAnalystExplain parses a fenced JSON reply.
func TestAnalystExplain(t *testing.T) {
	p := &scriptedProvider{replies: []string{"```json\n{\"meaning\":\"Blocks direct root logins.\",\"risk\":\"High - brute force\",\"side_effects\":\"Use sudo instead.\"}\n```"}}
	a := NewAnalyst(p, "scripted", nil)

	exp, err := a.Explain(context.Background(), sshFinding)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.Meaning != "Blocks direct root logins." || exp.Risk != "High - brute force" || exp.Model != "scripted" {
		t.Errorf("unexpected explanation: %+v", exp)
	}
	if !strings.Contains(p.last[1].Content, sshFinding.RuleID) {
		t.Errorf("prompt does not mention the rule id")
	}
	if p.last[0].Role != "system" || p.last[0].Content == "" {
		t.Errorf("system prompt missing")
	}
}

// TestAnalystExplainErrors classifies malformed replies and timeouts.
func TestAnalystExplainErrors(t *testing.T) {
	a := NewAnalyst(&scriptedProvider{replies: []string{"I think this is about SSH."}}, "m", nil)
	if _, err := a.Explain(context.Background(), sshFinding); !errors.Is(err, ErrTriageMalformed) {
		t.Errorf("prose reply: expected ErrTriageMalformed, got %v", err)
	}
	if _, err := a.Explain(context.Background(), sshFinding); !errors.Is(err, triage.ErrNotRetryable) {
		t.Errorf("empty reply should be malformed and not retryable, got %v", err)
	}

	slow := &scriptedProvider{err: context.DeadlineExceeded}
	a = NewAnalyst(slow, "m", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if _, err := a.Explain(ctx, sshFinding); !errors.Is(err, ErrTriageTimeout) {
		t.Errorf("expected ErrTriageTimeout, got %v", err)
	}
}

func TestAnalystReports(t *testing.T) {
	p := &scriptedProvider{replies: []string{"fix CAT I first", "all good"}}
	a := NewAnalyst(p, "m", nil)

	report, err := a.TriageReport(context.Background(), []engine.Finding{sshFinding})
	if err != nil || report != "fix CAT I first" {
		t.Fatalf("TriageReport = %q, %v", report, err)
	}
	if !strings.Contains(p.last[1].Content, "[CAT I] "+sshFinding.RuleID) {
		t.Errorf("triage prompt missing finding line:\n%s", p.last[1].Content)
	}

	applied := []string{"a", "b", "c", "d", "e", "f"}
	summary, err := a.ExecutiveSummary(context.Background(), SummaryInput{
		BeforeScore: 40, AfterScore: 55.5, BeforeFails: 6, AfterFails: 3,
		Applied: applied, Regressions: []string{"x"},
	})
	if err != nil || summary != "all good" {
		t.Fatalf("ExecutiveSummary = %q, %v", summary, err)
	}
	prompt := p.last[1].Content
	if !strings.Contains(prompt, "55.5%") || !strings.Contains(prompt, "a, b, c, d, e...") || !strings.Contains(prompt, "Regressions detected: x") {
		t.Errorf("summary prompt not rendered as expected:\n%s", prompt)
	}

	if out, err := a.TriageReport(context.Background(), nil); err != nil || out != "" || p.calls != 2 {
		t.Errorf("empty queue should not call the model")
	}
}

// ============================================================================
// Remediation
// ============================================================================

func TestRemediatorStripsFences(t *testing.T) {
	r := NewRemediator(&scriptedProvider{replies: []string{
		"```yaml\n- name: disable root login\n  lineinfile:\n    path: /etc/ssh/sshd_config\n    line: PermitRootLogin no\n```",
		"Sure! Here is how you fix it.",
	}})
	out, err := r.Generate(context.Background(), sshFinding)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(out, "```") || !strings.HasPrefix(out, "- name: disable root login") {
		t.Errorf("fences not stripped:\n%s", out)
	}
	if _, err := r.Generate(context.Background(), sshFinding); !errors.Is(err, ErrTriageMalformed) {
		t.Errorf("prose should be rejected, got %v", err)
	}
}

func TestGeneratorChain(t *testing.T) {
	ctx := context.Background()

	// 1. Template wins when one matches.
	catalog := engine.NewTemplateCatalog()
	catalog.Templates["sshd_disable_root_login"] = engine.RemediationTemplate{
		ID:    "sshd_disable_root_login",
		Tasks: "- name: \"{{ .Finding.RuleID }}\"\n  shell: 'true'\n",
	}
	p := &scriptedProvider{replies: []string{"- name: llm\n  shell: 'true'\n"}}
	g := NewGenerator(catalog, NewRemediator(p), nil, nil)
	rem, err := g.Generate(ctx, sshFinding, "v1")
	if err != nil || rem.Source != engine.SourceTemplate {
		t.Fatalf("expected template source, got %+v (%v)", rem, err)
	}
	if p.calls != 0 {
		t.Errorf("model should not be called when a template matches")
	}

	// 2. No template: the model, pinned in the cache.
	fc, err := triage.OpenFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g = NewGenerator(nil, NewRemediator(p), triage.New(fc, nil), nil)
	rem, err = g.Generate(ctx, sshFinding, "v1")
	if err != nil || rem.Source != engine.SourceLLM {
		t.Fatalf("expected llm source, got %+v (%v)", rem, err)
	}
	again, err := g.Generate(ctx, sshFinding, "v1")
	if err != nil || again.Content != rem.Content || p.calls != 1 {
		t.Errorf("cached content should be reused: calls=%d", p.calls)
	}

	// 3. Unusable model output falls back to the fix text.
	g = NewGenerator(nil, NewRemediator(&scriptedProvider{replies: []string{"no idea"}}), nil, nil)
	rem, err = g.Generate(ctx, sshFinding, "v1")
	if err != nil || rem.Source != engine.SourceFixText || !strings.Contains(rem.Content, "PermitRootLogin") {
		t.Errorf("expected fix text fallback, got %+v (%v)", rem, err)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"plain":                 "plain",
		"```\nbody\n```":        "body",
		"```yaml\n- a: 1\n```\n": "- a: 1",
		"```json\n{}":           "{}",
	}
	for in, want := range tests {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
