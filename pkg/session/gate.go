package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/store"
)

// Decision is the operator's ruling on one presented finding.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionSkip    Decision = "skip"
	DecisionQuit    Decision = "quit"
)

// Presentation is everything the operator sees for one finding.
type Presentation struct {
	Index       int
	Total       int
	Finding     engine.Finding
	Explanation engine.Explanation
	Task        store.Task
	DryRun      bool
}

// Prompter asks the operator for a decision.
type Prompter interface {
	Decide(ctx context.Context, p Presentation) (Decision, error)
}

// TerminalPrompter renders presentations to out and reads answers from in.
// Empty input means skip and end of input means quit.
type TerminalPrompter struct {
	out io.Writer

	once  sync.Once
	in    *bufio.Scanner
	lines chan string
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{out: out, in: bufio.NewScanner(in)}
}

// start reads input on its own goroutine so a cancelled context can end a
// pending prompt.
func (p *TerminalPrompter) start() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		for p.in.Scan() {
			p.lines <- p.in.Text()
		}
	}()
}

func (p *TerminalPrompter) Decide(ctx context.Context, pr Presentation) (Decision, error) {
	p.once.Do(p.start)
	p.render(pr)

	for {
		fmt.Fprint(p.out, "Apply this fix? [apply/skip/quit] (default: skip): ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return DecisionQuit, nil
		case line, ok := <-p.lines:
			if !ok {
				fmt.Fprintln(p.out)
				return DecisionQuit, nil
			}
			if d, valid := parseDecision(line); valid {
				return d, nil
			}
			fmt.Fprintf(p.out, "Unrecognised answer %q.\n", strings.TrimSpace(line))
		}
	}
}

func parseDecision(line string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "apply", "a", "yes", "y":
		return DecisionApprove, true
	case "", "skip", "s", "no", "n":
		return DecisionSkip, true
	case "quit", "q", "exit":
		return DecisionQuit, true
	default:
		return "", false
	}
}

func (p *TerminalPrompter) render(pr Presentation) {
	f, exp := pr.Finding, pr.Explanation
	rule := strings.Repeat("-", 70)

	fmt.Fprintf(p.out, "\n%s\n[%d/%d] [%s] %s\n%s\n", rule, pr.Index, pr.Total, f.Severity.Label(), f.RuleID, f.Title)
	if exp.Degraded {
		fmt.Fprintf(p.out, "\nAnalysis unavailable (%s)\n", exp.Reason)
	}
	fmt.Fprintf(p.out, "\nWhat it means:\n  %s\n", exp.Meaning)
	if exp.Risk != "" {
		fmt.Fprintf(p.out, "\nRisk if unfixed:\n  %s\n", exp.Risk)
	}
	if exp.SideEffects != "" {
		fmt.Fprintf(p.out, "\nSide effects of fixing:\n  %s\n", exp.SideEffects)
	}

	fmt.Fprintf(p.out, "\nProposed remediation (%s):\n", pr.Task.Source)
	for _, line := range strings.Split(strings.TrimRight(pr.Task.Content, "\n"), "\n") {
		fmt.Fprintf(p.out, "  %s\n", line)
	}
	if pr.DryRun {
		fmt.Fprintln(p.out, "\nDRY RUN: nothing will be changed on this host.")
	}
	fmt.Fprintln(p.out, rule)
}

// Policy controls when the gate may approve without asking.
type Policy struct {
	RequireApproval   bool
	AutoApproveCatIII bool
}

func (p Policy) autoApproves(f engine.Finding) bool {
	return !p.RequireApproval || (p.AutoApproveCatIII && f.Severity == engine.CatIII)
}

// Gate records one decision per presented task. Every decision is persisted
// before Decide returns, so nothing can execute without a recorded approval.
type Gate struct {
	Prompter Prompter
	Policy   Policy
	Tasks    *store.TaskStore

	log *zap.Logger
}

func NewGate(prompter Prompter, policy Policy, tasks *store.TaskStore, log *zap.Logger) *Gate {
	return &Gate{Prompter: prompter, Policy: policy, Tasks: tasks, log: logging.OrNop(log)}
}

// Decide presents pr and records the outcome on pr.Task. Quit leaves the task
// proposed so it is presented again on resume.
func (g *Gate) Decide(ctx context.Context, sessionID string, pr Presentation) (Decision, store.Task, error) {
	task := pr.Task
	log := g.log.With(
		zap.String("session_id", sessionID),
		zap.String("rule_id", task.RuleID),
		zap.String("task_id", task.ID),
	)
	if task.Status != store.StatusProposed {
		return "", task, fmt.Errorf("%w: task %s is already %s", store.ErrInvalidTransition, task.ID, task.Status)
	}

	if g.Policy.autoApproves(pr.Finding) {
		approved, err := g.Tasks.Transition(task.ID, store.StatusApproved, "policy", "auto-approved")
		if err != nil {
			return "", task, err
		}
		log.Info("Decision recorded",
			zap.String("status", string(store.StatusApproved)),
			zap.Bool("auto_approved", true),
			zap.String("severity", pr.Finding.Severity.String()),
		)
		return DecisionApprove, approved, nil
	}

	d, err := g.Prompter.Decide(ctx, pr)
	if err != nil {
		return "", task, err
	}

	var to store.Status
	switch d {
	case DecisionApprove:
		to = store.StatusApproved
	case DecisionSkip:
		to = store.StatusSkipped
	case DecisionQuit:
		log.Info("Operator quit", zap.String("status", string(task.Status)))
		return DecisionQuit, task, nil
	default:
		return "", task, fmt.Errorf("unknown decision %q", d)
	}

	next, err := g.Tasks.Transition(task.ID, to, "operator", "")
	if err != nil {
		return "", task, err
	}
	log.Info("Decision recorded", zap.String("status", string(to)), zap.Bool("auto_approved", false))
	return d, next, nil
}
