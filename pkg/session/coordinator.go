package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/store"
	"github.com/user/stigharden/pkg/wrappers"
)

// Executor is the automation tool that changes the host.
type Executor interface {
	Apply(ctx context.Context, t store.Task) (wrappers.PlaybookRun, error)
	// Verify reports whether the host already matches the task's content,
	// without changing anything.
	Verify(ctx context.Context, t store.Task) (bool, error)
}

// Outcome is the result of submitting one approved task.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeSkippedDryRun Outcome = "skipped_dry_run"
)

// ApplyOutcome describes one submission.
type ApplyOutcome struct {
	Outcome Outcome
	Reason  string
	Task    store.Task
	Run     wrappers.PlaybookRun
}

// Coordinator submits approved tasks to the Executor one at a time and
// records the outcome. Failures are recorded, never retried.
type Coordinator struct {
	Executor Executor
	Tasks    *store.TaskStore
	Timeout  time.Duration

	log *zap.Logger
}

func NewCoordinator(executor Executor, tasks *store.TaskStore, timeout time.Duration, log *zap.Logger) *Coordinator {
	return &Coordinator{Executor: executor, Tasks: tasks, Timeout: timeout, log: logging.OrNop(log)}
}

// execContext detaches from session cancellation: once submitted, a task
// runs to completion or to its own timeout.
func (c *Coordinator) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

// Execute submits t. In dry-run nothing is submitted and the task stays
// approved. The returned error is a persistence failure or ErrNotApproved;
// execution failures are reported in the outcome.
func (c *Coordinator) Execute(ctx context.Context, t store.Task, dryRun bool) (ApplyOutcome, error) {
	log := c.log.With(
		zap.String("session_id", t.SessionID),
		zap.String("rule_id", t.RuleID),
		zap.String("task_id", t.ID),
	)
	if t.Status != store.StatusApproved {
		return ApplyOutcome{}, fmt.Errorf("%w: %s is %s", ErrNotApproved, t.ID, t.Status)
	}

	if dryRun || t.DryRun {
		log.Info("Dry run, not executing", zap.String("status", string(t.Status)))
		return ApplyOutcome{Outcome: OutcomeSkippedDryRun, Task: t, Reason: "dry run"}, nil
	}

	ectx, cancel := c.execContext(ctx)
	defer cancel()

	log.Info("Executing remediation", zap.String("status", string(t.Status)))
	run, err := c.Executor.Apply(ectx, t)

	to, reason := store.StatusApplied, "applied"
	switch {
	case err != nil:
		to, reason = store.StatusFailed, err.Error()
	case !run.Success:
		to, reason = store.StatusFailed, fmt.Sprintf("exit code %d: %s", run.ExitCode, tail(run.Output, 3))
	}

	next, perr := c.Tasks.Transition(t.ID, to, "executor", reason)
	if perr != nil {
		return ApplyOutcome{}, perr
	}

	out := ApplyOutcome{Outcome: OutcomeSuccess, Task: next, Run: run}
	if to == store.StatusFailed {
		out.Outcome, out.Reason = OutcomeFailure, reason
		log.Warn("Remediation failed", zap.String("status", string(to)), zap.String("reason", reason))
	} else {
		log.Info("Remediation applied", zap.String("status", string(to)), zap.Duration("took", run.Duration))
	}
	return out, nil
}

// Reconcile resolves real-run approvals left without an outcome by a crash.
// Each is checked against the host instead of being applied again: a host
// already in the desired state marks the task applied, anything else marks
// it failed for an explicit reopen.
func (c *Coordinator) Reconcile(ctx context.Context) ([]store.Task, error) {
	var resolved []store.Task
	for _, t := range c.Tasks.Unconfirmed() {
		log := c.log.With(zap.String("rule_id", t.RuleID), zap.String("task_id", t.ID))

		ectx, cancel := c.execContext(ctx)
		ok, err := c.Executor.Verify(ectx, t)
		cancel()

		to, note := store.StatusFailed, "not confirmed on host after interruption"
		switch {
		case err != nil:
			note = "verification failed: " + err.Error()
		case ok:
			to, note = store.StatusApplied, "confirmed on host after interruption"
		}
		next, perr := c.Tasks.Transition(t.ID, to, "verify", note)
		if perr != nil {
			return resolved, perr
		}
		log.Info("Unconfirmed approval resolved", zap.String("status", string(to)), zap.String("note", note))
		resolved = append(resolved, next)
	}
	return resolved, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
