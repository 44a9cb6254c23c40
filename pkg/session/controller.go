package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/adk"
	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/store"
	"github.com/user/stigharden/pkg/triage"
)

// Explainer is the reasoning step for one finding.
type Explainer interface {
	Explain(ctx context.Context, f engine.Finding) (engine.Explanation, error)
}

// Reporter writes the batch triage report and the closing summary.
type Reporter interface {
	TriageReport(ctx context.Context, findings []engine.Finding) (string, error)
	ExecutiveSummary(ctx context.Context, in adk.SummaryInput) (string, error)
}

// RemediationSource proposes content for a finding.
type RemediationSource interface {
	Generate(ctx context.Context, f engine.Finding, profileVersion string) (engine.Remediation, error)
}

// Options select what one Run does.
type Options struct {
	Mode      Mode
	Profile   string
	Threshold engine.Severity

	// Resume continues the checkpoint named by ResumeID, or the latest one.
	Resume   bool
	ResumeID string
	// ForceScan scans again even when the resumed checkpoint has a scan.
	ForceScan bool

	TriageTimeout    time.Duration
	TriageRetries    int
	TriageReport     bool
	ExecutiveSummary bool

	// ReportsDir receives the plain-text session log. Empty disables it.
	ReportsDir string
}

// Controller runs sessions. It is the only component that mutates a Session.
type Controller struct {
	Tracker      *Tracker
	Tasks        *store.TaskStore
	Gate         *Gate
	Coordinator  *Coordinator
	Checkpoints  *Checkpoints
	Remediations RemediationSource

	Explainer Explainer     // optional
	Reporter  Reporter      // optional
	Cache     *triage.Cache // optional

	Out io.Writer
	Log *zap.Logger
}

// Run executes one session: scan, then for each queued finding triage,
// decide and execute, then re-measure. Operator quit is reported in the
// Report, not as an error. Every returned error is a *FatalError.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	log := logging.OrNop(c.Log)
	out := c.Out
	if out == nil {
		out = io.Discard
	}

	sess, scan, err := c.start(ctx, opts, log)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("session_id", sess.ID))

	report := &Report{SessionID: sess.ID, Mode: sess.Mode, Before: summarize(scan)}
	queue := engine.Queue(scan, sess.Threshold)
	report.Queued = len(queue)
	fmt.Fprintf(out, "Scan %s: score %.1f%% (%d pass, %d fail). %d findings at %s or above.\n",
		scan.ID, scan.ScorePercent(), scan.PassCount(), scan.FailCount(), len(queue), sess.Threshold.Label())

	if sess.Mode == ModeScanOnly {
		for i, f := range queue {
			fmt.Fprintf(out, "  %3d. %s\n", i+1, f)
		}
		return c.finish(sess, report, opts, log)
	}

	if c.Reporter != nil && opts.TriageReport && len(queue) > 0 {
		tctx, cancel := withTimeout(ctx, opts.TriageTimeout)
		text, err := c.Reporter.TriageReport(tctx, queue)
		cancel()
		if err != nil {
			log.Warn("Triage report unavailable", zap.Error(err))
		} else if text != "" {
			report.TriageReport = text
			fmt.Fprintf(out, "\nTriage report:\n%s\n", text)
		}
	}

	var applied []store.Task
	if !sess.DryRun() {
		resolved, err := c.Coordinator.Reconcile(ctx)
		if err != nil {
			return nil, c.fatal(sess, "verify unconfirmed tasks", err, log)
		}
		for _, t := range resolved {
			report.Reconciled = append(report.Reconciled, t.RuleID)
			if t.Status == store.StatusApplied {
				applied = append(applied, t)
			}
		}
	}

	pv := scan.VersionKey()
loop:
	for i, f := range queue {
		if ctx.Err() != nil {
			report.Quit = true
			break
		}
		sess.Cursor, sess.RuleID = i, f.RuleID

		gctx, cancel := withTimeout(ctx, opts.TriageTimeout)
		rem, err := c.Remediations.Generate(gctx, f, pv)
		cancel()
		if err != nil {
			log.Warn("No remediation available", zap.String("rule_id", f.RuleID), zap.Error(err))
			fmt.Fprintf(out, "No remediation available for %s: %v\n", f.RuleID, err)
			continue
		}

		task, _, err := c.Tasks.Propose(sess.ID, f, rem.Content, rem.Source, sess.DryRun())
		if err != nil {
			return nil, c.fatal(sess, "propose", err, log)
		}
		if task.Decided() {
			log.Debug("Already decided", zap.String("rule_id", f.RuleID), zap.String("status", string(task.Status)))
			report.AlreadyDecided = append(report.AlreadyDecided, f.RuleID)
			continue
		}
		sess.LastStep = "proposed " + f.RuleID
		if err := c.Checkpoints.Save(sess); err != nil {
			return nil, c.fatal(sess, "checkpoint", err, log)
		}

		d, task, err := c.Gate.Decide(ctx, sess.ID, Presentation{
			Index:       i + 1,
			Total:       len(queue),
			Finding:     f,
			Explanation: c.explain(ctx, f, pv, opts, log),
			Task:        task,
			DryRun:      sess.DryRun(),
		})
		if err != nil {
			return nil, c.fatal(sess, "record decision", err, log)
		}

		switch d {
		case DecisionQuit:
			report.Quit = true
			break loop
		case DecisionSkip:
			report.Skipped = append(report.Skipped, f.RuleID)
		case DecisionApprove:
			res, err := c.Coordinator.Execute(ctx, task, sess.DryRun())
			if err != nil {
				return nil, c.fatal(sess, "execute", err, log)
			}
			switch res.Outcome {
			case OutcomeSuccess:
				applied = append(applied, res.Task)
				report.Applied = append(report.Applied, f.RuleID)
				fmt.Fprintf(out, "Applied %s\n", f.RuleID)
			case OutcomeFailure:
				report.Failed = append(report.Failed, f.RuleID)
				fmt.Fprintf(out, "FAILED to apply %s: %s\n", f.RuleID, res.Reason)
			case OutcomeSkippedDryRun:
				report.WouldApply = append(report.WouldApply, f.RuleID)
				fmt.Fprintf(out, "DRY RUN: %s approved, not applied\n", f.RuleID)
			}
		}

		sess.Cursor = i + 1
		sess.LastStep = "decided " + f.RuleID
		if err := c.Checkpoints.Save(sess); err != nil {
			return nil, c.fatal(sess, "checkpoint", err, log)
		}
	}

	if len(applied) > 0 && !sess.DryRun() && ctx.Err() == nil {
		fmt.Fprintln(out, "\nRe-scanning to measure the changes...")
		after, diff, err := c.Tracker.Rescan(ctx, sess.ID, scan, applied)
		switch {
		case errors.Is(err, ErrScanFailed):
			report.RescanError = err.Error()
			log.Warn("Rescan failed, no history entry recorded", zap.Error(err))
		case err != nil:
			return nil, c.fatal(sess, "record rescan", err, log)
		default:
			s := summarize(after)
			report.After = &s
			report.Regressions = diff.Regressions
			report.Fixed = diff.Fixed
			sess.ScanID = after.ID
			c.summarize(ctx, report, after, sess.Threshold, opts, log)
		}
	}

	return c.finish(sess, report, opts, log)
}

// start loads or creates the session and produces its scan. Any failure
// here is fatal: without a trusted scan there is nothing to review.
func (c *Controller) start(ctx context.Context, opts Options, log *zap.Logger) (*Session, engine.ScanResult, error) {
	var sess *Session
	if opts.Resume {
		var err error
		if opts.ResumeID != "" {
			sess, err = c.Checkpoints.Load(opts.ResumeID)
		} else {
			sess, err = c.Checkpoints.Latest()
			if err == nil && sess == nil {
				err = errors.New("no session to resume")
			}
		}
		if err != nil {
			return nil, engine.ScanResult{}, &FatalError{
				Cause:  err,
				Resume: ResumePoint{SessionID: opts.ResumeID, LastStep: "load checkpoint"},
			}
		}
		sess.Status = StateRunning
		log.Info("Resuming session",
			zap.String("session_id", sess.ID),
			zap.String("mode", string(sess.Mode)),
			zap.Int("cursor", sess.Cursor),
		)
	} else {
		sess = NewSession(opts.Mode, opts.Profile, opts.Threshold)
	}
	if err := c.Checkpoints.Save(sess); err != nil {
		return nil, engine.ScanResult{}, &FatalError{Cause: err, Resume: sess.ResumePoint()}
	}

	if opts.Resume && sess.ScanID != "" && !opts.ForceScan {
		scan, found, err := c.Tracker.Snapshots.LoadSnapshot(sess.ScanID)
		if err != nil {
			return nil, engine.ScanResult{}, c.fatal(sess, "load scan", err, log)
		}
		if found {
			return sess, scan, nil
		}
		log.Warn("Checkpoint scan missing, scanning again", zap.String("scan_id", sess.ScanID))
	}

	scan, err := c.Tracker.Scan(ctx)
	if err != nil {
		return nil, engine.ScanResult{}, c.fatal(sess, "scan", err, log)
	}
	if _, diff, err := c.Tracker.Baseline(sess.ID, scan); err != nil {
		return nil, engine.ScanResult{}, c.fatal(sess, "record baseline", err, log)
	} else if len(diff.Regressions) > 0 && c.Out != nil {
		fmt.Fprintf(c.Out, "REGRESSIONS since the previous scan: %v\n", diff.Regressions)
	}

	sess.ScanID = scan.ID
	if sess.Profile == "" {
		sess.Profile = scan.Profile
	}
	sess.LastStep = "scanned"
	if err := c.Checkpoints.Save(sess); err != nil {
		return nil, engine.ScanResult{}, c.fatal(sess, "checkpoint", err, log)
	}
	return sess, scan, nil
}

func (c *Controller) explain(ctx context.Context, f engine.Finding, pv string, opts Options, log *zap.Logger) engine.Explanation {
	if c.Explainer == nil {
		return engine.PlaceholderExplanation(f, pv, errors.New("no reasoning provider configured"))
	}
	tctx, cancel := withTimeout(ctx, opts.TriageTimeout)
	defer cancel()

	compute := triage.Retrying(c.Explainer.Explain, opts.TriageRetries, log)
	if c.Cache != nil {
		return c.Cache.GetOrCompute(tctx, f, pv, compute)
	}
	exp, err := compute(tctx, f)
	if err != nil {
		log.Warn("Triage unavailable, using placeholder", zap.String("rule_id", f.RuleID), zap.Error(err))
		return engine.PlaceholderExplanation(f, pv, err)
	}
	return exp
}

func (c *Controller) summarize(ctx context.Context, report *Report, after engine.ScanResult, threshold engine.Severity, opts Options, log *zap.Logger) {
	if c.Reporter == nil || !opts.ExecutiveSummary {
		return
	}
	tctx, cancel := withTimeout(ctx, opts.TriageTimeout)
	defer cancel()

	text, err := c.Reporter.ExecutiveSummary(tctx, adk.SummaryInput{
		BeforeScore: report.Before.Score,
		BeforeFails: report.Before.Fail,
		AfterScore:  report.After.Score,
		AfterFails:  report.After.Fail,
		Applied:     report.Applied,
		Skipped:     report.Skipped,
		Failed:      report.Failed,
		Regressions: report.Regressions,
		Remaining:   engine.Queue(after, threshold),
	})
	if err != nil {
		log.Warn("Executive summary unavailable", zap.Error(err))
		return
	}
	report.Summary = text
}

func (c *Controller) finish(sess *Session, report *Report, opts Options, log *zap.Logger) (*Report, error) {
	sess.Status = StateCompleted
	sess.LastStep = "finished"
	if report.Quit {
		sess.Status = StateQuit
		sess.LastStep = "quit"
	}
	if err := c.Checkpoints.Save(sess); err != nil {
		return report, c.fatal(sess, "checkpoint", err, log)
	}

	if opts.ReportsDir != "" {
		if _, err := report.WriteSessionLog(opts.ReportsDir, time.Now()); err != nil {
			log.Warn("Failed to write session log", zap.Error(err))
		}
	}
	log.Info("Session finished",
		zap.String("status", string(sess.Status)),
		zap.Int("applied", len(report.Applied)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// fatal marks the session failed and reports where it can be resumed.
func (c *Controller) fatal(sess *Session, step string, err error, log *zap.Logger) error {
	rp := sess.ResumePoint()
	sess.Status = StateFailed
	if serr := c.Checkpoints.Save(sess); serr != nil {
		log.Error("Failed to record session failure", zap.Error(serr))
	}
	log.Error("Session stopped",
		zap.String("session_id", sess.ID),
		zap.String("step", step),
		zap.String("resume", rp.String()),
		zap.Error(err),
	)
	return &FatalError{Cause: fmt.Errorf("%s: %w", step, err), Resume: rp}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
