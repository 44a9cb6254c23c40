package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/adk"
	"github.com/user/stigharden/pkg/config"
	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/session"
	"github.com/user/stigharden/pkg/store"
	"github.com/user/stigharden/pkg/triage"
	"github.com/user/stigharden/pkg/wrappers"
)

const resumeLatest = "latest"

var runFlags struct {
	scanOnly       bool
	dryRun         bool
	results        string
	resume         string
	profile        string
	minSeverity    string
	provider       string
	model          string
	yes            bool
	autoCat3       bool
	noTriageReport bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a hardening session",
	Long: `Scan the host, then walk the failing findings in severity order. Each
finding is explained and its proposed remediation shown; nothing is applied
without an approval. After the batch the host is scanned again and the
change in compliance is recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runFlags.scanOnly && runFlags.dryRun {
			return errors.New("--scan-only and --dry-run are mutually exclusive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyRunOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		threshold, err := engine.ParseSeverity(cfg.MinSeverity)
		if err != nil {
			return err
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signalContext(cmd)
		defer stop()

		mode := session.ModeInteractive
		switch {
		case runFlags.scanOnly:
			mode = session.ModeScanOnly
		case runFlags.dryRun:
			mode = session.ModeDryRun
		}

		ctrl, cleanup, err := buildController(ctx, cfg, mode, log)
		if err != nil {
			return err
		}
		defer cleanup()

		opts := session.Options{
			Mode:             mode,
			Profile:          cfg.Scanner.Profile,
			Threshold:        threshold,
			Resume:           cmd.Flags().Changed("resume"),
			ForceScan:        runFlags.results != "",
			TriageTimeout:    cfg.Triage.Timeout,
			TriageRetries:    cfg.Triage.Retries,
			TriageReport:     !runFlags.noTriageReport,
			ExecutiveSummary: true,
			ReportsDir:       cfg.Scanner.ReportsDir,
		}
		if opts.Resume && runFlags.resume != resumeLatest {
			opts.ResumeID = runFlags.resume
		}

		report, err := ctrl.Run(ctx, opts)
		if err != nil {
			var fatal *session.FatalError
			if errors.As(err, &fatal) {
				fmt.Fprintf(os.Stderr, "\nSession stopped: %v\n", fatal.Cause)
				fmt.Fprintf(os.Stderr, "Resume with: stigharden run --resume %s\n", fatal.Resume.SessionID)
			}
			return err
		}
		report.Print(os.Stdout)
		return nil
	},
}

func applyRunOverrides(cfg *config.Config) {
	if runFlags.profile != "" {
		cfg.Scanner.Profile = runFlags.profile
	}
	if runFlags.minSeverity != "" {
		cfg.MinSeverity = runFlags.minSeverity
	}
	if runFlags.provider != "" {
		cfg.SelectedProvider = runFlags.provider
	}
	if runFlags.model != "" {
		cfg.SelectedModel = runFlags.model
	}
}

// buildController wires the stores, tools and reasoning provider into a
// session controller. Missing tools are reported up front; the session
// itself decides whether they are fatal.
func buildController(ctx context.Context, cfg *config.Config, mode session.Mode, log *zap.Logger) (*session.Controller, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	lock, err := store.LockState(cfg.StateDir)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { lock.Unlock() })

	tasks, err := store.OpenTaskStore(cfg.StateDir, log)
	if err != nil {
		return nil, cleanup, err
	}
	history := store.OpenHistory(cfg.StateDir, log)
	snapshots := store.OpenScanSnapshots(cfg.StateDir)

	// Scanner
	var scanner session.Scanner
	if runFlags.results != "" {
		scanner = wrappers.ArtifactFile{Path: runFlags.results}
		log.Info("Using existing scan results", zap.String("path", runFlags.results))
	} else {
		profiles := engine.NewProfileCatalog()
		if err := profiles.LoadProfiles("profiles"); err != nil {
			log.Warn("Failed to load compliance profiles", zap.Error(err))
		}
		oscap := wrappers.NewOscapScanner(cfg.Scanner.Binary, cfg.Scanner.ContentPath,
			profiles.Resolve(cfg.Scanner.Profile), cfg.Scanner.ReportsDir, cfg.Scanner.Timeout, log)
		if err := oscap.Check(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		scanner = oscap
	}

	// Executor
	executor := wrappers.NewAnsibleExecutor(cfg.Executor.Binary, cfg.Executor.PlaybooksDir, log)
	if mode == session.ModeInteractive {
		if err := executor.Check(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (approved fixes will fail)\n", err)
		}
	}

	cache, err := openTriageCache(ctx, cfg, log)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { cache.Close() })

	templates := engine.NewTemplateCatalog()
	if err := templates.LoadTemplates(cfg.Executor.TemplatesDir); err != nil {
		log.Warn("Failed to load remediation templates", zap.Error(err))
	}

	ctrl := &session.Controller{
		Tracker: session.NewTracker(scanner, engine.NewNormalizer(engine.SeverityAll), history, snapshots,
			cfg.Scanner.Timeout, log),
		Tasks: tasks,
		Gate: session.NewGate(session.NewTerminalPrompter(os.Stdin, os.Stdout), session.Policy{
			RequireApproval:   !runFlags.yes && mode != session.ModeDryRun,
			AutoApproveCatIII: runFlags.autoCat3,
		}, tasks, log),
		Coordinator: session.NewCoordinator(executor, tasks, cfg.Executor.Timeout, log),
		Checkpoints: session.OpenCheckpoints(cfg.StateDir),
		Cache:       cache,
		Out:         os.Stdout,
		Log:         log,
	}

	// Reasoning provider. Without one the session still runs on templates,
	// fix text and placeholder explanations.
	var remediator *adk.Remediator
	provider, err := adk.NewProvider(ctx, cfg.SelectedProvider, cfg.GetAPIKey(cfg.SelectedProvider),
		cfg.GetBaseURL(cfg.SelectedProvider), cfg.SelectedModel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: reasoning provider unavailable: %v\n", err)
	} else {
		if closer, ok := provider.(interface{ Close() }); ok {
			closers = append(closers, closer.Close)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := provider.ListModels(pctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s not reachable, explanations will be placeholders: %v\n", cfg.SelectedProvider, err)
		}
		cancel()
		analyst := adk.NewAnalyst(provider, cfg.SelectedModel, log)
		ctrl.Explainer = analyst
		ctrl.Reporter = analyst
		remediator = adk.NewRemediator(provider)
		log.Info("Reasoning provider ready",
			zap.String("provider", cfg.SelectedProvider),
			zap.String("model", cfg.SelectedModel),
		)
	}
	ctrl.Remediations = adk.NewGenerator(templates, remediator, cache, log)

	return ctrl, cleanup, nil
}

// openTriageCache returns the configured cache. An unreachable redis falls
// back to the local file cache.
func openTriageCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (*triage.Cache, error) {
	cc := cfg.Triage.Cache
	if cc.Backend == "redis" {
		rc, err := triage.NewRedisCache(ctx, triage.RedisOptions{
			Addr:      cc.RedisAddr,
			Password:  cfg.RedisPassword(),
			DB:        cc.RedisDB,
			KeyPrefix: cc.KeyPrefix,
		}, log)
		if err == nil {
			return triage.New(rc, log), nil
		}
		log.Warn("Redis triage cache unavailable, using file cache", zap.Error(err))
	}
	fc, err := triage.OpenFileCache(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return triage.New(fc, log), nil
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.scanOnly, "scan-only", false, "Scan and list findings, propose nothing")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "Propose and approve, never change the host")
	f.StringVar(&runFlags.results, "results", "", "Use an existing XCCDF results file or scan artifact instead of scanning")
	f.StringVar(&runFlags.resume, "resume", "", "Resume the latest session, or the given session id")
	f.Lookup("resume").NoOptDefVal = resumeLatest
	f.StringVarP(&runFlags.profile, "profile", "p", "", "Benchmark profile (default from config)")
	f.StringVar(&runFlags.minSeverity, "min-severity", "", "Lowest category to review: CAT_I, CAT_II, CAT_III or ALL")
	f.StringVar(&runFlags.provider, "provider", "", "Reasoning provider (ollama, gemini, openai)")
	f.StringVarP(&runFlags.model, "model", "m", "", "Reasoning model")
	f.BoolVarP(&runFlags.yes, "yes", "y", false, "Approve every proposal without asking")
	f.BoolVar(&runFlags.autoCat3, "auto-cat3", false, "Approve CAT III proposals without asking")
	f.BoolVar(&runFlags.noTriageReport, "no-triage-report", false, "Skip the batch triage report")

	rootCmd.AddCommand(runCmd)
}
