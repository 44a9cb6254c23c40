package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/api"
	"github.com/user/stigharden/pkg/config"
	"github.com/user/stigharden/pkg/session"
	"github.com/user/stigharden/pkg/store"
)

// openState loads config and logger for the commands that only read or
// adjust recorded state.
func openState() (*config.Config, *zap.Logger, *store.TaskStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	tasks, err := store.OpenTaskStore(cfg.StateDir, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, tasks, nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the compliance history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, _, err := openState()
		if err != nil {
			return err
		}
		defer log.Sync()

		entries, err := store.OpenHistory(cfg.StateDir, log).Entries()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No scans recorded yet. Run 'stigharden run --scan-only' to take a baseline.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPHASE\tSCORE\tFAIL\tCAT I\tCAT II\tCAT III\tAPPLIED\tREGRESSIONS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%d\t%d\t%d\t%d\t%d\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Phase, e.Score, e.FailCount,
				e.Cat1Fails, e.Cat2Fails, e.Cat3Fails, len(e.AppliedTaskIDs), strings.Join(e.Regressions, ","))
		}
		w.Flush()

		if imp, ok := store.ImprovementOf(entries); ok {
			fmt.Printf("\nImprovement over %d scans: %.1f%% -> %.1f%% (%+.1f), %d failures fixed\n",
				imp.ScanCount, imp.FirstScore, imp.LastScore, imp.ScoreDelta, imp.FailuresFixed)
		}
		return nil
	},
}

var tasksFlags struct {
	status string
	all    bool
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List remediation tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, tasks, err := openState()
		if err != nil {
			return err
		}
		defer log.Sync()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RULE\tCATEGORY\tSTATUS\tSOURCE\tDRY RUN\tUPDATED\tOUTCOME")
		row := func(t store.Task) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n", t.RuleID, t.Severity.Label(), t.Status, t.Source,
				t.DryRun, t.UpdatedAt.Local().Format(time.DateTime), t.Outcome)
		}
		n := 0
		for _, t := range tasks.All() {
			if tasksFlags.status == "" || string(t.Status) == tasksFlags.status {
				row(t)
				n++
			}
		}
		w.Flush()
		fmt.Printf("\n%d task(s)\n", n)

		if tasksFlags.all {
			superseded := tasks.Superseded()
			fmt.Printf("\nSuperseded (%d):\n", len(superseded))
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tTASK\tSTATUS\tSUPERSEDED BY")
			for _, t := range superseded {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.RuleID, t.ID, t.Status, t.SupersededBy)
			}
			w.Flush()
		}
		return nil
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <rule-id>",
	Short: "Re-propose a failed or skipped remediation",
	Long: `Supersede a failed or skipped task with a fresh proposal so the next
session presents it again. This is the only way to retry a failed fix.
Refused while a session is running against the same state directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, tasks, err := openState()
		if err != nil {
			return err
		}
		defer log.Sync()

		lock, err := store.LockState(cfg.StateDir)
		if errors.Is(err, store.ErrStateLocked) {
			return fmt.Errorf("%w: reopen after the session finishes", err)
		}
		if err != nil {
			return err
		}
		defer lock.Unlock()
		if err := tasks.Load(); err != nil {
			return err
		}

		t, err := tasks.Reopen(args[0], "operator")
		if err != nil {
			return err
		}
		fmt.Printf("Reopened %s as task %s. It will be presented in the next session.\n", t.RuleID, t.ID)
		return nil
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, tasks, err := openState()
		if err != nil {
			return err
		}
		defer log.Sync()

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := api.NewServer(tasks, store.OpenHistory(cfg.StateDir, log), store.OpenScanSnapshots(cfg.StateDir),
			session.OpenCheckpoints(cfg.StateDir), log)

		ctx, stop := signalContext(cmd)
		defer stop()
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksFlags.status, "status", "", "Only show tasks with this status")
	tasksCmd.Flags().BoolVar(&tasksFlags.all, "all", false, "Include superseded audit records")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")

	rootCmd.AddCommand(historyCmd, tasksCmd, reopenCmd, serveCmd)
}
