package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/config"
	"github.com/user/stigharden/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "stigharden",
	Short: "Operator-driven STIG remediation",
	Long: `stigharden scans a host against a STIG profile, explains each failing
rule, and applies only the remediations an operator approves. Every decision
is recorded, sessions can be resumed, and compliance is re-measured after
each batch.`,
	SilenceUsage: true,
}

var (
	DebugMode  bool
	ConfigPath string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&ConfigPath, "config", "", "Config file (default ~/.stigharden/config.yaml)")
}

// loadConfig reads --config, or the default location.
func loadConfig() (*config.Config, error) {
	if ConfigPath != "" {
		return config.Load(ConfigPath)
	}
	return config.LoadConfig()
}

func saveConfig(cfg *config.Config) error {
	if ConfigPath != "" {
		return config.Save(ConfigPath, cfg)
	}
	return config.SaveConfig(cfg)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if DebugMode {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
