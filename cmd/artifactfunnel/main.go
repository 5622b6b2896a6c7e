// Package main implements the artifactfunnel daemon and its operator commands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/logging"
)

var (
	// configPath points at the YAML configuration; empty uses ARTIFACT_FUNNEL_CONFIG.
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "artifactfunnel",
	Short: "Extract commitments and requests from conversations in batches",
	Long: `artifactfunnel screens conversation windows with a cheap model, extracts
structured artifacts from the promising ones with an expensive model, re-checks
their fulfilment later and reconciles them against the task tracker.

Examples:
  # Run the scheduler, operator API and Kafka consumer
  artifactfunnel run --config funnel.yaml

  # Advance the funnel once and print what happened
  artifactfunnel cycle

  # Build today's reconciliation report
  artifactfunnel reconcile --format md`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (default $ARTIFACT_FUNNEL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// withApp loads config, migrates storage and runs fn against the application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	cfg := config.Load(configPath)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	if err := a.Store().Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(ctx, a)
}

func now() time.Time {
	return time.Now().UTC()
}
