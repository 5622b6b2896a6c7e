package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduled jobs, the operator API and the Kafka consumer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			return a.Run(ctx)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create missing tables and indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(context.Context, *app.Application) error {
			cmd.Println("schema is up to date")
			return nil
		})
	},
}
