package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
	"ArtifactFunnel/internal/report"
)

var reconcileFormat string

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVar(&reconcileFormat, "format", "summary", "output: summary, md, json or html")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Match open artifacts against the tracker and publish a report",
	Long: `Match open, pending and blocked artifacts against the tracker snapshot and
publish the reconciliation report to the configured archive and Telegram chat.
Nothing is written to the tracker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			r, err := a.Reconciler()
			if err != nil {
				return err
			}
			published, runErr := r.Run(ctx, now())
			if published == nil {
				return runErr
			}

			out := cmd.OutOrStdout()
			switch reconcileFormat {
			case "summary":
				fmt.Fprintln(out, report.Summary(published.Report))
			case "md", "markdown":
				_, _ = out.Write(published.Markdown)
			case "json":
				_, _ = out.Write(published.JSON)
			case "html":
				_, _ = out.Write(published.HTML)
			default:
				return fmt.Errorf("unknown format %q", reconcileFormat)
			}
			return runErr
		})
	},
}
