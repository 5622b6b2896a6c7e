package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
	"ArtifactFunnel/internal/batch"
	"ArtifactFunnel/internal/funnel"
)

var statusLimit int

func init() {
	rootCmd.AddCommand(cycleCmd, screenCmd, extractCmd, statusCheckCmd, submitCmd, pollCmd)
	statusCheckCmd.Flags().IntVar(&statusLimit, "limit", 0, "maximum artifacts to check (0 = all due)")
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one funnel pass: enqueue, submit, poll and drain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Funnel().Cycle(ctx, now())
			out := cmd.OutOrStdout()
			printEnqueue(out, "screen", report.Screen)
			printEnqueue(out, "extract", report.Extract)
			printEnqueue(out, "status", report.Status)
			printSubmit(out, report.Submit)
			printPoll(out, report.Poll, report.Drain)
			return err
		})
	},
}

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Queue unscreened windows for screening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Funnel().EnqueueScreening(ctx, now())
			printEnqueue(cmd.OutOrStdout(), "screen", report)
			return err
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Queue windows whose screening verdict qualifies for extraction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Funnel().EnqueueExtraction(ctx, now())
			printEnqueue(cmd.OutOrStdout(), "extract", report)
			return err
		})
	},
}

var statusCheckCmd = &cobra.Command{
	Use:   "status-check",
	Short: "Queue fulfilment checks for artifacts past their due date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Funnel().EnqueueStatusChecks(ctx, now(), statusLimit)
			printEnqueue(cmd.OutOrStdout(), "status", report)
			return err
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit pending work items to the batch provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Funnel().Submit(ctx)
			printSubmit(cmd.OutOrStdout(), report)
			return err
		})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Collect finished batches and apply their results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			polled, drained, err := a.Funnel().PollAndDrain(ctx)
			printPoll(cmd.OutOrStdout(), polled, drained)
			return err
		})
	},
}

func printEnqueue(w io.Writer, stage string, r funnel.EnqueueReport) {
	fmt.Fprintf(w, "%-8s considered=%d enqueued=%d reused=%d excluded=%d skipped=%d\n",
		stage, r.Considered, r.Enqueued, r.Reused, r.Excluded, r.Skipped)
}

func printSubmit(w io.Writer, r batch.SubmitReport) {
	fmt.Fprintf(w, "%-8s batches=%d items=%d rejected=%d\n", "submit", r.Batches, r.Items, r.Failed)
}

func printPoll(w io.Writer, p batch.PollReport, d batch.DrainReport) {
	fmt.Fprintf(w, "%-8s handles=%d running=%d completed=%d failed=%d\n", "poll", p.Handles, p.Running, p.Completed, p.Failed)
	for _, stale := range p.Stale {
		if stale.Handle == "" {
			fmt.Fprintf(w, "         stale claim %s (%s, %d items, claimed %s)\n",
				stale.Claim, stale.Stage, stale.Items, stale.SubmittedAt.Format("2006-01-02 15:04"))
			continue
		}
		fmt.Fprintf(w, "         stale handle %s (%s, %d items, submitted %s)\n",
			stale.Handle, stale.Stage, stale.Items, stale.SubmittedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(w, "%-8s handled=%d flagged=%d errors=%d\n", "drain", d.Handled, d.Flagged, d.Errors)
}
