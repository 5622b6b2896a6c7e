package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
	"ArtifactFunnel/internal/domain"
)

var (
	statsJSON bool

	artifactTypes    []string
	artifactStatuses []string
	artifactOverdue  bool
	artifactLimit    int
	artifactsJSON    bool
)

func init() {
	rootCmd.AddCommand(statsCmd, artifactsCmd)

	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output stats as JSON")

	artifactsCmd.Flags().StringSliceVar(&artifactTypes, "type", nil, "filter by type (commitment, request, decision, deadline, agreement)")
	artifactsCmd.Flags().StringSliceVar(&artifactStatuses, "status", nil, "filter by status (open, pending, fulfilled, blocked, cancelled)")
	artifactsCmd.Flags().BoolVar(&artifactOverdue, "overdue", false, "only artifacts past their due date")
	artifactsCmd.Flags().IntVar(&artifactLimit, "limit", 50, "maximum artifacts to list")
	artifactsCmd.Flags().BoolVar(&artifactsJSON, "json", false, "output artifacts as JSON")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show funnel counters and work item states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			stats, err := a.Funnel().Stats(ctx, now())
			if err != nil {
				return err
			}
			if statsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStats(stats))
			return nil
		})
	},
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List extracted artifacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, err := artifactFilter(now())
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			artifacts, err := a.Store().ListArtifacts(ctx, filter)
			if err != nil {
				return err
			}
			if artifactsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(artifacts)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderArtifacts(artifacts, now()))
			return nil
		})
	},
}

func artifactFilter(at time.Time) (domain.ArtifactFilter, error) {
	filter := domain.ArtifactFilter{Limit: artifactLimit}
	for _, raw := range artifactTypes {
		t, err := domain.ParseArtifactType(raw)
		if err != nil {
			return filter, err
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range artifactStatuses {
		s, err := domain.ParseArtifactStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	if artifactOverdue {
		filter.OverdueAt = &at
	}
	return filter, nil
}

func renderArtifacts(artifacts []domain.Artifact, at time.Time) string {
	if len(artifacts) == 0 {
		return infoStyle.Render("no artifacts") + "\n"
	}
	rows := make([][]string, 0, len(artifacts))
	for _, a := range artifacts {
		due := "-"
		if a.DueDate != nil {
			due = a.DueDate.Format("2006-01-02")
			if a.Overdue(at) {
				due = errorStyle.Render(due)
			}
		}
		rows = append(rows, []string{a.ID, string(a.Type), string(a.Status), due, truncate(a.Summary, 60)})
	}
	return renderTable([]string{"ID", "TYPE", "STATUS", "DUE", "SUMMARY"}, rows)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
