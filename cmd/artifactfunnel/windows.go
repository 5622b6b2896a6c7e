package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ArtifactFunnel/internal/app"
)

var excludeReason string

func init() {
	rootCmd.AddCommand(importWindowsCmd, excludeCmd)
	excludeCmd.Flags().StringVar(&excludeReason, "reason", "", "why the conversation must never be sent to the provider")
}

var importWindowsCmd = &cobra.Command{
	Use:   "import-windows <file.jsonl>",
	Short: "Import chunked conversation windows from JSON lines",
	Long: `Import conversation windows, one JSON object per line. Windows already stored
are left untouched; invalid lines are reported and skipped.

Examples:
  # Import an export produced by the chunker
  artifactfunnel import-windows windows.jsonl

  # Read from stdin
  cat windows.jsonl | artifactfunnel import-windows -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			report, err := a.Importer().Import(ctx, in)
			fmt.Fprintf(cmd.OutOrStdout(), "lines=%d imported=%d duplicate=%d invalid=%d\n",
				report.Lines, report.Imported, report.Duplicate, report.Invalid)
			return err
		})
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude <conversation-id>",
	Short: "Exclude a conversation from every future submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.Application) error {
			if err := a.Store().ExcludeConversation(ctx, args[0], excludeReason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s excluded\n", args[0])
			return nil
		})
	},
}
