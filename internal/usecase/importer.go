package usecase

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

const maxWindowLine = 16 << 20

// ImportReport counts the outcome of one window import.
type ImportReport struct {
	Lines     int
	Imported  int
	Duplicate int
	Invalid   int
}

// WindowImporter loads chunked windows exported as JSON lines.
type WindowImporter struct {
	store  ports.WindowStore
	logger *slog.Logger
}

// NewWindowImporter builds the importer.
func NewWindowImporter(store ports.WindowStore, logger *slog.Logger) *WindowImporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowImporter{store: store, logger: logger.With("component", "importer")}
}

// Import saves every valid window of r. Invalid lines are counted and skipped;
// a storage failure stops the import.
func (i *WindowImporter) Import(ctx context.Context, r io.Reader) (ImportReport, error) {
	var report ImportReport

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxWindowLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		report.Lines++

		var w domain.ConversationWindow
		if err := json.Unmarshal(line, &w); err != nil {
			i.logger.Warn("skip undecodable line", "line", report.Lines, "error", err)
			report.Invalid++
			continue
		}
		if err := w.Validate(); err != nil {
			i.logger.Warn("skip invalid window", "line", report.Lines, "error", err)
			report.Invalid++
			continue
		}

		created, err := i.store.SaveWindow(ctx, w)
		if err != nil {
			return report, fmt.Errorf("save window %s: %w", w.Ref(), err)
		}
		if created {
			report.Imported++
		} else {
			report.Duplicate++
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read windows: %w", err)
	}

	i.logger.Info("windows imported", "lines", report.Lines, "imported", report.Imported,
		"duplicate", report.Duplicate, "invalid", report.Invalid)
	return report, nil
}
