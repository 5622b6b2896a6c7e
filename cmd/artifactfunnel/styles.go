package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ArtifactFunnel/internal/domain"
)

const (
	colorPrimary = "#7D56F4"
	colorError   = "#FF5F5F"
	colorInfo    = "#626262"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorPrimary)).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorPrimary))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorError))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorInfo))

	cellStyle = lipgloss.NewStyle().PaddingRight(2)
)

// renderTable left-aligns columns to the widest visible cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		rendered := make([]string, len(cells))
		for i, cell := range cells {
			rendered[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(cell))
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, rendered...), " ")
	}

	var b strings.Builder
	b.WriteString(line(header, headerStyle))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderStats(s domain.FunnelStats) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Funnel"))
	b.WriteByte('\n')
	b.WriteString(renderTable([]string{"COUNTER", "VALUE"}, [][]string{
		{"windows", fmt.Sprint(s.Windows)},
		{"excluded conversations", fmt.Sprint(s.Excluded)},
		{"screened", fmt.Sprint(s.Screened)},
		{"flagged by screening", fmt.Sprint(s.Flagged)},
		{"screening needs review", fmt.Sprint(s.ScreeningNeedsReview)},
		{"artifacts", fmt.Sprint(s.Extracted)},
		{"status checks", fmt.Sprint(s.StatusChecks)},
		{"status checks need review", fmt.Sprint(s.StatusChecksNeedsReview)},
	}))

	b.WriteByte('\n')
	b.WriteString(titleStyle.Render("Artifacts by status"))
	b.WriteByte('\n')
	statusRows := make([][]string, 0, len(domain.ArtifactStatuses))
	for _, st := range domain.ArtifactStatuses {
		statusRows = append(statusRows, []string{string(st), fmt.Sprint(s.ArtifactsByStatus[st])})
	}
	b.WriteString(renderTable([]string{"STATUS", "COUNT"}, statusRows))

	b.WriteByte('\n')
	b.WriteString(titleStyle.Render("Work items"))
	b.WriteByte('\n')
	header := []string{"STAGE"}
	for _, state := range domain.WorkStates {
		header = append(header, strings.ToUpper(string(state)))
	}
	header = append(header, "UNHANDLED", "FLAGGED", "STALE")

	var rows [][]string
	for _, st := range s.Stages {
		row := []string{string(st.Stage)}
		for _, state := range domain.WorkStates {
			row = append(row, fmt.Sprint(st.ByState[state]))
		}
		stale := fmt.Sprint(st.Stale)
		if st.Stale > 0 {
			stale = errorStyle.Render(stale)
		}
		row = append(row, fmt.Sprint(st.Unhandled), fmt.Sprint(st.Flagged), stale)
		rows = append(rows, row)
	}
	b.WriteString(renderTable(header, rows))
	return b.String()
}
