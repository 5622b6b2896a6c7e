package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"ArtifactFunnel/internal/domain"
)

const dateLayout = "2006-01-02"

var sectionTitles = map[domain.Decision]string{
	domain.DecisionNeedsReview: "Needs review",
	domain.DecisionCreate:      "Create in tracker",
	domain.DecisionMatch:       "Matched",
}

// RenderMarkdown is the canonical rendering; it depends only on the report value.
func RenderMarkdown(r Report) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Reconciliation report %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04 UTC"))
	for _, d := range DecisionOrder {
		fmt.Fprintf(&b, "- %s: %d\n", sectionTitles[d], r.Totals[d])
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "\n## %s (%d)\n\n", sectionTitles[s.Decision], len(s.Entries))
		if len(s.Entries) == 0 {
			b.WriteString("_none_\n")
			continue
		}
		b.WriteString("| Urgency | Due | Type | Summary | Status | Tracker item | Score | Notes |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, e := range s.Entries {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %.2f | %s |\n",
				e.Urgency, formatDue(e), e.Type, cell(e.Summary), e.Status, cell(itemLabel(e)), e.Score, cell(notes(e)))
		}
	}
	return b.Bytes()
}

// RenderJSON renders the report as indented JSON.
func RenderJSON(r Report) ([]byte, error) {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(out, '\n'), nil
}

// RenderHTML converts the Markdown rendering into a standalone page.
func RenderHTML(r Report) ([]byte, error) {
	var body bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := md.Convert(RenderMarkdown(r), &body); err != nil {
		return nil, fmt.Errorf("convert report markdown: %w", err)
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Reconciliation report %s</title>
<style>
body { font-family: sans-serif; max-width: 1100px; margin: 0 auto; padding: 24px; }
table { border-collapse: collapse; width: 100%%; }
th, td { border: 1px solid #ddd; padding: 6px; text-align: left; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(r.GeneratedAt.Format(dateLayout)), body.String())
	return page.Bytes(), nil
}

// Summary is a short plain-text digest for chat notifications.
func Summary(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation %s: %d need review, %d to create, %d matched.",
		r.GeneratedAt.Format(dateLayout), r.Totals[domain.DecisionNeedsReview], r.Totals[domain.DecisionCreate], r.Totals[domain.DecisionMatch])

	for _, s := range r.Sections {
		if s.Decision != domain.DecisionNeedsReview {
			continue
		}
		overdue := 0
		for _, e := range s.Entries {
			if e.Urgency == UrgencyOverdue {
				overdue++
			}
		}
		if overdue > 0 {
			fmt.Fprintf(&b, " %d overdue awaiting review.", overdue)
		}
	}
	return b.String()
}

func formatDue(e Entry) string {
	if e.DueDate == nil {
		return "-"
	}
	return e.DueDate.Format(dateLayout)
}

func itemLabel(e Entry) string {
	if e.ItemID == "" {
		return "-"
	}
	return e.ItemTitle + " (" + e.ItemID + ")"
}

func notes(e Entry) string {
	var parts []string
	if e.MatchedAs != "" {
		parts = append(parts, "status unclear, matcher proposed "+string(e.MatchedAs))
	}
	if e.Nearest != "" {
		parts = append(parts, "nearest "+e.Nearest)
	}
	if e.DuplicateOf != "" {
		parts = append(parts, "duplicate of "+e.DuplicateOf)
	}
	if c := e.LatestCheck; c != nil {
		check := "checked " + c.CheckedAt.Format(dateLayout) + ": " + string(c.Status)
		if c.NeedsManualReview {
			check += " (manual review)"
		}
		parts = append(parts, check)
	}
	if p := e.Proposal; p != nil {
		var fields []string
		for _, ch := range p.Changes {
			fields = append(fields, ch.Field)
		}
		parts = append(parts, "proposed "+string(p.Kind)+": "+strings.Join(fields, ", "))
	}
	parts = append(parts, "id "+e.ArtifactID)
	return strings.Join(parts, "; ")
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
