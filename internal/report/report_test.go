package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
)

var now = time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

func date(days int) *time.Time {
	t := now.AddDate(0, 0, days)
	return &t
}

func candidate(id string, d domain.Decision, due *time.Time) domain.MatchCandidate {
	return domain.MatchCandidate{
		Task:     domain.SourceTask{ArtifactID: id, Type: domain.TypeCommitment, Summary: "task " + id, DueDate: due, Status: domain.StatusOpen},
		Decision: d,
	}
}

func fixture() []domain.MatchCandidate {
	return []domain.MatchCandidate{
		candidate("r-none", domain.DecisionNeedsReview, nil),
		candidate("c-late", domain.DecisionCreate, date(5)),
		candidate("r-soon", domain.DecisionNeedsReview, date(1)),
		candidate("m-1", domain.DecisionMatch, date(-1)),
		candidate("c-none", domain.DecisionCreate, nil),
		candidate("r-overdue-b", domain.DecisionNeedsReview, date(-2)),
		candidate("r-overdue-a", domain.DecisionNeedsReview, date(-2)),
		candidate("c-early", domain.DecisionCreate, date(-3)),
		candidate("r-later", domain.DecisionNeedsReview, date(30)),
	}
}

func ids(s Section) []string {
	var out []string
	for _, e := range s.Entries {
		out = append(out, e.ArtifactID)
	}
	return out
}

func TestBuildOrdersSectionsAndEntries(t *testing.T) {
	t.Parallel()

	r := Build(fixture(), nil, now, 72*time.Hour)
	require.Len(t, r.Sections, 3)

	assert.Equal(t, domain.DecisionNeedsReview, r.Sections[0].Decision)
	assert.Equal(t, []string{"r-overdue-a", "r-overdue-b", "r-soon", "r-later", "r-none"}, ids(r.Sections[0]))
	assert.Equal(t, UrgencyOverdue, r.Sections[0].Entries[0].Urgency)
	assert.Equal(t, UrgencyDueSoon, r.Sections[0].Entries[2].Urgency)
	assert.Equal(t, UrgencyNoDate, r.Sections[0].Entries[4].Urgency)

	assert.Equal(t, domain.DecisionCreate, r.Sections[1].Decision)
	assert.Equal(t, []string{"c-early", "c-late", "c-none"}, ids(r.Sections[1]))
	assert.Equal(t, []string{"m-1"}, ids(r.Sections[2]))
	assert.Equal(t, 5, r.Totals[domain.DecisionNeedsReview])
}

func TestRenderingIsByteIdenticalAcrossRunsAndInputOrder(t *testing.T) {
	t.Parallel()

	checks := map[string][]domain.StatusCheck{
		"r-overdue-a": {
			{ID: "1", Status: domain.StatusOpen, CheckedAt: now.Add(-48 * time.Hour)},
			{ID: "2", Status: domain.StatusPending, CheckedAt: now.Add(-time.Hour), NeedsManualReview: true},
		},
	}
	first := fixture()
	reversed := fixture()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	a := Build(first, checks, now, 72*time.Hour)
	b := Build(reversed, checks, now, 72*time.Hour)

	assert.True(t, bytes.Equal(RenderMarkdown(a), RenderMarkdown(b)))
	assert.True(t, bytes.Equal(RenderMarkdown(a), RenderMarkdown(Build(first, checks, now, 72*time.Hour))))

	ja, err := RenderJSON(a)
	require.NoError(t, err)
	jb, err := RenderJSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))

	var decoded Report
	require.NoError(t, json.Unmarshal(ja, &decoded))
	require.NotNil(t, decoded.Sections[0].Entries[0].LatestCheck)
	assert.Equal(t, domain.StatusPending, decoded.Sections[0].Entries[0].LatestCheck.Status)
}

func TestRenderMarkdownAndHTML(t *testing.T) {
	t.Parallel()

	c := candidate("a1", domain.DecisionMatch, date(-4))
	c.Item = &domain.TrackerItem{ID: "t1", Title: "Send | report"}
	c.Score = 0.91
	c.Proposal = &domain.Mutation{Kind: domain.MutationUpdate, ItemID: "t1", Changes: []domain.FieldChange{{Field: "completed", From: "false", To: "true"}}}
	r := Build([]domain.MatchCandidate{c}, nil, now, 72*time.Hour)

	md := string(RenderMarkdown(r))
	assert.Contains(t, md, "# Reconciliation report 2024-03-12 09:00 UTC")
	assert.Contains(t, md, "## Needs review (0)\n\n_none_")
	assert.Contains(t, md, `Send \| report (t1)`)
	assert.Contains(t, md, "| 0.91 |")
	assert.Contains(t, md, "proposed update: completed")

	page, err := RenderHTML(r)
	require.NoError(t, err)
	assert.Contains(t, string(page), "<table>")
	assert.Contains(t, string(page), "<h2>Matched (1)</h2>")

	assert.Equal(t, "Reconciliation 2024-03-12: 0 need review, 0 to create, 1 matched.", Summary(r))
}

func TestManualReviewCheckMovesEntryIntoReview(t *testing.T) {
	t.Parallel()

	matched := candidate("m-unclear", domain.DecisionMatch, date(-2))
	matched.Item = &domain.TrackerItem{ID: "t1", Title: "Send report"}
	matched.Score = 1
	created := candidate("c-unclear", domain.DecisionCreate, date(10))
	checks := map[string][]domain.StatusCheck{
		"m-unclear": {{ID: "1", Status: domain.StatusOpen, CheckedAt: now.Add(-time.Hour), NeedsManualReview: true}},
		"c-unclear": {
			{ID: "2", Status: domain.StatusOpen, CheckedAt: now.Add(-48 * time.Hour), NeedsManualReview: true},
			{ID: "3", Status: domain.StatusPending, CheckedAt: now.Add(-time.Hour)},
		},
	}

	r := Build([]domain.MatchCandidate{
		matched,
		created,
		candidate("r-soon", domain.DecisionNeedsReview, date(1)),
	}, checks, now, 72*time.Hour)

	assert.Equal(t, []string{"m-unclear", "r-soon"}, ids(r.Sections[0]))
	e := r.Sections[0].Entries[0]
	assert.Equal(t, domain.DecisionNeedsReview, e.Decision)
	assert.Equal(t, domain.DecisionMatch, e.MatchedAs)
	assert.Equal(t, UrgencyOverdue, e.Urgency)
	assert.Equal(t, "t1", e.ItemID)
	assert.Empty(t, r.Sections[0].Entries[1].MatchedAs)

	assert.Equal(t, []string{"c-unclear"}, ids(r.Sections[1]), "only the latest check counts")
	assert.Empty(t, r.Sections[2].Entries)
	assert.Equal(t, 2, r.Totals[domain.DecisionNeedsReview])
	assert.Equal(t, 0, r.Totals[domain.DecisionMatch])

	assert.Equal(t, "Reconciliation 2024-03-12: 2 need review, 1 to create, 0 matched. 1 overdue awaiting review.", Summary(r))
	assert.Contains(t, string(RenderMarkdown(r)), "status unclear, matcher proposed match")
}

func TestCreateEntryShowsNearestItem(t *testing.T) {
	t.Parallel()

	c := candidate("c1", domain.DecisionCreate, date(3))
	c.Score = 0.2
	c.Nearest = &domain.TrackerItem{ID: "t9", Title: "renew office lease"}
	r := Build([]domain.MatchCandidate{c}, nil, now, 72*time.Hour)

	e := r.Sections[1].Entries[0]
	assert.Empty(t, e.ItemID)
	assert.Equal(t, "renew office lease (t9)", e.Nearest)
	md := string(RenderMarkdown(r))
	assert.Contains(t, md, "| 0.20 |")
	assert.Contains(t, md, "nearest renew office lease (t9)")
}
