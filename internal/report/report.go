// Package report turns matching decisions into a stable reconciliation document.
package report

import (
	"sort"
	"time"

	"ArtifactFunnel/internal/domain"
)

// Urgency buckets needs_review entries.
type Urgency string

const (
	UrgencyOverdue Urgency = "overdue"
	UrgencyDueSoon Urgency = "due_soon"
	UrgencyLater   Urgency = "later"
	UrgencyNoDate  Urgency = "no_date"
)

var urgencyRank = map[Urgency]int{UrgencyOverdue: 0, UrgencyDueSoon: 1, UrgencyLater: 2, UrgencyNoDate: 3}

// DecisionOrder is the section order of a report.
var DecisionOrder = []domain.Decision{domain.DecisionNeedsReview, domain.DecisionCreate, domain.DecisionMatch}

// CheckSummary is the latest status check of an artifact.
type CheckSummary struct {
	Status            domain.ArtifactStatus `json:"status"`
	NeedsManualReview bool                  `json:"needs_manual_review"`
	Rationale         string                `json:"rationale,omitempty"`
	CheckedAt         time.Time             `json:"checked_at"`
}

// Entry is one report line.
type Entry struct {
	ArtifactID  string                `json:"artifact_id"`
	Type        domain.ArtifactType   `json:"type"`
	Summary     string                `json:"summary"`
	Actor       string                `json:"actor,omitempty"`
	Recipient   string                `json:"recipient,omitempty"`
	DueDate     *time.Time            `json:"due_date,omitempty"`
	Status      domain.ArtifactStatus `json:"status"`
	Decision    domain.Decision       `json:"decision"`
	MatchedAs   domain.Decision       `json:"matched_as,omitempty"`
	Urgency     Urgency               `json:"urgency"`
	ItemID      string                `json:"item_id,omitempty"`
	ItemTitle   string                `json:"item_title,omitempty"`
	Nearest     string                `json:"nearest,omitempty"`
	Score       float64               `json:"score"`
	Compared    int                   `json:"compared"`
	DuplicateOf string                `json:"duplicate_of,omitempty"`
	Proposal    *domain.Mutation      `json:"proposal,omitempty"`
	LatestCheck *CheckSummary         `json:"latest_check,omitempty"`
}

// Section groups entries sharing a decision.
type Section struct {
	Decision domain.Decision `json:"decision"`
	Entries  []Entry         `json:"entries"`
}

// Report is the reconciliation document. Building it twice from the same input
// yields equal values and byte-identical renderings.
type Report struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Totals      map[domain.Decision]int `json:"totals"`
	Sections    []Section               `json:"sections"`
}

// Build groups candidates by decision and orders every section. An artifact whose
// latest status check needs manual review lands in needs_review whatever the matcher decided;
// MatchedAs keeps the matcher's verdict.
func Build(candidates []domain.MatchCandidate, checks map[string][]domain.StatusCheck, now time.Time, dueSoon time.Duration) Report {
	now = now.UTC()
	r := Report{GeneratedAt: now, Totals: map[domain.Decision]int{}}

	grouped := map[domain.Decision][]Entry{}
	for _, c := range candidates {
		e := entryFor(c, now, dueSoon)
		e.LatestCheck = latestCheck(checks[c.Task.ArtifactID])
		if e.LatestCheck != nil && e.LatestCheck.NeedsManualReview && e.Decision != domain.DecisionNeedsReview {
			e.MatchedAs = e.Decision
			e.Decision = domain.DecisionNeedsReview
		}
		grouped[e.Decision] = append(grouped[e.Decision], e)
	}

	for _, d := range DecisionOrder {
		entries := grouped[d]
		r.Totals[d] = len(entries)
		sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
		r.Sections = append(r.Sections, Section{Decision: d, Entries: orEmpty(entries)})
	}
	return r
}

func entryFor(c domain.MatchCandidate, now time.Time, dueSoon time.Duration) Entry {
	e := Entry{
		ArtifactID:  c.Task.ArtifactID,
		Type:        c.Task.Type,
		Summary:     c.Task.Summary,
		Actor:       c.Task.Actor,
		Recipient:   c.Task.Recipient,
		Status:      c.Task.Status,
		Decision:    c.Decision,
		Score:       c.Score,
		Compared:    c.Compared,
		DuplicateOf: c.DuplicateOf,
		Proposal:    c.Proposal,
	}
	if c.Task.DueDate != nil {
		due := c.Task.DueDate.UTC()
		e.DueDate = &due
	}
	if c.Item != nil {
		e.ItemID = c.Item.ID
		e.ItemTitle = c.Item.Title
	}
	if c.Nearest != nil {
		e.Nearest = c.Nearest.Title + " (" + c.Nearest.ID + ")"
	}
	e.Urgency = urgencyOf(e, now, dueSoon)
	return e
}

func urgencyOf(e Entry, now time.Time, dueSoon time.Duration) Urgency {
	switch {
	case e.DueDate == nil:
		return UrgencyNoDate
	case e.DueDate.Before(now) && !e.Status.Terminal():
		return UrgencyOverdue
	case !e.DueDate.After(now.Add(dueSoon)):
		return UrgencyDueSoon
	default:
		return UrgencyLater
	}
}

// less orders by urgency (needs_review only), due date ascending with nulls last,
// then artifact id.
func less(a, b Entry) bool {
	if a.Decision == domain.DecisionNeedsReview && a.Urgency != b.Urgency {
		return urgencyRank[a.Urgency] < urgencyRank[b.Urgency]
	}
	switch {
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
		return a.DueDate.Before(*b.DueDate)
	}
	return a.ArtifactID < b.ArtifactID
}

func latestCheck(checks []domain.StatusCheck) *CheckSummary {
	if len(checks) == 0 {
		return nil
	}
	latest := checks[0]
	for _, c := range checks[1:] {
		if c.CheckedAt.After(latest.CheckedAt) || (c.CheckedAt.Equal(latest.CheckedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	return &CheckSummary{
		Status:            latest.Status,
		NeedsManualReview: latest.NeedsManualReview,
		Rationale:         latest.Rationale,
		CheckedAt:         latest.CheckedAt.UTC(),
	}
}

func orEmpty(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
