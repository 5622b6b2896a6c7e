package domain

import "time"

// TrackerItem is a read-only snapshot of one task in the external tracker.
type TrackerItem struct {
	ID          string
	Title       string
	Description string
	Assignee    string
	DueDate     *time.Time
	Status      string
	Completed   bool
	UpdatedAt   time.Time
}

// Decision is the reconciliation verdict for one source task.
type Decision string

const (
	DecisionMatch       Decision = "match"
	DecisionCreate      Decision = "create"
	DecisionNeedsReview Decision = "needs_review"
)

// SourceTask is the tracker-facing projection of an artifact.
type SourceTask struct {
	ArtifactID  string
	Type        ArtifactType
	Summary     string
	Actor       string
	Recipient   string
	MentionedAt *time.Time
	DueDate     *time.Time
	Status      ArtifactStatus
}

// TaskFromArtifact projects an artifact into a source task.
func TaskFromArtifact(a Artifact) SourceTask {
	return SourceTask{
		ArtifactID:  a.ID,
		Type:        a.Type,
		Summary:     a.Summary,
		Actor:       a.Actor,
		Recipient:   a.Recipient,
		MentionedAt: a.MentionedAt,
		DueDate:     a.DueDate,
		Status:      a.Status,
	}
}

// MutationKind distinguishes proposed tracker writes.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
)

// FieldChange is one proposed field value.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
}

// Mutation is a proposed, never auto-applied, change to the tracker.
type Mutation struct {
	Kind    MutationKind  `json:"kind"`
	ItemID  string        `json:"item_id,omitempty"`
	Changes []FieldChange `json:"changes"`
}

// MatchCandidate pairs a source task with at most one tracker item.
type MatchCandidate struct {
	Task SourceTask
	Item *TrackerItem
	// Nearest is the best-scoring item of a create decision, below every threshold.
	Nearest     *TrackerItem
	Score       float64
	Decision    Decision
	DuplicateOf string
	Compared    int
	Proposal    *Mutation
}
