package matching

import (
	"strconv"
	"strings"
	"time"

	"ArtifactFunnel/internal/domain"
)

const dateLayout = "2006-01-02"

// propose derives the tracker write a human would make for the candidate. The
// proposal is advisory and never applied here.
func propose(c domain.MatchCandidate) *domain.Mutation {
	switch c.Decision {
	case domain.DecisionCreate:
		return proposeCreate(c.Task)
	case domain.DecisionMatch:
		if c.DuplicateOf != "" || c.Item == nil {
			return nil
		}
		return proposeUpdate(c.Task, *c.Item)
	default:
		return nil
	}
}

func proposeCreate(t domain.SourceTask) *domain.Mutation {
	changes := []domain.FieldChange{{Field: "name", To: t.Summary}}

	var notes []string
	notes = append(notes, "Type: "+string(t.Type))
	if t.Recipient != "" {
		notes = append(notes, "For: "+t.Recipient)
	}
	if t.MentionedAt != nil {
		notes = append(notes, "Mentioned: "+t.MentionedAt.UTC().Format(dateLayout))
	}
	notes = append(notes, "Artifact: "+t.ArtifactID)
	changes = append(changes, domain.FieldChange{Field: "notes", To: strings.Join(notes, "\n")})

	if t.Actor != "" {
		changes = append(changes, domain.FieldChange{Field: "assignee", To: t.Actor})
	}
	if t.DueDate != nil {
		changes = append(changes, domain.FieldChange{Field: "due_on", To: t.DueDate.UTC().Format(dateLayout)})
	}
	return &domain.Mutation{Kind: domain.MutationCreate, Changes: changes}
}

func proposeUpdate(t domain.SourceTask, it domain.TrackerItem) *domain.Mutation {
	var changes []domain.FieldChange

	if t.Status == domain.StatusFulfilled && !it.Completed {
		changes = append(changes, domain.FieldChange{Field: "completed", From: strconv.FormatBool(false), To: strconv.FormatBool(true)})
	}
	if t.DueDate != nil && (it.DueDate == nil || !sameDay(*t.DueDate, *it.DueDate)) {
		change := domain.FieldChange{Field: "due_on", To: t.DueDate.UTC().Format(dateLayout)}
		if it.DueDate != nil {
			change.From = it.DueDate.UTC().Format(dateLayout)
		}
		changes = append(changes, change)
	}

	if len(changes) == 0 {
		return nil
	}
	return &domain.Mutation{Kind: domain.MutationUpdate, ItemID: it.ID, Changes: changes}
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(dateLayout) == b.UTC().Format(dateLayout)
}
