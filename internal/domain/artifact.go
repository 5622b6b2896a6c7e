package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArtifactType enumerates the structured claims the funnel extracts.
type ArtifactType string

const (
	TypeCommitment ArtifactType = "commitment"
	TypeRequest    ArtifactType = "request"
	TypeDecision   ArtifactType = "decision"
	TypeDeadline   ArtifactType = "deadline"
	TypeAgreement  ArtifactType = "agreement"
)

// ArtifactTypes lists every known type in canonical order.
var ArtifactTypes = []ArtifactType{TypeCommitment, TypeRequest, TypeDecision, TypeDeadline, TypeAgreement}

// ParseArtifactType accepts case-insensitive names.
func ParseArtifactType(raw string) (ArtifactType, error) {
	t := ArtifactType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ArtifactTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown artifact type %q", raw)
}

// ArtifactStatus tracks fulfilment of an artifact.
type ArtifactStatus string

const (
	StatusOpen      ArtifactStatus = "open"
	StatusPending   ArtifactStatus = "pending"
	StatusFulfilled ArtifactStatus = "fulfilled"
	StatusBlocked   ArtifactStatus = "blocked"
	StatusCancelled ArtifactStatus = "cancelled"
)

// ArtifactStatuses lists every known status.
var ArtifactStatuses = []ArtifactStatus{StatusOpen, StatusPending, StatusFulfilled, StatusBlocked, StatusCancelled}

// ParseArtifactStatus accepts case-insensitive names.
func ParseArtifactStatus(raw string) (ArtifactStatus, error) {
	s := ArtifactStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ArtifactStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown artifact status %q", raw)
}

// Terminal statuses never get another status check.
func (s ArtifactStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// TerminalStatuses is the set excluded from status-check scheduling.
var TerminalStatuses = []ArtifactStatus{StatusFulfilled, StatusCancelled}

// Priority is an optional urgency hint returned by extraction.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps unknown values to PriorityNone.
func ParsePriority(raw string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityNone
	}
}

// ScreeningResult is the terminal verdict of the cheap screening pass over one window.
type ScreeningResult struct {
	Window            WindowRef
	HasArtifacts      bool
	CandidateTypes    []ArtifactType
	Confidence        float64
	Model             string
	ScreenedAt        time.Time
	NeedsManualReview bool
	Note              string
}

// Artifact is a structured claim extracted from a window. Only Status changes after creation.
type Artifact struct {
	ID           string
	Window       WindowRef
	Type         ArtifactType
	Summary      string
	VerbatimText string
	Actor        string
	Recipient    string
	MentionedAt  *time.Time
	DueDate      *time.Time
	Status       ArtifactStatus
	Priority     Priority
	Confidence   float64
	ExtractedAt  time.Time
}

// Overdue reports whether the due date passed before now.
func (a Artifact) Overdue(now time.Time) bool {
	return a.DueDate != nil && a.DueDate.Before(now) && !a.Status.Terminal()
}

// EligibleForStatusCheck reports whether the artifact is due for a fulfilment re-check.
func (a Artifact) EligibleForStatusCheck(now time.Time, grace time.Duration) bool {
	if a.DueDate == nil || a.Status.Terminal() {
		return false
	}
	return a.DueDate.Add(grace).Before(now)
}

// StatusCheck is one append-only fulfilment check of an artifact.
type StatusCheck struct {
	ID                string
	ArtifactID        string
	WindowFrom        time.Time
	WindowTo          time.Time
	Status            ArtifactStatus
	PreviousStatus    ArtifactStatus
	Rationale         string
	Evidence          []string
	NeedsManualReview bool
	Model             string
	CheckedAt         time.Time
}

// NormalizeText lowercases and collapses whitespace so that spelling variants
// differing only in case or spacing compare equal.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ArtifactID derives a stable id from the source window and normalized summary,
// so re-extracting the same window yields the same ids.
func ArtifactID(ref WindowRef, summary string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("artifact:"+ref.Key()+"#"+NormalizeText(summary))).String()
}
