package domain

import "time"

// StageStats counts work items of one stage.
type StageStats struct {
	Stage     Stage             `json:"stage"`
	ByState   map[WorkState]int `json:"by_state"`
	Flagged   int               `json:"flagged"`
	Unhandled int               `json:"unhandled"`
	Stale     int               `json:"stale"`
}

// FunnelStats is the operator-facing aggregate of the funnel.
type FunnelStats struct {
	Windows                 int                    `json:"windows"`
	Excluded                int                    `json:"excluded_conversations"`
	Screened                int                    `json:"screened"`
	Flagged                 int                    `json:"flagged"`
	ScreeningNeedsReview    int                    `json:"screening_needs_review"`
	Extracted               int                    `json:"extracted"`
	ArtifactsByStatus       map[ArtifactStatus]int `json:"artifacts_by_status"`
	StatusChecks            int                    `json:"status_checks"`
	StatusChecksNeedsReview int                    `json:"status_checks_needs_review"`
	Stages                  []StageStats           `json:"stages"`
}

// ArtifactFilter narrows artifact queries.
type ArtifactFilter struct {
	Types    []ArtifactType
	Statuses []ArtifactStatus
	// OverdueAt, when set, keeps only non-terminal artifacts due before it.
	OverdueAt  *time.Time
	WindowRefs []WindowRef
	Limit      int
}
