package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage names one funnel stage that submits work to the inference provider.
type Stage string

const (
	StageScreen  Stage = "screen"
	StageExtract Stage = "extract"
	StageStatus  Stage = "status"
)

// Stages lists the funnel stages in pipeline order.
var Stages = []Stage{StageScreen, StageExtract, StageStatus}

// ParseStage validates a stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Stages {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// WorkState is the lifecycle state of a batch work item.
type WorkState string

const (
	WorkPending WorkState = "pending"
	// WorkSubmitting marks items claimed by one submitter and not yet bound to a provider handle.
	WorkSubmitting WorkState = "submitting"
	WorkSubmitted  WorkState = "submitted"
	WorkCompleted  WorkState = "completed"
	WorkFailed     WorkState = "failed"
)

// WorkStates lists every lifecycle state.
var WorkStates = []WorkState{WorkPending, WorkSubmitting, WorkSubmitted, WorkCompleted, WorkFailed}

// Terminal reports whether no further transition is possible for the item.
func (s WorkState) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// Correlation ids are deterministic functions of stage and source entity.

// ScreenCorrelationID builds "screen:<conversation>/<window>".
func ScreenCorrelationID(ref WindowRef) string {
	return string(StageScreen) + ":" + ref.Key()
}

// ExtractCorrelationID builds "extract:<conversation>/<window>".
func ExtractCorrelationID(ref WindowRef) string {
	return string(StageExtract) + ":" + ref.Key()
}

// StatusCorrelationID builds "status:<artifact>:<check window>".
func StatusCorrelationID(artifactID, checkWindow string) string {
	return StatusCorrelationPrefix(artifactID) + checkWindow
}

// StatusCorrelationPrefix matches every status check of one artifact.
func StatusCorrelationPrefix(artifactID string) string {
	return string(StageStatus) + ":" + artifactID + ":"
}

// CheckWindowKey encodes the message range examined by a status check.
func CheckWindowKey(from, to time.Time) string {
	return fmt.Sprintf("%d-%d", from.UTC().Unix(), to.UTC().Unix())
}

// StageOf extracts the stage prefix of a correlation id.
func StageOf(correlationID string) (Stage, error) {
	prefix, _, ok := strings.Cut(correlationID, ":")
	if !ok {
		return "", fmt.Errorf("malformed correlation id %q", correlationID)
	}
	return ParseStage(prefix)
}

// Prompt is the stage-built request body stored as the work item payload.
type Prompt struct {
	System string          `json:"system"`
	User   string          `json:"user"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// BatchWorkItem is one unit of work submitted to the inference provider.
type BatchWorkItem struct {
	ID            int64
	CorrelationID string
	Stage         Stage
	Attempt       int
	Payload       []byte
	State         WorkState
	BatchHandle   string
	Result        []byte
	Error         string
	Flagged       bool
	Note          string
	CreatedAt     time.Time
	SubmittedAt   *time.Time
	CompletedAt   *time.Time
	HandledAt     *time.Time
	SupersededAt  *time.Time
}

// DecodePrompt unmarshals the stored payload.
func (i BatchWorkItem) DecodePrompt() (Prompt, error) {
	var p Prompt
	if err := json.Unmarshal(i.Payload, &p); err != nil {
		return Prompt{}, fmt.Errorf("decode payload %s: %w", i.CorrelationID, err)
	}
	return p, nil
}

// ProviderProfile binds a stage to a concrete model configuration.
type ProviderProfile struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// OutstandingBatch groups submitted items that share one provider handle.
// A claim that never received a handle has an empty Handle and carries its Claim token.
type OutstandingBatch struct {
	Handle      string
	Claim       string
	Stage       Stage
	Items       int
	SubmittedAt time.Time
}

// BatchState is the provider-reported state of one batch handle.
type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchFailed    BatchState = "failed"
)

// BatchStatus is the provider's view of a submitted batch.
type BatchStatus struct {
	Handle string
	State  BatchState
	Reason string
}

// BatchRequest is one line of a provider batch.
type BatchRequest struct {
	CorrelationID string
	Profile       ProviderProfile
	Prompt        Prompt
}

// BatchResult carries the outcome for one correlation id of a completed batch.
type BatchResult struct {
	CorrelationID string
	Text          string
	Err           string
}
