package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ArtifactFunnel/internal/batch"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

// StatusCheck re-examines dated artifacts against messages written after their due date.
type StatusCheck struct {
	queue       *batch.Queue
	repo        ports.Repository
	exclusions  *Exclusions
	model       string
	grace       time.Duration
	maxMessages int
	logger      *slog.Logger
	now         func() time.Time
}

var _ batch.Handler = (*StatusCheck)(nil)

// NewStatusCheck wires the status-check stage.
func NewStatusCheck(deps StageDeps, grace time.Duration, maxMessages int) *StatusCheck {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	return &StatusCheck{
		queue:       deps.Queue,
		repo:        deps.Repository,
		exclusions:  deps.Exclusions,
		model:       deps.Model,
		grace:       grace,
		maxMessages: maxMessages,
		logger:      deps.logger("status_check"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Stage implements batch.Handler.
func (s *StatusCheck) Stage() domain.Stage { return domain.StageStatus }

// Enqueue schedules checks for non-terminal artifacts whose due date passed more than
// the grace period ago. An artifact with no later messages is skipped until some arrive,
// and one with a check still pending or at the provider is left to that check.
func (s *StatusCheck) Enqueue(ctx context.Context, now time.Time, limit int) (EnqueueReport, error) {
	var report EnqueueReport

	excluded, err := s.exclusions.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	due, err := s.repo.DueForStatusCheck(ctx, now.Add(-s.grace), limit)
	if err != nil {
		return report, fmt.Errorf("load due artifacts: %w", err)
	}
	report.Considered = len(due)

	for _, a := range due {
		if !a.EligibleForStatusCheck(now, s.grace) {
			report.Skipped++
			continue
		}
		if excluded.Excluded(a.Window.ConversationID) {
			report.Excluded++
			continue
		}

		// A check still in flight already covers the artifact; newer messages wait for the next pass.
		busy, err := s.repo.InFlightWorkItem(ctx, domain.StatusCorrelationPrefix(a.ID))
		if err != nil {
			return report, fmt.Errorf("check in-flight status %s: %w", a.ID, err)
		}
		if busy {
			report.Reused++
			continue
		}

		messages, err := s.repo.MessagesAfter(ctx, a.Window.ConversationID, *a.DueDate, s.maxMessages)
		if err != nil {
			return report, fmt.Errorf("load messages after %s: %w", a.ID, err)
		}
		if strings.TrimSpace(domain.Transcript(messages)) == "" {
			report.Skipped++
			continue
		}

		from := *a.DueDate
		to := messages[len(messages)-1].SentAt.UTC()
		meta, err := json.Marshal(statusMeta{ArtifactID: a.ID, WindowFrom: from, WindowTo: to})
		if err != nil {
			return report, fmt.Errorf("encode meta: %w", err)
		}

		_, created, err := s.queue.Enqueue(ctx, domain.StatusCorrelationID(a.ID, domain.CheckWindowKey(from, to)), domain.Prompt{
			System: statusSystemPrompt,
			User:   statusUserPrompt(a, messages),
			Meta:   meta,
		}, false)
		if err != nil {
			return report, fmt.Errorf("enqueue status check %s: %w", a.ID, err)
		}
		if created {
			report.Enqueued++
		} else {
			report.Reused++
		}
	}

	s.logger.Info("status checks enqueued", "considered", report.Considered, "enqueued", report.Enqueued,
		"reused", report.Reused, "excluded", report.Excluded, "skipped", report.Skipped)
	return report, nil
}

type statusOutput struct {
	Status            string   `json:"status"`
	Rationale         string   `json:"rationale"`
	Evidence          []string `json:"evidence"`
	NeedsManualReview *bool    `json:"needs_manual_review"`
}

// Handle appends a StatusCheck and applies its status. Checks needing review, and
// unusable output, keep the artifact's prior status.
func (s *StatusCheck) Handle(ctx context.Context, repo ports.Repository, item domain.BatchWorkItem) (batch.Outcome, error) {
	prompt, err := item.DecodePrompt()
	if err != nil {
		return batch.Outcome{}, err
	}
	var meta statusMeta
	if err := json.Unmarshal(prompt.Meta, &meta); err != nil {
		return batch.Outcome{}, fmt.Errorf("decode status meta %s: %w", item.CorrelationID, err)
	}

	artifact, err := repo.Artifact(ctx, meta.ArtifactID)
	if errors.Is(err, domain.ErrNotFound) {
		return batch.Outcome{Flagged: true, Note: "artifact " + meta.ArtifactID + " no longer exists"}, nil
	}
	if err != nil {
		return batch.Outcome{}, err
	}

	check := domain.StatusCheck{
		ArtifactID:     artifact.ID,
		WindowFrom:     meta.WindowFrom,
		WindowTo:       meta.WindowTo,
		Status:         artifact.Status,
		PreviousStatus: artifact.Status,
		Model:          s.model,
		CheckedAt:      s.now(),
	}

	var outcome batch.Outcome
	parsed, perr := parseStatus(item.Result)
	switch {
	case perr != nil:
		malformed := &domain.MalformedResultError{CorrelationID: item.CorrelationID, Reason: "status output", Err: perr}
		check.NeedsManualReview = true
		check.Rationale = malformed.Error()
		outcome = batch.Outcome{Flagged: true, Note: malformed.Error()}
	case parsed.NeedsManualReview:
		check.NeedsManualReview = true
		check.Rationale = parsed.Rationale
		check.Evidence = parsed.Evidence
	default:
		check.Status = parsed.Status
		check.Rationale = parsed.Rationale
		check.Evidence = parsed.Evidence
	}

	if err := repo.AppendStatusCheck(ctx, check); err != nil {
		return batch.Outcome{}, err
	}
	if check.NeedsManualReview || check.Status == artifact.Status {
		return outcome, nil
	}

	updated, err := repo.UpdateArtifactStatus(ctx, artifact.ID, check.Status)
	if err != nil {
		return batch.Outcome{}, err
	}
	if !updated {
		s.logger.Info("artifact already terminal, status left as is", "artifact_id", artifact.ID, "status", artifact.Status)
	}
	return outcome, nil
}

func parseStatus(raw []byte) (domain.StatusCheck, error) {
	var out statusOutput
	if err := decodeOutput(string(raw), &out); err != nil {
		return domain.StatusCheck{}, err
	}
	if out.NeedsManualReview == nil {
		return domain.StatusCheck{}, fmt.Errorf("needs_manual_review missing")
	}

	check := domain.StatusCheck{
		Rationale:         strings.TrimSpace(out.Rationale),
		Evidence:          out.Evidence,
		NeedsManualReview: *out.NeedsManualReview,
	}
	if check.NeedsManualReview && strings.TrimSpace(out.Status) == "" {
		return check, nil
	}
	status, err := domain.ParseArtifactStatus(out.Status)
	if err != nil {
		return domain.StatusCheck{}, err
	}
	check.Status = status
	return check, nil
}
