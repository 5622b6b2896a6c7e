package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ArtifactFunnel/internal/batch"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

// StageDeps is shared by all funnel stages.
type StageDeps struct {
	Queue      *batch.Queue
	Repository ports.Repository
	Exclusions *Exclusions
	Logger     *slog.Logger
	// Model is recorded on results produced by the stage.
	Model string
}

func (d StageDeps) logger(component string) *slog.Logger {
	if d.Logger == nil {
		return slog.Default().With("component", component)
	}
	return d.Logger.With("component", component)
}

// EnqueueReport counts what one enqueue pass did.
type EnqueueReport struct {
	Considered int
	Enqueued   int
	Reused     int
	Excluded   int
	Skipped    int
}

// Screening is the cheap, high-recall pass over conversation windows.
type Screening struct {
	queue      *batch.Queue
	repo       ports.Repository
	exclusions *Exclusions
	model      string
	logger     *slog.Logger
	now        func() time.Time
}

var _ batch.Handler = (*Screening)(nil)

// NewScreening wires the screening stage.
func NewScreening(deps StageDeps) *Screening {
	return &Screening{
		queue:      deps.Queue,
		repo:       deps.Repository,
		exclusions: deps.Exclusions,
		model:      deps.Model,
		logger:     deps.logger("screening"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Stage implements batch.Handler.
func (s *Screening) Stage() domain.Stage { return domain.StageScreen }

// Enqueue requests screening for every window not yet screened. Excluded conversations
// are filtered before anything is queued.
func (s *Screening) Enqueue(ctx context.Context, windows []domain.ConversationWindow) (EnqueueReport, error) {
	report := EnqueueReport{Considered: len(windows)}
	if len(windows) == 0 {
		return report, nil
	}

	excluded, err := s.exclusions.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	refs := make([]domain.WindowRef, len(windows))
	for i, w := range windows {
		refs[i] = w.Ref()
	}
	screened, err := s.repo.ScreenedWindows(ctx, refs)
	if err != nil {
		return report, fmt.Errorf("load screened windows: %w", err)
	}

	for _, w := range windows {
		if excluded.Excluded(w.ConversationID) {
			report.Excluded++
			continue
		}
		if screened[w.Ref()] {
			report.Skipped++
			continue
		}
		if strings.TrimSpace(w.Transcript()) == "" {
			// Nothing to read; record the verdict without spending a request.
			if err := s.repo.SaveScreening(ctx, domain.ScreeningResult{
				Window: w.Ref(), Confidence: 1, ScreenedAt: s.now(), Note: "empty window",
			}); err != nil {
				return report, err
			}
			report.Skipped++
			continue
		}

		meta, err := json.Marshal(windowMeta{ConversationID: w.ConversationID, WindowID: w.WindowID, StartAt: w.StartAt, EndAt: w.EndAt})
		if err != nil {
			return report, fmt.Errorf("encode meta: %w", err)
		}
		_, created, err := s.queue.Enqueue(ctx, domain.ScreenCorrelationID(w.Ref()), domain.Prompt{
			System: screenSystemPrompt,
			User:   screenUserPrompt(w),
			Meta:   meta,
		}, false)
		if err != nil {
			return report, fmt.Errorf("enqueue screening %s: %w", w.Ref(), err)
		}
		if created {
			report.Enqueued++
		} else {
			report.Reused++
		}
	}

	s.logger.Info("screening enqueued", "considered", report.Considered, "enqueued", report.Enqueued,
		"reused", report.Reused, "excluded", report.Excluded, "skipped", report.Skipped)
	return report, nil
}

type screeningOutput struct {
	HasArtifacts   *bool    `json:"has_artifacts"`
	CandidateTypes []string `json:"candidate_types"`
	Confidence     *float64 `json:"confidence"`
}

// Handle turns provider output into a ScreeningResult. Unusable output is kept as a
// zero-confidence negative verdict flagged for manual review.
func (s *Screening) Handle(ctx context.Context, repo ports.Repository, item domain.BatchWorkItem) (batch.Outcome, error) {
	prompt, err := item.DecodePrompt()
	if err != nil {
		return batch.Outcome{}, err
	}
	var meta windowMeta
	if err := json.Unmarshal(prompt.Meta, &meta); err != nil {
		return batch.Outcome{}, fmt.Errorf("decode screening meta %s: %w", item.CorrelationID, err)
	}

	result := domain.ScreeningResult{Window: meta.ref(), Model: s.model, ScreenedAt: s.now()}

	parsed, perr := parseScreening(item.Result)
	var outcome batch.Outcome
	if perr != nil {
		malformed := &domain.MalformedResultError{CorrelationID: item.CorrelationID, Reason: "screening output", Err: perr}
		result.NeedsManualReview = true
		result.Note = malformed.Error()
		outcome = batch.Outcome{Flagged: true, Note: malformed.Error()}
	} else {
		result.HasArtifacts = parsed.HasArtifacts
		result.CandidateTypes = parsed.CandidateTypes
		result.Confidence = parsed.Confidence
	}

	if err := repo.SaveScreening(ctx, result); err != nil {
		return batch.Outcome{}, err
	}
	return outcome, nil
}

func parseScreening(raw []byte) (domain.ScreeningResult, error) {
	var out screeningOutput
	if err := decodeOutput(string(raw), &out); err != nil {
		return domain.ScreeningResult{}, err
	}
	if out.HasArtifacts == nil {
		return domain.ScreeningResult{}, fmt.Errorf("has_artifacts missing")
	}
	if out.Confidence == nil || *out.Confidence < 0 || *out.Confidence > 1 {
		return domain.ScreeningResult{}, fmt.Errorf("confidence missing or outside [0,1]")
	}

	seen := map[domain.ArtifactType]bool{}
	var types []domain.ArtifactType
	for _, raw := range out.CandidateTypes {
		t, err := domain.ParseArtifactType(raw)
		if err != nil {
			return domain.ScreeningResult{}, err
		}
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	return domain.ScreeningResult{
		HasArtifacts:   *out.HasArtifacts,
		CandidateTypes: types,
		Confidence:     *out.Confidence,
	}, nil
}
