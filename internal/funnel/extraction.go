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

// Extraction is the expensive, high-precision pass over windows that passed screening.
type Extraction struct {
	queue      *batch.Queue
	repo       ports.Repository
	exclusions *Exclusions
	threshold  float64
	logger     *slog.Logger
	now        func() time.Time
}

var _ batch.Handler = (*Extraction)(nil)

// NewExtraction wires the extraction stage; threshold is the minimum screening confidence.
func NewExtraction(deps StageDeps, threshold float64) *Extraction {
	return &Extraction{
		queue:      deps.Queue,
		repo:       deps.Repository,
		exclusions: deps.Exclusions,
		threshold:  threshold,
		logger:     deps.logger("extraction"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Stage implements batch.Handler.
func (e *Extraction) Stage() domain.Stage { return domain.StageExtract }

// Qualifies reports whether a screening verdict warrants extraction.
func (e *Extraction) Qualifies(r domain.ScreeningResult) bool {
	return r.HasArtifacts && !r.NeedsManualReview && r.Confidence >= e.threshold
}

// Enqueue requests extraction of the full window text behind each qualifying verdict.
func (e *Extraction) Enqueue(ctx context.Context, results []domain.ScreeningResult) (EnqueueReport, error) {
	report := EnqueueReport{Considered: len(results)}

	excluded, err := e.exclusions.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	for _, r := range results {
		if !e.Qualifies(r) {
			report.Skipped++
			continue
		}
		if excluded.Excluded(r.Window.ConversationID) {
			report.Excluded++
			continue
		}

		w, err := e.repo.Window(ctx, r.Window)
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("screened window no longer available", "window", r.Window)
			report.Skipped++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("load window %s: %w", r.Window, err)
		}

		meta, err := json.Marshal(windowMeta{ConversationID: w.ConversationID, WindowID: w.WindowID, StartAt: w.StartAt, EndAt: w.EndAt})
		if err != nil {
			return report, fmt.Errorf("encode meta: %w", err)
		}
		_, created, err := e.queue.Enqueue(ctx, domain.ExtractCorrelationID(w.Ref()), domain.Prompt{
			System: extractSystemPrompt,
			User:   extractUserPrompt(w, r.CandidateTypes),
			Meta:   meta,
		}, false)
		if err != nil {
			return report, fmt.Errorf("enqueue extraction %s: %w", w.Ref(), err)
		}
		if created {
			report.Enqueued++
		} else {
			report.Reused++
		}
	}

	e.logger.Info("extraction enqueued", "considered", report.Considered, "enqueued", report.Enqueued,
		"reused", report.Reused, "excluded", report.Excluded, "skipped", report.Skipped)
	return report, nil
}

type extractedCandidate struct {
	Type         string   `json:"type"`
	Summary      string   `json:"summary"`
	VerbatimText string   `json:"verbatim_text"`
	Actor        string   `json:"actor"`
	Recipient    string   `json:"recipient"`
	MentionedAt  string   `json:"mentioned_at"`
	DueDate      string   `json:"due_date"`
	Priority     string   `json:"priority"`
	Confidence   *float64 `json:"confidence"`
}

// Handle inserts the artifacts of one window. Candidates whose summaries differ only
// in case or spacing collapse into the first one.
func (e *Extraction) Handle(ctx context.Context, repo ports.Repository, item domain.BatchWorkItem) (batch.Outcome, error) {
	prompt, err := item.DecodePrompt()
	if err != nil {
		return batch.Outcome{}, err
	}
	var meta windowMeta
	if err := json.Unmarshal(prompt.Meta, &meta); err != nil {
		return batch.Outcome{}, fmt.Errorf("decode extraction meta %s: %w", item.CorrelationID, err)
	}

	candidates, err := parseCandidates(item.Result)
	if err != nil {
		malformed := &domain.MalformedResultError{CorrelationID: item.CorrelationID, Reason: "extraction output", Err: err}
		return batch.Outcome{Flagged: true, Note: malformed.Error()}, nil
	}

	artifacts, problems := e.buildArtifacts(meta, candidates)
	inserted := 0
	for _, a := range artifacts {
		ok, err := repo.InsertArtifact(ctx, a)
		if err != nil {
			return batch.Outcome{}, err
		}
		if ok {
			inserted++
		}
	}

	e.logger.Debug("artifacts extracted", "window", meta.ref(), "candidates", len(candidates),
		"inserted", inserted, "rejected", len(problems))

	if len(problems) > 0 {
		return batch.Outcome{Flagged: true, Note: strings.Join(problems, "; ")}, nil
	}
	return batch.Outcome{}, nil
}

func (e *Extraction) buildArtifacts(meta windowMeta, candidates []extractedCandidate) ([]domain.Artifact, []string) {
	ref := meta.ref()
	now := e.now()
	seen := map[string]bool{}

	var (
		out      []domain.Artifact
		problems []string
	)
	for i, c := range candidates {
		key := domain.NormalizeText(c.Summary)
		if key == "" {
			problems = append(problems, fmt.Sprintf("candidate %d: empty summary", i))
			continue
		}
		if seen[key] {
			continue
		}

		typ, err := domain.ParseArtifactType(c.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("candidate %d: %v", i, err))
			continue
		}
		due, err := parseDate(c.DueDate)
		if err != nil {
			problems = append(problems, fmt.Sprintf("candidate %d: due_date: %v", i, err))
			continue
		}
		mentioned, err := parseDate(c.MentionedAt)
		if err != nil || mentioned == nil {
			start := meta.StartAt.UTC()
			mentioned = &start
		}

		confidence := 0.0
		if c.Confidence != nil {
			confidence = min(max(*c.Confidence, 0), 1)
		}

		// Status moves only through status checks.
		seen[key] = true
		out = append(out, domain.Artifact{
			ID:           domain.ArtifactID(ref, c.Summary),
			Window:       ref,
			Type:         typ,
			Summary:      strings.TrimSpace(c.Summary),
			VerbatimText: strings.TrimSpace(c.VerbatimText),
			Actor:        strings.TrimSpace(c.Actor),
			Recipient:    strings.TrimSpace(c.Recipient),
			MentionedAt:  mentioned,
			DueDate:      due,
			Status:       domain.StatusOpen,
			Priority:     domain.ParsePriority(c.Priority),
			Confidence:   confidence,
			ExtractedAt:  now,
		})
	}
	return out, problems
}

func parseCandidates(raw []byte) ([]extractedCandidate, error) {
	jsonRaw, err := ExtractJSON(string(raw))
	if err != nil {
		return nil, err
	}
	if jsonRaw[0] == '[' {
		var list []extractedCandidate
		if err := json.Unmarshal(jsonRaw, &list); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
		return list, nil
	}

	var wrapped struct {
		Artifacts *[]extractedCandidate `json:"artifacts"`
	}
	if err := json.Unmarshal(jsonRaw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if wrapped.Artifacts == nil {
		return nil, fmt.Errorf("artifacts field missing")
	}
	return *wrapped.Artifacts, nil
}
