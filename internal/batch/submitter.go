package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/metrics"
	"ArtifactFunnel/internal/ports"
)

const (
	// lineOverhead approximates the JSONL envelope around each payload.
	lineOverhead   = 512
	releaseTimeout = 10 * time.Second
)

// Limits caps one provider batch.
type Limits struct {
	MaxItems int
	MaxBytes int
}

// SubmitterDeps wires the submitter.
type SubmitterDeps struct {
	Store    ports.WorkItemStore
	Provider ports.InferenceProvider
	Profiles map[domain.Stage]domain.ProviderProfile
	Limits   Limits
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// Submitter groups pending items into provider batches.
type Submitter struct {
	store    ports.WorkItemStore
	provider ports.InferenceProvider
	profiles map[domain.Stage]domain.ProviderProfile
	limits   Limits
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	stageMu map[domain.Stage]*sync.Mutex
}

// NewSubmitter constructs the submitter.
func NewSubmitter(deps SubmitterDeps) *Submitter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := deps.Limits
	if limits.MaxItems <= 0 {
		limits.MaxItems = 500
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 50 << 20
	}

	stageMu := make(map[domain.Stage]*sync.Mutex, len(domain.Stages))
	for _, st := range domain.Stages {
		stageMu[st] = &sync.Mutex{}
	}

	return &Submitter{
		store:    deps.Store,
		provider: deps.Provider,
		profiles: deps.Profiles,
		limits:   limits,
		retry:    deps.Retry,
		logger:   logger.With("component", "submitter"),
		now:      func() time.Time { return time.Now().UTC() },
		stageMu:  stageMu,
	}
}

// SubmitReport counts what one submission pass sent.
type SubmitReport struct {
	Batches int
	Items   int
	Failed  int
}

// SubmitAll submits pending items of every stage; stages proceed concurrently.
func (s *Submitter) SubmitAll(ctx context.Context) (SubmitReport, error) {
	var (
		mu    sync.Mutex
		total SubmitReport
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range domain.Stages {
		g.Go(func() error {
			r, err := s.SubmitStage(gctx, stage)
			mu.Lock()
			total.Batches += r.Batches
			total.Items += r.Items
			total.Failed += r.Failed
			mu.Unlock()
			return err
		})
	}
	return total, g.Wait()
}

// SubmitStage drains the pending items of one stage into as many batches as the limits require.
// Items are claimed before the provider sees them, so concurrent submitters, in this process
// or another one sharing the store, never send the same item twice.
func (s *Submitter) SubmitStage(ctx context.Context, stage domain.Stage) (SubmitReport, error) {
	mu, ok := s.stageMu[stage]
	if !ok {
		return SubmitReport{}, fmt.Errorf("unknown stage %q", stage)
	}
	mu.Lock()
	defer mu.Unlock()

	profile, ok := s.profiles[stage]
	if !ok || profile.Model == "" {
		return SubmitReport{}, fmt.Errorf("no provider profile for stage %s", stage)
	}

	var report SubmitReport
	for {
		token := uuid.NewString()
		claimed, err := s.store.ClaimPending(ctx, stage, s.limits.MaxItems, token, s.now())
		if err != nil {
			return report, fmt.Errorf("claim pending %s: %w", stage, err)
		}
		if len(claimed) == 0 {
			return report, nil
		}

		groups, rejected := s.group(claimed)
		for _, item := range rejected {
			if err := s.store.FailWorkItem(ctx, item.ID, item.Error, s.now()); err != nil {
				s.release(ctx, stage, token, groups...)
				return report, err
			}
			report.Failed++
			metrics.ItemsTransitioned.WithLabelValues(string(stage), string(domain.WorkFailed)).Inc()
			s.logger.Warn("work item rejected before submission", "correlation_id", item.CorrelationID, "reason", item.Error)
		}

		for i, group := range groups {
			n, err := s.submitGroup(ctx, stage, profile, token, group)
			if err != nil {
				s.release(ctx, stage, token, groups[i+1:]...)
				return report, err
			}
			report.Batches++
			report.Items += n
		}

		if len(claimed) < s.limits.MaxItems {
			return report, nil
		}
	}
}

// release hands claimed items that never reached the provider back to pending.
// It runs even when ctx is already cancelled; items it cannot release stay
// claimed and surface as stale.
func (s *Submitter) release(ctx context.Context, stage domain.Stage, token string, groups ...[]domain.BatchWorkItem) {
	var ids []int64
	for _, group := range groups {
		for _, item := range group {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.store.ReleaseClaim(ctx, token, ids); err != nil {
		s.logger.Error("release claimed items", "stage", stage, "claim", token, "items", len(ids), "error", err)
	}
}

// group splits items by the byte cap. Items that cannot be submitted at all are
// returned separately with Error set.
func (s *Submitter) group(items []domain.BatchWorkItem) ([][]domain.BatchWorkItem, []domain.BatchWorkItem) {
	var (
		groups   [][]domain.BatchWorkItem
		rejected []domain.BatchWorkItem
		current  []domain.BatchWorkItem
		size     int
	)
	for _, item := range items {
		if _, err := item.DecodePrompt(); err != nil {
			item.Error = err.Error()
			rejected = append(rejected, item)
			continue
		}
		itemSize := len(item.Payload) + len(item.CorrelationID) + lineOverhead
		if itemSize > s.limits.MaxBytes {
			item.Error = fmt.Sprintf("payload of %d bytes exceeds batch cap of %d", itemSize, s.limits.MaxBytes)
			rejected = append(rejected, item)
			continue
		}
		if len(current) > 0 && (size+itemSize > s.limits.MaxBytes || len(current) >= s.limits.MaxItems) {
			groups = append(groups, current)
			current, size = nil, 0
		}
		current = append(current, item)
		size += itemSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, rejected
}

// submitGroup sends one claimed group. A provider error releases the group; a failure to
// record the handle leaves it claimed, since the provider may already be working on it.
func (s *Submitter) submitGroup(ctx context.Context, stage domain.Stage, profile domain.ProviderProfile, token string, items []domain.BatchWorkItem) (int, error) {
	requests := make([]domain.BatchRequest, 0, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		prompt, _ := item.DecodePrompt()
		requests = append(requests, domain.BatchRequest{
			CorrelationID: item.CorrelationID,
			Profile:       profile,
			Prompt:        prompt,
		})
		ids = append(ids, item.ID)
	}

	var handle string
	err := Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		handle, err = s.provider.SubmitBatch(ctx, stage, requests)
		if err != nil {
			metrics.ProviderError("submit", err)
		}
		return err
	})
	if err != nil {
		s.release(ctx, stage, token, items)
		return 0, fmt.Errorf("submit %s batch: %w", stage, err)
	}

	if err := s.store.MarkSubmitted(ctx, token, ids, handle, s.now()); err != nil {
		s.logger.Error("record submitted batch; items stay claimed", "stage", stage, "handle", handle,
			"claim", token, "items", len(ids), "error", err)
		return 0, fmt.Errorf("record %s batch %s: %w", stage, handle, err)
	}

	metrics.BatchesSubmitted.WithLabelValues(string(stage)).Inc()
	metrics.ItemsTransitioned.WithLabelValues(string(stage), string(domain.WorkSubmitted)).Add(float64(len(ids)))
	s.logger.Info("batch submitted", "stage", stage, "handle", handle, "items", len(ids))
	return len(ids), nil
}
