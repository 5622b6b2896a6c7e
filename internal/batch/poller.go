package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/metrics"
	"ArtifactFunnel/internal/ports"
)

// PollerDeps wires the poller.
type PollerDeps struct {
	Store       ports.WorkItemStore
	Provider    ports.InferenceProvider
	Retry       RetryPolicy
	StaleAfter  time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// Poller checks outstanding batch handles and records per-item results.
type Poller struct {
	store       ports.WorkItemStore
	provider    ports.InferenceProvider
	retry       RetryPolicy
	staleAfter  time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPoller constructs the poller.
func NewPoller(deps PollerDeps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Poller{
		store:       deps.Store,
		provider:    deps.Provider,
		retry:       deps.Retry,
		staleAfter:  deps.StaleAfter,
		concurrency: concurrency,
		logger:      logger.With("component", "poller"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PollReport summarizes one polling pass.
type PollReport struct {
	Handles   int
	Running   int
	Completed int
	Failed    int
	Stale     []domain.OutstandingBatch
	Errors    int
}

// Poll queries every outstanding handle. A handle whose provider call fails is
// left as is for the next pass; stale handles and stale claims are reported, never resubmitted.
func (p *Poller) Poll(ctx context.Context) (PollReport, error) {
	outstanding, err := p.store.OutstandingBatches(ctx)
	if err != nil {
		return PollReport{}, fmt.Errorf("load outstanding: %w", err)
	}

	var (
		mu     sync.Mutex
		report = PollReport{Handles: len(outstanding)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, batch := range outstanding {
		g.Go(func() error {
			r, err := p.pollHandle(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			report.Running += r.Running
			report.Completed += r.Completed
			report.Failed += r.Failed
			report.Stale = append(report.Stale, r.Stale...)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Errors++
				p.logger.Error("poll batch", "handle", batch.Handle, "stage", batch.Stage, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if p.staleAfter > 0 {
		claims, err := p.store.StaleClaims(ctx, p.now().Add(-p.staleAfter))
		if err != nil {
			return report, fmt.Errorf("load stale claims: %w", err)
		}
		for _, c := range claims {
			p.logger.Warn("items claimed for submission but never bound to a handle; investigate manually",
				"claim", c.Claim, "stage", c.Stage, "claimed_at", c.SubmittedAt, "items", c.Items)
		}
		report.Stale = append(report.Stale, claims...)
	}
	return report, nil
}

func (p *Poller) pollHandle(ctx context.Context, batch domain.OutstandingBatch) (PollReport, error) {
	var report PollReport

	var status domain.BatchStatus
	err := Retry(ctx, p.retry, func(ctx context.Context) error {
		var err error
		status, err = p.provider.BatchStatus(ctx, batch.Handle)
		if err != nil {
			metrics.ProviderError("status", err)
		}
		return err
	})
	if err != nil {
		return report, err
	}

	items, err := p.store.WorkItemsByHandle(ctx, batch.Handle)
	if err != nil {
		return report, err
	}

	switch status.State {
	case domain.BatchRunning:
		report.Running++
		if p.staleAfter > 0 && !batch.SubmittedAt.IsZero() && p.now().Sub(batch.SubmittedAt) > p.staleAfter {
			report.Stale = append(report.Stale, batch)
			p.logger.Warn("batch exceeds staleness bound; investigate manually",
				"handle", batch.Handle, "stage", batch.Stage, "submitted_at", batch.SubmittedAt, "items", batch.Items)
		}
		return report, nil

	case domain.BatchFailed:
		reason := "batch failed"
		if status.Reason != "" {
			reason = "batch " + status.Reason
		}
		for _, item := range items {
			if item.State != domain.WorkSubmitted {
				continue
			}
			if err := p.store.FailWorkItem(ctx, item.ID, reason, p.now()); err != nil {
				return report, err
			}
			report.Failed++
			metrics.ItemsTransitioned.WithLabelValues(string(item.Stage), string(domain.WorkFailed)).Inc()
		}
		p.logger.Warn("batch failed", "handle", batch.Handle, "stage", batch.Stage, "reason", status.Reason)
		return report, nil
	}

	var results []domain.BatchResult
	err = Retry(ctx, p.retry, func(ctx context.Context) error {
		var err error
		results, err = p.provider.BatchResults(ctx, batch.Handle)
		if err != nil {
			metrics.ProviderError("results", err)
		}
		return err
	})
	if err != nil {
		return report, err
	}

	byID := make(map[string]domain.BatchResult, len(results))
	for _, r := range results {
		byID[r.CorrelationID] = r
	}

	for _, item := range items {
		if item.State != domain.WorkSubmitted {
			continue
		}
		res, ok := byID[item.CorrelationID]
		switch {
		case !ok:
			err = p.store.FailWorkItem(ctx, item.ID, "no result returned for item", p.now())
			report.Failed++
		case res.Err != "":
			err = p.store.FailWorkItem(ctx, item.ID, res.Err, p.now())
			report.Failed++
		default:
			err = p.store.CompleteWorkItem(ctx, item.ID, []byte(res.Text), p.now())
			report.Completed++
		}
		if err != nil {
			return report, err
		}
	}

	metrics.ItemsTransitioned.WithLabelValues(string(batch.Stage), string(domain.WorkCompleted)).Add(float64(report.Completed))
	metrics.ItemsTransitioned.WithLabelValues(string(batch.Stage), string(domain.WorkFailed)).Add(float64(report.Failed))
	p.logger.Info("batch collected", "handle", batch.Handle, "stage", batch.Stage,
		"completed", report.Completed, "failed", report.Failed)
	return report, nil
}
