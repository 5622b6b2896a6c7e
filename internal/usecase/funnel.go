package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ArtifactFunnel/internal/batch"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/funnel"
	"ArtifactFunnel/internal/metrics"
	"ArtifactFunnel/internal/ports"
)

// FunnelDeps wires stages and batch machinery into the funnel cycle.
type FunnelDeps struct {
	Repository ports.Repository
	Screening  *funnel.Screening
	Extraction *funnel.Extraction
	Status     *funnel.StatusCheck
	Submitter  *batch.Submitter
	Poller     *batch.Poller
	Dispatcher *batch.Dispatcher
	// Lookback bounds which windows and screening results are reconsidered; zero means all.
	Lookback   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Funnel runs screen → extract → status-check over persisted windows.
type Funnel struct {
	repo       ports.Repository
	screening  *funnel.Screening
	extraction *funnel.Extraction
	status     *funnel.StatusCheck
	submitter  *batch.Submitter
	poller     *batch.Poller
	dispatcher *batch.Dispatcher
	lookback   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewFunnel constructs the orchestration component.
func NewFunnel(deps FunnelDeps) *Funnel {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Funnel{
		repo:       deps.Repository,
		screening:  deps.Screening,
		extraction: deps.Extraction,
		status:     deps.Status,
		submitter:  deps.Submitter,
		poller:     deps.Poller,
		dispatcher: deps.Dispatcher,
		lookback:   deps.Lookback,
		staleAfter: deps.StaleAfter,
		logger:     logger.With("component", "funnel"),
	}
}

// CycleReport collects what each step of a cycle did.
type CycleReport struct {
	Screen  funnel.EnqueueReport
	Extract funnel.EnqueueReport
	Status  funnel.EnqueueReport
	Submit  batch.SubmitReport
	Poll    batch.PollReport
	Drain   batch.DrainReport
}

// Cycle runs every step once. Steps are idempotent; a failing step is logged and
// the remaining steps still run. The returned error joins all step failures.
func (f *Funnel) Cycle(ctx context.Context, now time.Time) (CycleReport, error) {
	var (
		report CycleReport
		errs   []error
		err    error
	)
	step := func(name string, fn func() error) {
		if ctx.Err() != nil {
			return
		}
		if err := fn(); err != nil {
			f.logger.Error("cycle step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("screen", func() error { report.Screen, err = f.EnqueueScreening(ctx, now); return err })
	step("extract", func() error { report.Extract, err = f.EnqueueExtraction(ctx, now); return err })
	step("status", func() error { report.Status, err = f.EnqueueStatusChecks(ctx, now, 0); return err })
	step("submit", func() error { report.Submit, err = f.Submit(ctx); return err })
	step("poll", func() error { report.Poll, err = f.poller.Poll(ctx); return err })
	step("drain", func() error { report.Drain, err = f.dispatcher.Drain(ctx); return err })
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	if _, err := f.Stats(ctx, now); err != nil {
		f.logger.Warn("stats refresh failed", "error", err)
	}

	f.logger.Info("cycle finished",
		"screen_enqueued", report.Screen.Enqueued, "extract_enqueued", report.Extract.Enqueued,
		"status_enqueued", report.Status.Enqueued, "batches", report.Submit.Batches,
		"completed_handles", report.Poll.Completed, "handled", report.Drain.Handled, "flagged", report.Drain.Flagged)
	return report, errors.Join(errs...)
}

// EnqueueScreening queues every unscreened window inside the lookback.
func (f *Funnel) EnqueueScreening(ctx context.Context, now time.Time) (funnel.EnqueueReport, error) {
	windows, err := f.repo.Windows(ctx, f.since(now))
	if err != nil {
		return funnel.EnqueueReport{}, fmt.Errorf("load windows: %w", err)
	}
	return f.screening.Enqueue(ctx, windows)
}

// EnqueueExtraction queues windows whose screening verdict qualifies.
func (f *Funnel) EnqueueExtraction(ctx context.Context, now time.Time) (funnel.EnqueueReport, error) {
	results, err := f.repo.ScreeningResults(ctx, f.since(now))
	if err != nil {
		return funnel.EnqueueReport{}, fmt.Errorf("load screening results: %w", err)
	}
	return f.extraction.Enqueue(ctx, results)
}

// EnqueueStatusChecks queues checks for artifacts past due; limit <= 0 means no limit.
func (f *Funnel) EnqueueStatusChecks(ctx context.Context, now time.Time, limit int) (funnel.EnqueueReport, error) {
	return f.status.Enqueue(ctx, now, limit)
}

// Submit sends pending work of every stage.
func (f *Funnel) Submit(ctx context.Context) (batch.SubmitReport, error) {
	return f.submitter.SubmitAll(ctx)
}

// PollAndDrain collects finished batches and hands their items to the stages.
func (f *Funnel) PollAndDrain(ctx context.Context) (batch.PollReport, batch.DrainReport, error) {
	polled, err := f.poller.Poll(ctx)
	if err != nil {
		return polled, batch.DrainReport{}, err
	}
	drained, err := f.dispatcher.Drain(ctx)
	return polled, drained, err
}

// Stats reads the funnel counters and publishes them as gauges.
func (f *Funnel) Stats(ctx context.Context, now time.Time) (domain.FunnelStats, error) {
	stats, err := f.repo.FunnelStats(ctx, now.Add(-f.staleAfter))
	if err != nil {
		return domain.FunnelStats{}, err
	}
	metrics.ObserveStats(stats)
	return stats, nil
}

func (f *Funnel) since(now time.Time) time.Time {
	if f.lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-f.lookback)
}
