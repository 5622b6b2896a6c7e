package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/matching"
	"ArtifactFunnel/internal/metrics"
	"ArtifactFunnel/internal/ports"
	"ArtifactFunnel/internal/report"
)

// ReconcilerDeps wires the reconciliation run.
type ReconcilerDeps struct {
	Artifacts ports.ArtifactStore
	Tracker   ports.TrackerSource
	Engine    *matching.Engine
	Embedder  ports.Embedder
	Cache     ports.EmbeddingCache
	Archiver  ports.ReportArchiver
	Notifier  ports.Notifier
	DueSoon   time.Duration
	Logger    *slog.Logger
}

// Reconciler matches open artifacts against the tracker and publishes a report.
type Reconciler struct {
	artifacts ports.ArtifactStore
	tracker   ports.TrackerSource
	engine    *matching.Engine
	embedder  ports.Embedder
	cache     ports.EmbeddingCache
	archiver  ports.ReportArchiver
	notifier  ports.Notifier
	dueSoon   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	latest *Published
}

// Published is a rendered report kept for the operator API.
type Published struct {
	Report   report.Report
	Markdown []byte
	JSON     []byte
	HTML     []byte
}

// NewReconciler constructs the reconciliation use case.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		artifacts: deps.Artifacts,
		tracker:   deps.Tracker,
		engine:    deps.Engine,
		embedder:  deps.Embedder,
		cache:     deps.Cache,
		archiver:  deps.Archiver,
		notifier:  deps.Notifier,
		dueSoon:   deps.DueSoon,
		logger:    logger.With("component", "reconciler"),
	}
}

// Run builds a report for every non-terminal artifact. Matching failures abort the
// run; delivery failures (archive, notify) are returned after the report is kept.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (*Published, error) {
	if r.tracker == nil {
		return nil, fmt.Errorf("tracker source is not configured")
	}

	artifacts, err := r.artifacts.ListArtifacts(ctx, domain.ArtifactFilter{
		Statuses: []domain.ArtifactStatus{domain.StatusOpen, domain.StatusPending, domain.StatusBlocked},
	})
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	tasks := make([]domain.SourceTask, len(artifacts))
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		tasks[i] = domain.TaskFromArtifact(a)
		ids[i] = a.ID
	}

	items, err := r.tracker.FetchItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tracker items: %w", err)
	}

	session := matching.NewSession(r.embedder, r.cache, r.logger)
	candidates, err := r.engine.Match(ctx, session, tasks, items)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}

	checks, err := r.artifacts.StatusChecks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load status checks: %w", err)
	}

	rep := report.Build(candidates, checks, now, r.dueSoon)
	published, err := render(rep)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.latest = published
	r.mu.Unlock()
	metrics.ObserveDecisions(rep.Totals)

	r.logger.Info("reconciliation finished", "artifacts", len(tasks), "tracker_items", len(items),
		"match", rep.Totals[domain.DecisionMatch], "create", rep.Totals[domain.DecisionCreate],
		"needs_review", rep.Totals[domain.DecisionNeedsReview])

	return published, r.deliver(ctx, published)
}

// Latest returns the most recent report of this process.
func (r *Reconciler) Latest() (*Published, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.latest != nil
}

func render(rep report.Report) (*Published, error) {
	js, err := report.RenderJSON(rep)
	if err != nil {
		return nil, err
	}
	page, err := report.RenderHTML(rep)
	if err != nil {
		return nil, err
	}
	return &Published{Report: rep, Markdown: report.RenderMarkdown(rep), JSON: js, HTML: page}, nil
}

func (r *Reconciler) deliver(ctx context.Context, p *Published) error {
	var errs []error
	if r.archiver != nil {
		base := "reports/" + p.Report.GeneratedAt.Format("2006-01-02")
		for _, f := range []struct {
			ext, contentType string
			body             []byte
		}{
			{".md", "text/markdown; charset=utf-8", p.Markdown},
			{".json", "application/json", p.JSON},
			{".html", "text/html; charset=utf-8", p.HTML},
		} {
			if err := r.archiver.Archive(ctx, base+f.ext, f.body, f.contentType); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", base+f.ext, err))
			}
		}
	}
	if r.notifier != nil {
		if err := r.notifier.PublishReport(ctx, report.Summary(p.Report)); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}
	for _, err := range errs {
		r.logger.Error("report delivery failed", "error", err)
	}
	return errors.Join(errs...)
}
