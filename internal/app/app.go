package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"ArtifactFunnel/internal/batch"
	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/funnel"
	"ArtifactFunnel/internal/httpapi"
	"ArtifactFunnel/internal/infrastructure/archive"
	"ArtifactFunnel/internal/infrastructure/embeddings"
	"ArtifactFunnel/internal/infrastructure/kafka"
	"ArtifactFunnel/internal/infrastructure/llm"
	"ArtifactFunnel/internal/infrastructure/scheduler"
	"ArtifactFunnel/internal/infrastructure/storage"
	"ArtifactFunnel/internal/infrastructure/telegram"
	"ArtifactFunnel/internal/infrastructure/tracker"
	"ArtifactFunnel/internal/logging"
	"ArtifactFunnel/internal/matching"
	"ArtifactFunnel/internal/ports"
	"ArtifactFunnel/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *storage.Store
	funnel     *usecase.Funnel
	reconciler *usecase.Reconciler
	importer   *usecase.WindowImporter
	closers    []func() error
}

// New opens storage and builds every component the configuration enables.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, logger: baseLogger, store: store, closers: []func() error{store.Close}}

	a.funnel = a.buildFunnel()
	a.importer = usecase.NewWindowImporter(store, baseLogger)
	if a.reconciler, err = a.buildReconciler(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) buildFunnel() *usecase.Funnel {
	cfg := a.cfg
	provider := llm.NewBatchClient(cfg.Provider, a.logger)

	shared := funnel.StageDeps{
		Queue:      batch.NewQueue(a.store),
		Repository: a.store,
		Exclusions: funnel.NewExclusions(a.store, cfg.Funnel.ExcludedConversations),
		Logger:     a.logger,
	}
	withModel := func(model string) funnel.StageDeps {
		deps := shared
		deps.Model = model
		return deps
	}
	screening := funnel.NewScreening(withModel(cfg.Profiles.Screen.Model))
	extraction := funnel.NewExtraction(withModel(cfg.Profiles.Extract.Model), cfg.Funnel.ExtractionThreshold)
	status := funnel.NewStatusCheck(withModel(cfg.Profiles.Status.Model), cfg.Funnel.StatusGrace, cfg.Funnel.StatusWindowMessages)

	registry := batch.NewRegistry()
	registry.Register(screening)
	registry.Register(extraction)
	registry.Register(status)

	retry := batch.RetryPolicy{Attempts: cfg.Batch.RetryAttempts, Backoff: cfg.Batch.RetryBackoff}
	return usecase.NewFunnel(usecase.FunnelDeps{
		Repository: a.store,
		Screening:  screening,
		Extraction: extraction,
		Status:     status,
		Submitter: batch.NewSubmitter(batch.SubmitterDeps{
			Store:    a.store,
			Provider: provider,
			Profiles: map[domain.Stage]domain.ProviderProfile{
				domain.StageScreen:  profile(cfg.Profiles.Screen),
				domain.StageExtract: profile(cfg.Profiles.Extract),
				domain.StageStatus:  profile(cfg.Profiles.Status),
			},
			Limits: batch.Limits{MaxItems: cfg.Batch.MaxItems, MaxBytes: cfg.Batch.MaxBytes},
			Retry:  retry,
			Logger: a.logger,
		}),
		Poller: batch.NewPoller(batch.PollerDeps{
			Store:       a.store,
			Provider:    provider,
			Retry:       retry,
			StaleAfter:  cfg.Batch.StaleAfter,
			Concurrency: cfg.Batch.PollConcurrency,
			Logger:      a.logger,
		}),
		Dispatcher: batch.NewDispatcher(a.store, registry, cfg.Batch.MaxItems, a.logger),
		Lookback:   cfg.Funnel.Lookback,
		StaleAfter: cfg.Batch.StaleAfter,
		Logger:     a.logger,
	})
}

func profile(p config.ProfileConfig) domain.ProviderProfile {
	return domain.ProviderProfile{Model: p.Model, MaxTokens: p.MaxTokens, Temperature: p.Temperature}
}

// buildReconciler returns nil when no tracker source is configured.
func (a *Application) buildReconciler(ctx context.Context) (*usecase.Reconciler, error) {
	cfg := a.cfg

	var source ports.TrackerSource
	switch {
	case cfg.Tracker.SnapshotPath != "":
		source = tracker.NewSnapshot(cfg.Tracker.SnapshotPath)
	case cfg.Tracker.ProjectID != "":
		source = tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, cfg.Tracker.ProjectID, a.logger)
	default:
		a.logger.Info("tracker not configured, reconciliation disabled")
		return nil, nil
	}

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return nil, err
	}
	cache, err := embeddings.NewCache(cfg.Embeddings)
	if err != nil {
		return nil, err
	}
	if c, ok := cache.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	var archiver ports.ReportArchiver
	switch {
	case cfg.Archive.S3Bucket != "":
		s3, err := archive.NewS3(ctx, cfg.Archive.S3Region, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix)
		if err != nil {
			return nil, err
		}
		archiver = s3
	case cfg.Archive.Dir != "":
		archiver = archive.NewDir(cfg.Archive.Dir)
	}

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID); tg.Configured() {
		notifier = tg
	}

	return usecase.NewReconciler(usecase.ReconcilerDeps{
		Artifacts: a.store,
		Tracker:   source,
		Engine: matching.NewEngine(matching.Config{
			Delta:           cfg.Matching.Delta,
			MatchThreshold:  cfg.Matching.MatchThreshold,
			ReviewThreshold: cfg.Matching.ReviewThreshold,
		}, a.logger),
		Embedder: embedder,
		Cache:    cache,
		Archiver: archiver,
		Notifier: notifier,
		DueSoon:  cfg.Matching.DueSoon,
		Logger:   a.logger,
	}), nil
}

// Store exposes storage to one-shot commands.
func (a *Application) Store() *storage.Store { return a.store }

func (a *Application) Funnel() *usecase.Funnel { return a.funnel }

func (a *Application) Importer() *usecase.WindowImporter { return a.importer }

// Reconciler fails when no tracker source is configured.
func (a *Application) Reconciler() (*usecase.Reconciler, error) {
	if a.reconciler == nil {
		return nil, fmt.Errorf("tracker is not configured: set tracker.projectId or tracker.snapshotPath")
	}
	return a.reconciler, nil
}

// Run starts scheduled jobs, the operator API and, when enabled, the Kafka
// consumer, then blocks until ctx is cancelled or a component fails.
func (a *Application) Run(ctx context.Context) error {
	driver, err := scheduler.NewGocronScheduler(a.cfg.Scheduler.Location(), a.logger)
	if err != nil {
		return err
	}
	jobs := usecase.NewScheduler(driver, a.funnel, a.reconciler, usecase.ScheduleConfig{
		CycleCron:     a.cfg.Scheduler.CycleCron,
		ReconcileCron: a.cfg.Scheduler.ReconcileCron,
		PollInterval:  a.cfg.Scheduler.PollInterval,
	}, a.logger)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := jobs.Stop(context.Background()); err != nil {
			a.logger.Warn("scheduler stop failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.HTTP.Addr != "" {
		if a.cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		deps := httpapi.Deps{Artifacts: a.store, Stats: a.funnel, Health: a.store, Logger: a.logger}
		if a.reconciler != nil {
			deps.Reports = a.reconciler
		}
		server := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           httpapi.NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http api listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Kafka.Enabled() {
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Topic:   a.cfg.Kafka.Topic,
			GroupID: a.cfg.Kafka.GroupID,
		}, kafka.NewWindowHandler(a.store, a.logger), a.logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	a.logger.Info("artifactfunnel running", "cycle", a.cfg.Scheduler.CycleCron, "reconcile", a.cfg.Scheduler.ReconcileCron,
		"kafka", a.cfg.Kafka.Enabled(), "reconciliation", a.reconciler != nil)
	<-gctx.Done()
	return g.Wait()
}

// Close releases storage and caches.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
