package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ArtifactFunnel/internal/ports"
)

// ScheduleConfig says when recurring jobs run.
type ScheduleConfig struct {
	CycleCron     string
	ReconcileCron string
	PollInterval  time.Duration
}

// Scheduler wires the driver with the funnel and reconciliation use cases.
type Scheduler struct {
	driver     ports.Scheduler
	funnel     *Funnel
	reconciler *Reconciler
	cfg        ScheduleConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler returns a helper to start/stop recurring jobs. A nil reconciler skips reconciliation.
func NewScheduler(driver ports.Scheduler, funnel *Funnel, reconciler *Reconciler, cfg ScheduleConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		driver:     driver,
		funnel:     funnel,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With("component", "jobs"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the jobs and starts the driver. Polling runs on its own
// interval so outstanding batches are collected between cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.funnel == nil {
		return nil
	}

	if err := s.driver.Cron("cycle", s.cfg.CycleCron, func(ctx context.Context) {
		if _, err := s.funnel.Cycle(ctx, s.now()); err != nil {
			s.logger.Error("cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register cycle: %w", err)
	}

	if err := s.driver.Every("poll", s.cfg.PollInterval, func(ctx context.Context) {
		if _, _, err := s.funnel.PollAndDrain(ctx); err != nil {
			s.logger.Error("poll failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register poll: %w", err)
	}

	if s.reconciler != nil && s.cfg.ReconcileCron != "" {
		if err := s.driver.Cron("reconcile", s.cfg.ReconcileCron, func(ctx context.Context) {
			if _, err := s.reconciler.Run(ctx, s.now()); err != nil {
				s.logger.Error("reconcile failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("register reconcile: %w", err)
		}
	}

	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
