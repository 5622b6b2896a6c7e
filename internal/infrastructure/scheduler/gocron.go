package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"ArtifactFunnel/internal/ports"
)

// GocronScheduler runs named jobs on intervals and cron expressions. A job never
// overlaps with itself; a tick that lands while it runs is skipped.
type GocronScheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

var _ ports.Scheduler = (*GocronScheduler)(nil)

// NewGocronScheduler builds a scheduler evaluating cron expressions in loc.
func NewGocronScheduler(loc *time.Location, logger *slog.Logger) (*GocronScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &GocronScheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
		ctx:       context.Background(),
	}, nil
}

// Every registers job to run each interval.
func (g *GocronScheduler) Every(name string, interval time.Duration, job func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return g.add(name, gocron.DurationJob(interval), job)
}

// Cron registers job on a five-field cron expression.
func (g *GocronScheduler) Cron(name, expression string, job func(context.Context)) error {
	return g.add(name, gocron.CronJob(expression, false), job)
}

func (g *GocronScheduler) add(name string, def gocron.JobDefinition, job func(context.Context)) error {
	if job == nil {
		return fmt.Errorf("job %s: nil task", name)
	}
	_, err := g.scheduler.NewJob(def,
		gocron.NewTask(func() {
			started := time.Now()
			g.logger.Debug("job started", "job", name)
			job(g.context())
			g.logger.Debug("job finished", "job", name, "took", time.Since(started))
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	g.logger.Info("job scheduled", "job", name)
	return nil
}

// Start begins executing jobs; they receive a context cancelled by Stop or by ctx.
func (g *GocronScheduler) Start(ctx context.Context) error {
	g.mu.Lock()
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	g.scheduler.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (g *GocronScheduler) Stop(_ context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Unlock()

	if err := g.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

func (g *GocronScheduler) context() context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctx
}
