package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/metrics"
	"ArtifactFunnel/internal/ports"
)

// Outcome is what a stage reports after consuming one completed item.
type Outcome struct {
	Flagged bool
	Note    string
}

// Handler consumes completed work items of one stage. Handle runs inside the
// transaction that marks the item handled, so its writes commit exactly once.
type Handler interface {
	Stage() domain.Stage
	Handle(ctx context.Context, repo ports.Repository, item domain.BatchWorkItem) (Outcome, error)
}

// Registry keeps a mapping from stages to their completion handlers.
type Registry struct {
	handlers map[domain.Stage]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.Stage]Handler{}}
}

// Register adds or replaces a handler.
func (r *Registry) Register(h Handler) {
	if r.handlers == nil {
		r.handlers = map[domain.Stage]Handler{}
	}
	r.handlers[h.Stage()] = h
}

// Resolve returns the handler for stage or an error if it is absent.
func (r *Registry) Resolve(stage domain.Stage) (Handler, error) {
	if h, ok := r.handlers[stage]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("handler for stage %s is not registered", stage)
}

var errAlreadyHandled = errors.New("already handled")

// DrainReport summarizes one dispatch pass.
type DrainReport struct {
	Handled int
	Flagged int
	Errors  int
}

// Dispatcher hands completed items to their stage handler, once per item.
type Dispatcher struct {
	repo      ports.Repository
	registry  *Registry
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(repo ports.Repository, registry *Registry, batchSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Dispatcher{
		repo:      repo,
		registry:  registry,
		batchSize: batchSize,
		logger:    logger.With("component", "dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Drain dispatches unhandled completed items of every registered stage in pipeline order.
// A failing item is logged and left unhandled; it never blocks the rest.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	for _, stage := range domain.Stages {
		h, err := d.registry.Resolve(stage)
		if err != nil {
			continue
		}
		r, err := d.drainStage(ctx, h)
		report.Handled += r.Handled
		report.Flagged += r.Flagged
		report.Errors += r.Errors
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (d *Dispatcher) drainStage(ctx context.Context, h Handler) (DrainReport, error) {
	var report DrainReport
	failed := map[int64]bool{}

	for {
		items, err := d.repo.UnhandledCompleted(ctx, h.Stage(), d.batchSize)
		if err != nil {
			return report, fmt.Errorf("load completed %s: %w", h.Stage(), err)
		}

		progressed := false
		for _, item := range items {
			if failed[item.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}

			outcome, err := d.dispatch(ctx, h, item)
			switch {
			case errors.Is(err, errAlreadyHandled):
				d.logger.Debug("item handled elsewhere", "correlation_id", item.CorrelationID)
			case err != nil:
				failed[item.ID] = true
				report.Errors++
				metrics.ItemsHandled.WithLabelValues(string(h.Stage()), "error").Inc()
				d.logger.Error("handle completed item", "correlation_id", item.CorrelationID, "error", err)
				continue
			default:
				report.Handled++
				result := "ok"
				if outcome.Flagged {
					report.Flagged++
					result = "flagged"
					d.logger.Warn("item flagged for manual review", "correlation_id", item.CorrelationID, "note", outcome.Note)
				}
				metrics.ItemsHandled.WithLabelValues(string(h.Stage()), result).Inc()
			}
			progressed = true
		}

		if len(items) < d.batchSize || !progressed {
			return report, nil
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, h Handler, item domain.BatchWorkItem) (Outcome, error) {
	var outcome Outcome
	err := d.repo.InTx(ctx, func(tx ports.Repository) error {
		var err error
		outcome, err = h.Handle(ctx, tx, item)
		if err != nil {
			return err
		}
		ok, err := tx.MarkHandled(ctx, item.ID, outcome.Flagged, outcome.Note, d.now())
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyHandled
		}
		return nil
	})
	return outcome, err
}
