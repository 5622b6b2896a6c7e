// Package metrics exposes Prometheus instruments for the funnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ArtifactFunnel/internal/domain"
)

const namespace = "artifactfunnel"

var (
	// BatchesSubmitted counts provider batches created.
	// Labels: stage
	BatchesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "submitted_total",
			Help:      "Provider batches created per stage",
		},
		[]string{"stage"},
	)

	// ItemsTransitioned counts work item state transitions.
	// Labels: stage, state (submitted, completed, failed)
	ItemsTransitioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Work items moved into a state",
		},
		[]string{"stage", "state"},
	)

	// ItemsHandled counts completion dispatches.
	// Labels: stage, result (ok, flagged, error)
	ItemsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "handled_total",
			Help:      "Completed work items dispatched to their stage",
		},
		[]string{"stage", "result"},
	)

	// ProviderErrors counts failed provider calls.
	// Labels: op (submit, status, results), kind (transient, permanent)
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Provider calls that returned an error",
		},
		[]string{"op", "kind"},
	)

	// WorkItems mirrors current work item counts.
	// Labels: stage, state
	WorkItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "work_items",
			Help:      "Work items per stage and state",
		},
		[]string{"stage", "state"},
	)

	// StaleItems mirrors submitted items older than the staleness bound.
	StaleItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "stale_items",
			Help:      "Submitted items exceeding the staleness bound",
		},
		[]string{"stage"},
	)

	// FunnelCounts mirrors domain table sizes.
	// Labels: kind (windows, screened, flagged, extracted, status_checks, needs_review)
	FunnelCounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "records",
			Help:      "Funnel records by kind",
		},
		[]string{"kind"},
	)

	// ReconcileDecisions counts reconciliation verdicts of the last run.
	ReconcileDecisions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "decisions",
			Help:      "Match candidates per decision in the latest reconciliation",
		},
		[]string{"decision"},
	)
)

// ProviderError records a failed provider call.
func ProviderError(op string, err error) {
	kind := "permanent"
	if domain.IsTransient(err) {
		kind = "transient"
	}
	ProviderErrors.WithLabelValues(op, kind).Inc()
}

// ObserveStats copies a stats snapshot into gauges.
func ObserveStats(stats domain.FunnelStats) {
	FunnelCounts.WithLabelValues("windows").Set(float64(stats.Windows))
	FunnelCounts.WithLabelValues("screened").Set(float64(stats.Screened))
	FunnelCounts.WithLabelValues("flagged").Set(float64(stats.Flagged))
	FunnelCounts.WithLabelValues("screening_needs_review").Set(float64(stats.ScreeningNeedsReview))
	FunnelCounts.WithLabelValues("extracted").Set(float64(stats.Extracted))
	FunnelCounts.WithLabelValues("status_checks").Set(float64(stats.StatusChecks))
	FunnelCounts.WithLabelValues("status_checks_needs_review").Set(float64(stats.StatusChecksNeedsReview))

	for _, st := range stats.Stages {
		for state, n := range st.ByState {
			WorkItems.WithLabelValues(string(st.Stage), string(state)).Set(float64(n))
		}
		StaleItems.WithLabelValues(string(st.Stage)).Set(float64(st.Stale))
	}
}

// ObserveDecisions publishes decision counts of a reconciliation run.
func ObserveDecisions(counts map[domain.Decision]int) {
	for _, d := range []domain.Decision{domain.DecisionMatch, domain.DecisionCreate, domain.DecisionNeedsReview} {
		ReconcileDecisions.WithLabelValues(string(d)).Set(float64(counts[d]))
	}
}
