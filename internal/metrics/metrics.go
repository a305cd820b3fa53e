// Package metrics exposes the core's Prometheus instrumentation. Where the
// teacher kept an ad hoc endpoint-keyed counter map under a mutex, this
// generalizes the same "count what happened, label by kind" idea into real
// counter/histogram vectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram the core publishes. Construct one
// with New and pass it down to the components that record against it.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	DispatcherTurns    *prometheus.CounterVec
	DispatcherTurnTime prometheus.Histogram
	BudgetRefusals     *prometheus.CounterVec
	MergeOutcomes      *prometheus.CounterVec
	HumanRequestsOpen  prometheus.Gauge
	ReviewVerdicts     *prometheus.CounterVec
}

// New registers and returns the core's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_appended_total",
			Help: "Events appended to the event log, by type.",
		}, []string{"type"}),

		DispatcherTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dispatcher_turns_total",
			Help: "Agent turns started by the dispatcher, by outcome.",
		}, []string{"outcome"}),

		DispatcherTurnTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatcher_turn_duration_seconds",
			Help:    "Wall-clock duration of a dispatcher turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		BudgetRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_budget_refusals_total",
			Help: "StartSession refusals, by cap kind (daily, per_task).",
		}, []string{"cap"}),

		MergeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_merge_jobs_total",
			Help: "Completed merge jobs, by outcome.",
		}, []string{"outcome"}),

		HumanRequestsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_human_requests_pending",
			Help: "Currently pending human requests.",
		}),

		ReviewVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_review_verdicts_total",
			Help: "Review verdicts recorded, by verdict.",
		}, []string{"verdict"}),
	}
}
