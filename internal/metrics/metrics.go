// Package metrics holds the Prometheus collectors for pipeline activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the pipeline orchestrator.
type Metrics struct {
	PhaseRuns     *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	Approvals     *prometheus.CounterVec

	RetriesTotal     *prometheus.CounterVec
	RetryActions     *prometheus.CounterVec
	RetriesExhausted prometheus.Counter
	BreakingChanges  prometheus.Counter

	ActivePipelines prometheus.Gauge
}

// New creates and registers the metrics once per process.
//
// Metrics:
//   - factory_phase_runs_total{phase,outcome} - phases finished, by outcome
//   - factory_phase_duration_seconds{phase} - agent run time per phase
//   - factory_approvals_total{phase,decision} - approve/reject decisions
//   - factory_retries_total{reason} - build/test failures routed to retry
//   - factory_retry_actions_total{action} - retry decisions applied
//   - factory_retries_exhausted_total - failures after the attempt budget ran out
//   - factory_breaking_changes_total - test runs where an existing test failed
//   - factory_active_pipelines - control loops currently running
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PhaseRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_phase_runs_total",
					Help: "Total number of phase runs by outcome",
				},
				[]string{"phase", "outcome"}, // completed, failed, skipped, error
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "factory_phase_duration_seconds",
					Help:    "Duration of phase agent runs in seconds",
					Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
				},
				[]string{"phase"},
			),
			Approvals: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_approvals_total",
					Help: "Total number of phase approval decisions",
				},
				[]string{"phase", "decision"},
			),
			RetriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_retries_total",
					Help: "Total number of build/test failures routed to retry handling",
				},
				[]string{"reason"},
			),
			RetryActions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_retry_actions_total",
					Help: "Total number of retry actions applied",
				},
				[]string{"action"},
			),
			RetriesExhausted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factory_retries_exhausted_total",
				Help: "Total number of failures after the retry budget was spent",
			}),
			BreakingChanges: promauto.NewCounter(prometheus.CounterOpts{
				Name: "factory_breaking_changes_total",
				Help: "Total number of test runs where a pre-existing test failed",
			}),
			ActivePipelines: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "factory_active_pipelines",
				Help: "Number of pipeline control loops currently running",
			}),
		}
	})
	return globalMetrics
}
