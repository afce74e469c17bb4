// Package metrics defines the Prometheus collectors exposed on /metrics
// alongside the Gin router (internal/api), covering the (ADDED) Metrics
// component SPEC_FULL.md calls for: circuit breaker state per adapter,
// adapter call counts/latency, tick-loop duration, and replenishment/
// correction counters. Grounded on the retrieval pack's
// prometheus/client_golang usage for exactly this shape of gauge/counter/
// histogram instrumentation; registered against prometheus.DefaultRegisterer
// so a single promhttp.Handler() in internal/api serves everything.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState is 0=closed, 0.5=half_open, 1=open, labeled by
	// adapter name, for the same three states internal/adapters.Resilience
	// reports via State().
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "adapter",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per adapter: 0=closed, 0.5=half_open, 1=open.",
	}, []string{"adapter"})

	// AdapterCallsTotal counts calls to each external adapter by outcome.
	AdapterCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "adapter",
		Name:      "calls_total",
		Help:      "Total adapter calls, labeled by adapter name and outcome (success|error).",
	}, []string{"adapter", "outcome"})

	// AdapterCallDuration tracks per-call latency per adapter.
	AdapterCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "adapter",
		Name:      "call_duration_seconds",
		Help:      "Adapter call latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"adapter"})

	// TickDuration tracks how long one orchestrator tick pass takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "orchestrator",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one orchestrator tick pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReplenishmentDispatchedTotal counts generate-and-review cycles the
	// replenishment loop has dispatched.
	ReplenishmentDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "replenishment",
		Name:      "dispatched_total",
		Help:      "Total generate-and-review cycles dispatched by the replenishment loop.",
	})

	// CorrectionAttemptedTotal mirrors internal/correction.Engine.Stats's
	// Attempted counter as a Prometheus counter for alerting/dashboards.
	CorrectionAttemptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "correction",
		Name:      "attempted_total",
		Help:      "Total corrected generation attempts dispatched.",
	})

	// CorrectionDepthLimitTotal mirrors Stats.DepthLimitHits.
	CorrectionDepthLimitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anime_orchestrator",
		Subsystem: "correction",
		Name:      "depth_limit_hits_total",
		Help:      "Total corrections skipped because the maximum correction depth was reached.",
	})
)

// CircuitStateValue converts a Resilience.State() string into the gauge
// value CircuitBreakerState expects.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 0.5
	default:
		return 0
	}
}
