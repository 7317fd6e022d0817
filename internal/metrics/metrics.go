// Package metrics holds the Prometheus collectors exported by vmpilot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every vmpilot collector is registered with.
var Registry = prometheus.NewRegistry()

var (
	// Ledger metrics
	reservationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vmpilot",
			Subsystem: "ledger",
			Name:      "reservations_active",
			Help:      "Number of identifiers currently held by in-flight plans",
		},
		[]string{"class"},
	)

	reservationsBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "ledger",
			Name:      "busy_total",
			Help:      "Total number of reserve calls answered with busy",
		},
		[]string{"class"},
	)

	identifiersConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "ledger",
			Name:      "consumed_total",
			Help:      "Total number of identifiers permanently consumed by committed plans",
		},
		[]string{"class"},
	)

	// Risk metrics
	riskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Total number of risk decisions by outcome",
		},
		[]string{"decision"},
	)

	// Plan metrics
	plansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "orchestrator",
			Name:      "plans_total",
			Help:      "Total number of plans that reached a terminal state",
		},
		[]string{"state", "residual"},
	)

	planDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmpilot",
			Subsystem: "orchestrator",
			Name:      "plan_duration_seconds",
			Help:      "Duration from submission to terminal state in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"state"},
	)

	plansInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmpilot",
			Subsystem: "orchestrator",
			Name:      "plans_in_flight",
			Help:      "Number of plans not yet in a terminal state",
		},
	)

	// Stage metrics
	stageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "executor",
			Name:      "stage_attempts_total",
			Help:      "Total number of stage attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmpilot",
			Subsystem: "executor",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a stage including retries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"kind"},
	)

	compensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "rollback",
			Name:      "compensations_total",
			Help:      "Total number of compensating actions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Remote API metrics
	remoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpilot",
			Subsystem: "remote",
			Name:      "api_calls_total",
			Help:      "Total number of remote API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	remoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmpilot",
			Subsystem: "remote",
			Name:      "api_latency_seconds",
			Help:      "Latency of remote API calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~25s
		},
		[]string{"operation"},
	)

	escalationsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmpilot",
			Subsystem: "escalation",
			Name:      "pending",
			Help:      "Number of plans waiting for an approval decision",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		reservationsActive,
		reservationsBusyTotal,
		identifiersConsumedTotal,
		riskDecisionsTotal,
		plansTotal,
		planDuration,
		plansInFlight,
		stageAttemptsTotal,
		stageDuration,
		compensationsTotal,
		remoteCallsTotal,
		remoteLatency,
		escalationsPending,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SetActiveReservations records how many identifiers of a class are held.
func SetActiveReservations(class string, n int) {
	reservationsActive.WithLabelValues(class).Set(float64(n))
}

// RecordBusy records a reserve call answered with busy.
func RecordBusy(class string) {
	reservationsBusyTotal.WithLabelValues(class).Inc()
}

// RecordConsumed records an identifier released as consumed.
func RecordConsumed(class string) {
	identifiersConsumedTotal.WithLabelValues(class).Inc()
}

// RecordDecision records a risk gate decision.
func RecordDecision(decision string) {
	riskDecisionsTotal.WithLabelValues(decision).Inc()
}

// PlanStarted increments the in-flight plan gauge.
func PlanStarted() {
	plansInFlight.Inc()
}

// PlanSuspended decrements the in-flight gauge for a plan stopped by shutdown.
func PlanSuspended() {
	plansInFlight.Dec()
}

// RecordPlan records a plan reaching a terminal state.
func RecordPlan(state string, residual bool, duration float64) {
	plansInFlight.Dec()
	r := "false"
	if residual {
		r = "true"
	}
	plansTotal.WithLabelValues(state, r).Inc()
	planDuration.WithLabelValues(state).Observe(duration)
}

// RecordStage records the result of one stage execution.
func RecordStage(kind, result string, attempts int, duration float64) {
	stageAttemptsTotal.WithLabelValues(kind, result).Add(float64(attempts))
	stageDuration.WithLabelValues(kind).Observe(duration)
}

// RecordCompensation records a compensating action.
func RecordCompensation(kind, result string) {
	compensationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordRemoteCall records a remote API call.
func RecordRemoteCall(operation, result string, latency float64) {
	remoteCallsTotal.WithLabelValues(operation, result).Inc()
	remoteLatency.WithLabelValues(operation).Observe(latency)
}

// SetEscalationsPending records the number of plans awaiting approval.
func SetEscalationsPending(n int) {
	escalationsPending.Set(float64(n))
}
