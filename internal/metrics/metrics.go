// Package metrics exposes the Prometheus collectors for the correlation
// pipeline: confidence distribution, capture session/trace-flag lifecycle,
// redaction activity, and platform client health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_correlations_total",
			Help: "Total number of correlation runs by outcome",
		},
		[]string{"status"},
	)

	CorrelationConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apex_correlator_correlation_confidence",
			Help:    "Distribution of confidence scores assigned to correlations",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"match_reason"},
	)

	CorrelationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apex_correlator_correlation_duration_seconds",
			Help:    "Wall-clock time spent producing a unified view",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	UnattributedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_unattributed_events_total",
			Help: "Total events that could not be attributed to any async job",
		},
		[]string{"event_type"},
	)

	TraceFlagTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_trace_flag_transitions_total",
			Help: "Trace flag lifecycle transitions (created, extended, expired, deleted)",
		},
		[]string{"transition"},
	)

	ActiveCaptureSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apex_correlator_active_capture_sessions",
		Help: "Number of capture sessions currently holding trace flags",
	})

	RedactionHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_redaction_hits_total",
			Help: "Total redaction pattern matches by pattern name",
		},
		[]string{"pattern"},
	)

	PlatformRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apex_correlator_platform_request_duration_seconds",
			Help:    "Platform REST client request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	PlatformErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_platform_errors_total",
			Help: "Total platform client errors by error code",
		},
		[]string{"code"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apex_correlator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_correlator_kafka_publish_total",
			Help: "Total artifact publish attempts by outcome",
		},
		[]string{"status"},
	)

	DLQEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apex_correlator_dlq_entries_total",
		Help: "Total artifacts written to the dead-letter queue",
	})
)

// circuitBreakerStateValue maps a breaker state name to the gauge's
// numeric encoding.
func circuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerState updates the gauge for a named breaker.
func RecordCircuitBreakerState(name, state string) {
	CircuitBreakerState.WithLabelValues(name).Set(circuitBreakerStateValue(state))
}
