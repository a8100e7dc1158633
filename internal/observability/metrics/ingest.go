// Package metrics defines the Prometheus instruments exported by the worker.
// All collectors are registered on the default registry via promauto and
// exposed by the metrics server in cmd/worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngestedTotal counts listening events accepted and persisted,
	// by source.
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_events_ingested_total",
			Help: "Total number of listening events ingested, by source.",
		},
		[]string{"source"},
	)

	// EventsDuplicateTotal counts events skipped as duplicates, by source.
	EventsDuplicateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_events_duplicate_total",
			Help: "Total number of listening events skipped as duplicates, by source.",
		},
		[]string{"source"},
	)

	// PollErrorsTotal counts polling ticks that ended in error, by source.
	PollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_poll_errors_total",
			Help: "Total number of failed polling ticks, by source.",
		},
		[]string{"source"},
	)

	// BreakerState exports the circuit breaker state per service
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playlog_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open).",
		},
		[]string{"service"},
	)

	// RetryAttemptsTotal counts individual call attempts, by service.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_retry_attempts_total",
			Help: "Total number of call attempts including retries, by service.",
		},
		[]string{"service"},
	)

	// ResilientCallDuration observes end-to-end resilient call latency,
	// by service and outcome.
	ResilientCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playlog_resilient_call_duration_seconds",
			Help:    "End-to-end resilient call duration in seconds, by service and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "outcome"},
	)
)

// RecordIngested increments the ingested-events counter for a source.
func RecordIngested(source string) {
	EventsIngestedTotal.WithLabelValues(source).Inc()
}

// RecordDuplicate increments the duplicate-events counter for a source.
func RecordDuplicate(source string) {
	EventsDuplicateTotal.WithLabelValues(source).Inc()
}

// RecordPollError increments the failed-tick counter for a source.
func RecordPollError(source string) {
	PollErrorsTotal.WithLabelValues(source).Inc()
}

// SetBreakerState exports a breaker state transition.
func SetBreakerState(service string, state int) {
	BreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordRetryAttempt increments the attempt counter for a service.
func RecordRetryAttempt(service string) {
	RetryAttemptsTotal.WithLabelValues(service).Inc()
}

// ObserveCallDuration records one resilient call's duration and outcome.
func ObserveCallDuration(service, outcome string, d time.Duration) {
	ResilientCallDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
}
