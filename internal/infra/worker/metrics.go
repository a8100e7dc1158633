package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"playlog/internal/pkg/config"
)

// WorkerMetrics provides Prometheus metrics for the worker process. It embeds
// ConfigMetrics for configuration monitoring and adds maintenance-job metrics.
type WorkerMetrics struct {
	*config.ConfigMetrics

	// MaintenanceRunsTotal counts maintenance job runs by status.
	MaintenanceRunsTotal *prometheus.CounterVec

	// MaintenanceDurationSeconds observes maintenance job duration.
	MaintenanceDurationSeconds prometheus.Histogram

	// PrunedJobsTotal counts terminal jobs removed by maintenance.
	PrunedJobsTotal prometheus.Counter

	// PrunedDedupKeysTotal counts expired dedup entries removed by maintenance.
	PrunedDedupKeysTotal prometheus.Counter

	// LastMaintenanceSuccessTimestamp is the Unix time of the last
	// successful maintenance run.
	LastMaintenanceSuccessTimestamp prometheus.Gauge
}

// NewWorkerMetrics creates the worker metrics. Collectors are registered on
// the default registry via promauto at construction.
func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetrics("worker"),

		MaintenanceRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_maintenance_runs_total",
			Help: "Total number of maintenance job runs by status (success/failure)",
		}, []string{"status"}),

		MaintenanceDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_maintenance_duration_seconds",
			Help:    "Duration of maintenance job runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30},
		}),

		PrunedJobsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_pruned_jobs_total",
			Help: "Total number of terminal jobs pruned by maintenance",
		}),

		PrunedDedupKeysTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_pruned_dedup_keys_total",
			Help: "Total number of expired dedup entries pruned by maintenance",
		}),

		LastMaintenanceSuccessTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "worker_maintenance_last_success_timestamp",
			Help: "Unix timestamp of the last successful maintenance run",
		}),
	}
}

// RecordMaintenanceRun increments the run counter for a status.
func (m *WorkerMetrics) RecordMaintenanceRun(status string) {
	m.MaintenanceRunsTotal.WithLabelValues(status).Inc()
}

// RecordMaintenanceDuration observes one maintenance run's duration.
func (m *WorkerMetrics) RecordMaintenanceDuration(seconds float64) {
	m.MaintenanceDurationSeconds.Observe(seconds)
}

// RecordPrunedJobs adds pruned terminal jobs to the counter.
func (m *WorkerMetrics) RecordPrunedJobs(count int) {
	m.PrunedJobsTotal.Add(float64(count))
}

// RecordPrunedDedupKeys adds pruned dedup entries to the counter.
func (m *WorkerMetrics) RecordPrunedDedupKeys(count int) {
	m.PrunedDedupKeysTotal.Add(float64(count))
}

// RecordMaintenanceSuccess records the current time as the last success.
func (m *WorkerMetrics) RecordMaintenanceSuccess() {
	m.LastMaintenanceSuccessTimestamp.SetToCurrentTime()
}
