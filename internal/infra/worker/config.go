// Package worker holds the operational scaffolding of the ingestion worker:
// environment configuration, health endpoints, and worker-level metrics.
package worker

import (
	"fmt"
	"log/slog"
	"time"

	"playlog/internal/pkg/config"
)

// WorkerConfig controls the worker process: where the sources file lives,
// the maintenance schedule, ports, and shutdown behavior. Loading follows
// the fail-open strategy: an invalid environment value falls back to its
// default with a warning and a metric, never a refused start.
type WorkerConfig struct {
	// SourcesPath is the path to the sources YAML file.
	// Default: "config/sources.yaml"
	SourcesPath string

	// MaintenanceSchedule is the cron expression for the maintenance job
	// (pruning terminal jobs and expired dedup entries).
	// Default: "*/5 * * * *" (every five minutes)
	MaintenanceSchedule string

	// Timezone is the IANA timezone for cron scheduling. Default: "UTC"
	Timezone string

	// HealthPort serves the liveness/readiness endpoints. Default: 9091
	HealthPort int

	// MetricsPort serves Prometheus metrics and the status endpoint.
	// Default: 9090
	MetricsPort int

	// ShutdownGrace bounds how long Shutdown waits for polling loops to
	// drain. Default: 30s
	ShutdownGrace time.Duration

	// JobRetention is how long terminal jobs stay visible before the
	// maintenance job prunes them. Default: 1h
	JobRetention time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		SourcesPath:         "config/sources.yaml",
		MaintenanceSchedule: "*/5 * * * *",
		Timezone:            "UTC",
		HealthPort:          9091,
		MetricsPort:         9090,
		ShutdownGrace:       30 * time.Second,
		JobRetention:        time.Hour,
	}
}

// Validate checks the configuration, aggregating all field errors.
func (c *WorkerConfig) Validate() error {
	var errs []error

	if c.SourcesPath == "" {
		errs = append(errs, fmt.Errorf("sources path: cannot be empty"))
	}
	if err := config.ValidateCronSchedule(c.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance schedule: %w", err))
	}
	if err := config.ValidateTimezone(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if err := config.ValidateIntRange(c.HealthPort, 1024, 65535); err != nil {
		errs = append(errs, fmt.Errorf("health port: %w", err))
	}
	if err := config.ValidateIntRange(c.MetricsPort, 1024, 65535); err != nil {
		errs = append(errs, fmt.Errorf("metrics port: %w", err))
	}
	if err := config.ValidatePositiveDuration(c.ShutdownGrace); err != nil {
		errs = append(errs, fmt.Errorf("shutdown grace: %w", err))
	}
	if err := config.ValidatePositiveDuration(c.JobRetention); err != nil {
		errs = append(errs, fmt.Errorf("job retention: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}
	return nil
}

// LoadConfigFromEnv loads the worker configuration from the environment with
// validation and fallback to defaults on failure. It never returns an error;
// fallbacks are logged and counted in metrics instead.
//
// Environment variables:
//   - SOURCES_PATH: Path to the sources YAML file
//   - MAINTENANCE_SCHEDULE: Cron expression
//   - WORKER_TIMEZONE: IANA timezone name
//   - WORKER_HEALTH_PORT / WORKER_METRICS_PORT: 1024-65535
//   - SHUTDOWN_GRACE: Duration string, 1s-5m
//   - JOB_RETENTION: Duration string, 1m-24h
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) *WorkerConfig {
	cfg := DefaultConfig()
	fallbackApplied := false

	applyFallback := func(field string, result config.ConfigLoadResult) {
		if !result.FallbackApplied {
			return
		}
		fallbackApplied = true
		metrics.RecordValidationError(field)
		metrics.RecordFallback(field, "default")
		for _, warning := range result.Warnings {
			logger.Warn("Configuration fallback applied",
				slog.String("field", field),
				slog.String("warning", warning))
		}
	}

	cfg.SourcesPath = config.LoadEnvString("SOURCES_PATH", cfg.SourcesPath)

	result := config.LoadEnvWithFallback("MAINTENANCE_SCHEDULE", cfg.MaintenanceSchedule, config.ValidateCronSchedule)
	cfg.MaintenanceSchedule = result.Value.(string)
	applyFallback("maintenance_schedule", result)

	result = config.LoadEnvWithFallback("WORKER_TIMEZONE", cfg.Timezone, config.ValidateTimezone)
	cfg.Timezone = result.Value.(string)
	applyFallback("timezone", result)

	result = config.LoadEnvInt("WORKER_HEALTH_PORT", cfg.HealthPort, func(v int) error {
		return config.ValidateIntRange(v, 1024, 65535)
	})
	cfg.HealthPort = result.Value.(int)
	applyFallback("health_port", result)

	result = config.LoadEnvInt("WORKER_METRICS_PORT", cfg.MetricsPort, func(v int) error {
		return config.ValidateIntRange(v, 1024, 65535)
	})
	cfg.MetricsPort = result.Value.(int)
	applyFallback("metrics_port", result)

	result = config.LoadEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Second, 5*time.Minute)
	})
	cfg.ShutdownGrace = result.Value.(time.Duration)
	applyFallback("shutdown_grace", result)

	result = config.LoadEnvDuration("JOB_RETENTION", cfg.JobRetention, func(d time.Duration) error {
		return config.ValidateDuration(d, time.Minute, 24*time.Hour)
	})
	cfg.JobRetention = result.Value.(time.Duration)
	applyFallback("job_retention", result)

	metrics.SetFallbackActive(fallbackApplied)
	metrics.RecordLoadTimestamp()
	return &cfg
}
