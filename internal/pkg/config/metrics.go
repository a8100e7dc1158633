package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConfigMetrics exports configuration loading health: when config was last
// loaded, which fields failed validation, and whether any fallback default is
// currently in effect. A dashboard alert on fallback_active catches bad
// deployments that would otherwise run silently on defaults.
type ConfigMetrics struct {
	// LoadTimestamp is the Unix time of the last configuration load.
	LoadTimestamp prometheus.Gauge

	// ValidationErrorsTotal counts validation failures by field.
	ValidationErrorsTotal *prometheus.CounterVec

	// FallbacksTotal counts applied fallbacks by field and fallback kind.
	FallbacksTotal *prometheus.CounterVec

	// FallbackActive is 1 while any fallback default is in effect.
	FallbackActive prometheus.Gauge
}

// NewConfigMetrics creates configuration metrics under the given component
// prefix (e.g. "worker" yields worker_config_*).
func NewConfigMetrics(prefix string) *ConfigMetrics {
	return &ConfigMetrics{
		LoadTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_config_load_timestamp",
			Help: "Unix timestamp of the last configuration load.",
		}),
		ValidationErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_config_validation_errors_total",
			Help: "Total configuration validation errors by field.",
		}, []string{"field"}),
		FallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_config_fallbacks_total",
			Help: "Total configuration fallbacks applied by field and kind.",
		}, []string{"field", "fallback"}),
		FallbackActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_config_fallback_active",
			Help: "1 if any configuration fallback is currently active.",
		}),
	}
}

// RecordValidationError increments the validation error counter for a field.
func (m *ConfigMetrics) RecordValidationError(field string) {
	m.ValidationErrorsTotal.WithLabelValues(field).Inc()
}

// RecordFallback increments the fallback counter for a field.
func (m *ConfigMetrics) RecordFallback(field, fallback string) {
	m.FallbacksTotal.WithLabelValues(field, fallback).Inc()
}

// SetFallbackActive sets the fallback-active gauge.
func (m *ConfigMetrics) SetFallbackActive(active bool) {
	if active {
		m.FallbackActive.Set(1)
	} else {
		m.FallbackActive.Set(0)
	}
}

// RecordLoadTimestamp records the current time as the last load time.
func (m *ConfigMetrics) RecordLoadTimestamp() {
	m.LoadTimestamp.SetToCurrentTime()
}
