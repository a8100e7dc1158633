package worker

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// metrics registration is global; create the test instance once.
var (
	testMetricsOnce sync.Once
	testMetrics     *WorkerMetrics
)

func newTestMetrics() *WorkerMetrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewWorkerMetrics()
	})
	return testMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestWorkerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkerConfig)
	}{
		{"empty sources path", func(c *WorkerConfig) { c.SourcesPath = "" }},
		{"bad schedule", func(c *WorkerConfig) { c.MaintenanceSchedule = "often" }},
		{"bad timezone", func(c *WorkerConfig) { c.Timezone = "Mars/Olympus" }},
		{"privileged health port", func(c *WorkerConfig) { c.HealthPort = 80 }},
		{"privileged metrics port", func(c *WorkerConfig) { c.MetricsPort = 80 }},
		{"zero grace", func(c *WorkerConfig) { c.ShutdownGrace = 0 }},
		{"zero retention", func(c *WorkerConfig) { c.JobRetention = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv(discardLogger(), newTestMetrics())
	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("LoadConfigFromEnv() = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("SOURCES_PATH", "/etc/playlog/sources.yaml")
	t.Setenv("MAINTENANCE_SCHEDULE", "0 * * * *")
	t.Setenv("WORKER_TIMEZONE", "Asia/Tokyo")
	t.Setenv("WORKER_HEALTH_PORT", "9191")
	t.Setenv("WORKER_METRICS_PORT", "9190")
	t.Setenv("SHUTDOWN_GRACE", "45s")
	t.Setenv("JOB_RETENTION", "2h")

	cfg := LoadConfigFromEnv(discardLogger(), newTestMetrics())
	if cfg.SourcesPath != "/etc/playlog/sources.yaml" {
		t.Errorf("SourcesPath = %q", cfg.SourcesPath)
	}
	if cfg.MaintenanceSchedule != "0 * * * *" {
		t.Errorf("MaintenanceSchedule = %q", cfg.MaintenanceSchedule)
	}
	if cfg.Timezone != "Asia/Tokyo" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.HealthPort != 9191 || cfg.MetricsPort != 9190 {
		t.Errorf("ports = %d/%d", cfg.HealthPort, cfg.MetricsPort)
	}
	if cfg.ShutdownGrace != 45*time.Second {
		t.Errorf("ShutdownGrace = %v", cfg.ShutdownGrace)
	}
	if cfg.JobRetention != 2*time.Hour {
		t.Errorf("JobRetention = %v", cfg.JobRetention)
	}
}

func TestLoadConfigFromEnv_FailOpen(t *testing.T) {
	t.Setenv("MAINTENANCE_SCHEDULE", "not a schedule")
	t.Setenv("WORKER_HEALTH_PORT", "80")
	t.Setenv("SHUTDOWN_GRACE", "never")

	cfg := LoadConfigFromEnv(discardLogger(), newTestMetrics())
	want := DefaultConfig()
	if cfg.MaintenanceSchedule != want.MaintenanceSchedule {
		t.Errorf("MaintenanceSchedule = %q, want default", cfg.MaintenanceSchedule)
	}
	if cfg.HealthPort != want.HealthPort {
		t.Errorf("HealthPort = %d, want default", cfg.HealthPort)
	}
	if cfg.ShutdownGrace != want.ShutdownGrace {
		t.Errorf("ShutdownGrace = %v, want default", cfg.ShutdownGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("fail-open config must validate: %v", err)
	}
}
