package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"playlog/internal/config"
	"playlog/internal/infra/adapter/persistence/postgres"
	"playlog/internal/infra/db"
	"playlog/internal/infra/provider"
	workerPkg "playlog/internal/infra/worker"
	"playlog/internal/ingest"
	"playlog/internal/observability/logging"
	"playlog/internal/resilience/call"
	"playlog/internal/resilience/circuitbreaker"
	"playlog/internal/resilience/retry"
	"playlog/internal/task"
)

func main() {
	logger := initLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load worker configuration (fail-open strategy)
	workerMetrics := workerPkg.NewWorkerMetrics()
	workerConfig := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	logger.Info("worker configuration loaded",
		slog.String("sources_path", workerConfig.SourcesPath),
		slog.String("maintenance_schedule", workerConfig.MaintenanceSchedule),
		slog.String("timezone", workerConfig.Timezone),
		slog.Int("health_port", workerConfig.HealthPort),
		slog.Int("metrics_port", workerConfig.MetricsPort),
		slog.Duration("shutdown_grace", workerConfig.ShutdownGrace))

	database, err := db.Open(ctx)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}()
	if err := db.WaitForMigrations(ctx, database); err != nil {
		logger.Error("migrations did not complete in time", slog.Any("error", err))
		os.Exit(1)
	}

	// All repository traffic goes through the storage circuit breaker so a
	// drowning database fails ingestion fast instead of queueing writes.
	guarded := circuitbreaker.NewDBCircuitBreaker(database)
	repo := postgres.NewListeningRepo(guarded)

	sources, err := config.LoadSources(workerConfig.SourcesPath)
	if err != nil {
		logger.Error("failed to load sources configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("sources configuration loaded", slog.Int("sources", len(sources.Sources)))

	callRegistry := call.NewRegistry()
	taskRegistry := task.NewRegistry(nil)

	pollers, err := setupPollers(logger, sources, callRegistry, repo)
	if err != nil {
		logger.Error("failed to set up pollers", slog.Any("error", err))
		os.Exit(1)
	}

	// Start metrics HTTP server
	startMetricsServer(ctx, logger, workerConfig.MetricsPort, &statusSources{
		calls:   callRegistry,
		tasks:   taskRegistry,
		pollers: pollers,
		repo:    repo,
	})

	// Start health check server
	healthAddr := fmt.Sprintf(":%d", workerConfig.HealthPort)
	healthServer := workerPkg.NewHealthServer(healthAddr, logger)
	go func() {
		if err := healthServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", slog.Any("error", err))
		}
	}()

	// Each polling loop runs as a tracked job: the job starts the loop, holds
	// it open until the worker shuts down, then drains it.
	for _, p := range pollers {
		poller := p.poller
		name := fmt.Sprintf("poll:%s", p.source)
		if _, err := taskRegistry.Submit(ctx, name, func(jobCtx context.Context) error {
			if err := poller.Start(jobCtx); err != nil {
				return err
			}
			<-jobCtx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), workerConfig.ShutdownGrace)
			defer cancel()
			if err := poller.Stop(stopCtx); err != nil {
				return err
			}
			return jobCtx.Err()
		}); err != nil {
			logger.Error("failed to submit polling job",
				slog.String("source", p.source),
				slog.Any("error", err))
			os.Exit(1)
		}
	}

	cronRunner, err := startMaintenance(logger, workerConfig, workerMetrics, taskRegistry, pollers)
	if err != nil {
		logger.Error("failed to start maintenance schedule", slog.Any("error", err))
		os.Exit(1)
	}

	healthServer.SetReady(true)
	logger.Info("worker started",
		slog.Int("pollers", len(pollers)),
		slog.String("maintenance_schedule", workerConfig.MaintenanceSchedule))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	healthServer.SetReady(false)

	cronCtx := cronRunner.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(workerConfig.ShutdownGrace):
		logger.Warn("maintenance job still running at shutdown")
	}

	if err := taskRegistry.Shutdown(workerConfig.ShutdownGrace); err != nil {
		logger.Error("job drain incomplete", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

// initLogger initializes the process-wide structured logger.
func initLogger() *slog.Logger {
	logger := logging.NewLogger()
	slog.SetDefault(logger)
	return logger
}

// sourcePoller bundles one source's ingestion pipeline.
type sourcePoller struct {
	source string
	poller *ingest.Poller
	dedup  *ingest.Deduplicator
}

// setupPollers builds the per-source pipeline: an HTTP now-playing client
// wrapped in the source's resilience stack, a windowed deduplicator, and the
// polling loop that drives them.
func setupPollers(logger *slog.Logger, sources *config.SourcesConfig, registry *call.Registry, repo *postgres.ListeningRepo) ([]*sourcePoller, error) {
	pollers := make([]*sourcePoller, 0, len(sources.Sources))
	for _, src := range sources.Sources {
		r := src.Resilience
		if err := registry.Configure(call.Config{
			Service:          src.Name,
			FailureThreshold: r.FailureThreshold,
			SuccessThreshold: r.SuccessThreshold,
			OpenTimeout:      r.OpenTimeout(),
			Retry: retry.Config{
				MaxAttempts:    r.MaxAttempts,
				InitialDelay:   r.InitialDelay(),
				MaxDelay:       r.MaxDelay(),
				Multiplier:     r.Multiplier,
				JitterFraction: r.JitterFraction,
			},
			ConcurrencyLimit: r.ConcurrencyLimit,
			AttemptTimeout:   r.AttemptTimeout(),
		}); err != nil {
			return nil, fmt.Errorf("configure %s: %w", src.Name, err)
		}
		caller, err := registry.Caller(src.Name)
		if err != nil {
			return nil, err
		}

		client, err := provider.NewNowPlayingClient(provider.NowPlayingConfig{
			Source:            src.Name,
			BaseURL:           src.BaseURL,
			Token:             src.Token(),
			RequestsPerSecond: src.RequestsPerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", src.Name, err)
		}

		dedup, err := ingest.NewDeduplicator(src.Name, src.DedupWindow(), repo, nil)
		if err != nil {
			return nil, err
		}

		poller, err := ingest.NewPoller(ingest.PollerConfig{
			Source:   src.Name,
			Interval: src.PollInterval(),
			Provider: ingest.WithResilience(caller, client),
			Dedup:    dedup,
			Repo:     repo,
		})
		if err != nil {
			return nil, err
		}

		logger.Info("source configured",
			slog.String("source", src.Name),
			slog.Duration("poll_interval", src.PollInterval()),
			slog.Duration("dedup_window", src.DedupWindow()))
		pollers = append(pollers, &sourcePoller{source: src.Name, poller: poller, dedup: dedup})
	}
	return pollers, nil
}

// startMaintenance schedules the periodic maintenance job: pruning terminal
// jobs past retention and evicting expired dedup entries.
func startMaintenance(logger *slog.Logger, cfg *workerPkg.WorkerConfig, metrics *workerPkg.WorkerMetrics, tasks *task.Registry, pollers []*sourcePoller) (*cron.Cron, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("invalid timezone, using UTC", slog.String("timezone", cfg.Timezone), slog.Any("error", err))
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))

	if _, err := c.AddFunc(cfg.MaintenanceSchedule, func() {
		runMaintenance(logger, cfg, metrics, tasks, pollers)
	}); err != nil {
		return nil, fmt.Errorf("add maintenance job: %w", err)
	}
	c.Start()
	return c, nil
}

// runMaintenance executes one maintenance pass with metrics and error handling.
func runMaintenance(logger *slog.Logger, cfg *workerPkg.WorkerConfig, metrics *workerPkg.WorkerMetrics, tasks *task.Registry, pollers []*sourcePoller) {
	startTime := time.Now()
	logger.Info("maintenance started")

	prunedJobs := tasks.PruneTerminal(cfg.JobRetention)
	metrics.RecordPrunedJobs(prunedJobs)

	prunedKeys := 0
	for _, p := range pollers {
		prunedKeys += p.dedup.Prune()
	}
	metrics.RecordPrunedDedupKeys(prunedKeys)

	metrics.RecordMaintenanceRun("success")
	metrics.RecordMaintenanceDuration(time.Since(startTime).Seconds())
	metrics.RecordMaintenanceSuccess()

	logger.Info("maintenance completed",
		slog.Int("pruned_jobs", prunedJobs),
		slog.Int("pruned_dedup_keys", prunedKeys),
		slog.Duration("duration", time.Since(startTime)))
}
