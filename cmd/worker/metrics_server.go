package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"playlog/internal/infra/adapter/persistence/postgres"
	"playlog/internal/resilience/call"
	"playlog/internal/task"
)

// statusSources aggregates the observable state exposed on /status.
type statusSources struct {
	calls   *call.Registry
	tasks   *task.Registry
	pollers []*sourcePoller
	repo    *postgres.ListeningRepo
}

// BreakerStatusResponse is the JSON shape of one circuit breaker.
type BreakerStatusResponse struct {
	Service             string     `json:"service"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// PollerStatusResponse is the JSON shape of one polling loop.
type PollerStatusResponse struct {
	Source     string     `json:"source"`
	State      string     `json:"state"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Ticks      uint64     `json:"ticks"`
	Errors     uint64     `json:"errors"`
	Ingested   uint64     `json:"ingested"`
	Duplicates uint64     `json:"duplicates"`
}

// JobStatusResponse is the JSON shape of one tracked job.
type JobStatusResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RecordResponse is the JSON shape of one persisted listening record.
type RecordResponse struct {
	ID          int64     `json:"id"`
	DedupKey    string    `json:"dedup_key"`
	Source      string    `json:"source"`
	Artist      string    `json:"artist"`
	Title       string    `json:"title"`
	Album       string    `json:"album,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatusResponse is the full /status payload.
type StatusResponse struct {
	Breakers []BreakerStatusResponse `json:"breakers"`
	Pollers  []PollerStatusResponse  `json:"pollers"`
	Jobs     []JobStatusResponse     `json:"jobs"`
}

// startMetricsServer starts the metrics HTTP server in a background goroutine
// and shuts it down gracefully when ctx is cancelled.
//
// Endpoints:
//   - GET /metrics - Prometheus metrics
//   - GET /status - breaker, poller and job snapshots
//   - GET /status/records?source=X&limit=N - recent records for one source
//   - GET /status/stats?hours=N - per-source ingestion counts
func startMetricsServer(ctx context.Context, logger *slog.Logger, port int, src *statusSources) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", statusHandler(src))
	mux.HandleFunc("/status/records", recordsHandler(src))
	mux.HandleFunc("/status/stats", statsHandler(src))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.Any("error", err))
		} else {
			logger.Info("metrics server stopped")
		}
	}()

	return server
}

func statusHandler(src *statusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Breakers: make([]BreakerStatusResponse, 0),
			Pollers:  make([]PollerStatusResponse, 0, len(src.pollers)),
			Jobs:     make([]JobStatusResponse, 0),
		}

		for _, st := range src.calls.BreakerStatuses() {
			resp.Breakers = append(resp.Breakers, BreakerStatusResponse{
				Service:             st.Service,
				State:               st.State.String(),
				ConsecutiveFailures: st.ConsecutiveFailures,
				OpenedAt:            st.OpenedAt,
			})
		}

		for _, p := range src.pollers {
			st := p.poller.Status()
			resp.Pollers = append(resp.Pollers, PollerStatusResponse{
				Source:     st.Source,
				State:      st.State.String(),
				LastTickAt: st.LastTickAt,
				LastSeenAt: st.LastSeenAt,
				LastError:  st.LastError,
				Ticks:      st.Ticks,
				Errors:     st.Errors,
				Ingested:   st.Ingested,
				Duplicates: st.Duplicates,
			})
		}

		for _, j := range src.tasks.List() {
			resp.Jobs = append(resp.Jobs, JobStatusResponse{
				ID:         j.ID,
				Name:       j.Name,
				Status:     string(j.Status),
				EnqueuedAt: j.EnqueuedAt,
				StartedAt:  j.StartedAt,
				FinishedAt: j.FinishedAt,
				Error:      j.Error,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func recordsHandler(src *statusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		if source == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source query parameter is required"})
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer in [1,500]"})
				return
			}
			limit = n
		}

		records, err := src.repo.ListRecent(r.Context(), source, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list records"})
			return
		}

		resp := make([]RecordResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, RecordResponse{
				ID:          rec.ID,
				DedupKey:    rec.DedupKey,
				Source:      rec.Source,
				Artist:      rec.Artist,
				Title:       rec.Title,
				Album:       rec.Album,
				ExternalRef: rec.ExternalRef,
				ObservedAt:  rec.ObservedAt,
				CreatedAt:   rec.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statsHandler(src *statusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if v := r.URL.Query().Get("hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 24*30 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be an integer in [1,720]"})
				return
			}
			hours = n
		}

		since := time.Now().Add(-time.Duration(hours) * time.Hour)
		stats, err := src.repo.StatsSince(r.Context(), since)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute stats"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
