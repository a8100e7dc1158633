// Package task tracks background jobs: each polling loop (and any other
// long-running work) registers as a job with a lifecycle status, cooperative
// cancellation and graceful shutdown.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"playlog/internal/pkg/clock"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is registered but not yet running.
	StatusQueued Status = "queued"

	// StatusRunning means the job's goroutine is active.
	StatusRunning Status = "running"

	// StatusCompleted means the job returned without error.
	StatusCompleted Status = "completed"

	// StatusFailed means the job returned an error.
	StatusFailed Status = "failed"

	// StatusCancelled means the job was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is an observable snapshot of one tracked job.
type Job struct {
	ID         string
	Name       string
	Status     Status
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
}

// Fn is the unit of work. It must return promptly once ctx is cancelled;
// returning ctx.Err() marks the job cancelled rather than failed.
type Fn func(ctx context.Context) error

type job struct {
	Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks background jobs. Safe for concurrent use.
type Registry struct {
	clk clock.Clock

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewRegistry creates an empty job registry. A nil clock means system time.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Registry{clk: clk, jobs: make(map[string]*job)}
}

// Submit registers fn under a fresh job ID and starts it. The job's context
// descends from ctx, so cancelling ctx cancels every job started from it.
func (r *Registry) Submit(ctx context.Context, name string, fn Fn) (string, error) {
	if name == "" {
		return "", fmt.Errorf("task: job name cannot be empty")
	}
	if fn == nil {
		return "", fmt.Errorf("task: job %s: fn cannot be nil", name)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		Job: Job{
			ID:         uuid.NewString(),
			Name:       name,
			Status:     StatusQueued,
			EnqueuedAt: r.clk.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(jobCtx, j, fn)

	slog.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("job_name", name))
	return j.ID, nil
}

func (r *Registry) run(ctx context.Context, j *job, fn Fn) {
	defer r.wg.Done()
	defer close(j.done)

	started := r.clk.Now()
	r.mu.Lock()
	j.Status = StatusRunning
	j.StartedAt = &started
	r.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("job panicked: %v", rec)
			}
		}()
		return fn(ctx)
	}()

	finished := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	j.FinishedAt = &finished
	switch {
	case err == nil:
		j.Status = StatusCompleted
	case ctx.Err() != nil:
		j.Status = StatusCancelled
		j.Error = err.Error()
	default:
		j.Status = StatusFailed
		j.Error = err.Error()
	}

	slog.Info("job finished",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.String("status", string(j.Status)),
		slog.Duration("duration", finished.Sub(started)))
}

// Cancel requests cooperative cancellation of a job. Cancelling a terminal
// job is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task: job %q not found", id)
	}
	j.cancel()
	return nil
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("task: job %q not found", id)
	}
	return j.Job, nil
}

// List returns snapshots of all tracked jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].EnqueuedAt.Equal(out[k].EnqueuedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].EnqueuedAt.Before(out[k].EnqueuedAt)
	})
	return out
}

// PruneTerminal drops terminal jobs older than retention, measured from their
// finish time. Running jobs are never pruned. Returns the number removed.
func (r *Registry) PruneTerminal(retention time.Duration) int {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, j := range r.jobs {
		if !j.Status.Terminal() || j.FinishedAt == nil {
			continue
		}
		if now.Sub(*j.FinishedAt) >= retention {
			delete(r.jobs, id)
			pruned++
		}
	}
	if pruned > 0 {
		slog.Info("pruned terminal jobs", slog.Int("count", pruned))
	}
	return pruned
}

// Shutdown cancels every job and waits up to grace for them to drain. Jobs
// still running after the grace period are abandoned and an error returned.
func (r *Registry) Shutdown(grace time.Duration) error {
	r.mu.Lock()
	for _, j := range r.jobs {
		j.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all jobs drained")
		return nil
	case <-time.After(grace):
		stuck := 0
		r.mu.Lock()
		for _, j := range r.jobs {
			if !j.Status.Terminal() {
				stuck++
			}
		}
		r.mu.Unlock()
		return fmt.Errorf("task: shutdown grace %v elapsed with %d jobs still running", grace, stuck)
	}
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("task: job %q not found", id)
	}

	select {
	case <-j.done:
		return r.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}
