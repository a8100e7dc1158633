// Package call composes the resilience primitives into a single entry point
// for outbound provider calls: a concurrency limiter around breaker-aware
// retries, with a timeout applied to each individual attempt.
package call

import (
	"context"
	"fmt"
	"time"

	"playlog/internal/observability/metrics"
	"playlog/internal/pkg/clock"
	"playlog/internal/resilience/breaker"
	"playlog/internal/resilience/limiter"
	"playlog/internal/resilience/retry"
)

// Config holds the per-service resilience settings.
type Config struct {
	// Service identifies the external service. Used as the key in the
	// Registry and as the label on logs and metrics.
	Service string

	// Breaker configures the circuit breaker thresholds. Service and Clock
	// are filled in from this Config.
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration

	// Retry configures the backoff policy.
	Retry retry.Config

	// ConcurrencyLimit caps in-flight calls to the service. Must be >= 1.
	ConcurrencyLimit int

	// AttemptTimeout bounds each individual attempt. Zero disables the
	// per-attempt deadline.
	AttemptTimeout time.Duration

	// Clock is injected into the breaker and the retry backoff. Nil means
	// the system clock.
	Clock clock.Clock
}

// Validate checks the configuration eagerly.
func (c Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("call config: service name cannot be empty")
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("call config %s: concurrency limit must be >= 1, got %d", c.Service, c.ConcurrencyLimit)
	}
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("call config %s: attempt timeout cannot be negative", c.Service)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("call config %s: %w", c.Service, err)
	}
	bc := breaker.Config{
		Service:          c.Service,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OpenTimeout:      c.OpenTimeout,
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("call config %s: %w", c.Service, err)
	}
	return nil
}

// Caller executes operations against one service with the full resilience
// stack applied. Safe for concurrent use.
type Caller struct {
	service        string
	brk            *breaker.Breaker
	lim            *limiter.Limiter
	retryCfg       retry.Config
	attemptTimeout time.Duration
	clk            clock.Clock
}

// NewCaller builds a Caller from a validated Config.
func NewCaller(cfg Config) (*Caller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	brk, err := breaker.New(breaker.Config{
		Service:          cfg.Service,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout,
		Clock:            clk,
		OnStateChange: func(service string, _, to breaker.State) {
			metrics.SetBreakerState(service, int(to))
		},
	})
	if err != nil {
		return nil, err
	}

	lim, err := limiter.New(cfg.Service, cfg.ConcurrencyLimit)
	if err != nil {
		return nil, err
	}

	return &Caller{
		service:        cfg.Service,
		brk:            brk,
		lim:            lim,
		retryCfg:       cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		clk:            clk,
	}, nil
}

// Execute runs op through the limiter, the breaker and the retry policy.
// Ordering: the limiter slot is held across all retry attempts so a flapping
// service cannot multiply its own load, and each attempt runs under its own
// timeout. An attempt that exceeds its timeout while the parent context is
// still alive counts as a transient failure and is retried.
func (c *Caller) Execute(ctx context.Context, op func(context.Context) error) error {
	release, err := c.lim.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	start := c.clk.Now()
	err = retry.Execute(ctx, c.clk, c.retryCfg, c.brk, func(ctx context.Context) error {
		metrics.RecordRetryAttempt(c.service)
		return c.attempt(ctx, op)
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveCallDuration(c.service, outcome, c.clk.Now().Sub(start))
	return err
}

func (c *Caller) attempt(ctx context.Context, op func(context.Context) error) error {
	if c.attemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	err := op(attemptCtx)
	if err == nil {
		return nil
	}
	// The attempt deadline expiring is a slow-service symptom, retryable as
	// long as the caller itself has not given up.
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return retry.Transient(fmt.Errorf("%s: attempt timed out after %v: %w", c.service, c.attemptTimeout, err))
	}
	return err
}

// BreakerStatus returns an observable snapshot of the service's breaker.
func (c *Caller) BreakerStatus() breaker.Status { return c.brk.Status() }

// ResetBreaker forces the breaker back to CLOSED. Administrative use only.
func (c *Caller) ResetBreaker() { c.brk.Reset() }

// Service returns the service name this caller targets.
func (c *Caller) Service() string { return c.service }
