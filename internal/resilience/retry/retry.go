// Package retry provides bounded-attempt retry with exponential backoff. The
// executor consults a circuit breaker before every attempt and reports every
// outcome to it, so repeated provider failures trip the breaker instead of
// burning retry budget against a known-bad target.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"playlog/internal/pkg/clock"
	"playlog/internal/resilience/breaker"
)

// Config holds the configuration for retry logic. Construct once per service
// and validate eagerly; the executor assumes a valid config.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier. Must be > 1.
	Multiplier float64

	// JitterFraction is the fraction of each delay added as random jitter
	// (0.0 to 1.0). Zero disables jitter, which tests rely on for exact
	// delay sequences.
	JitterFraction float64

	// Retryable classifies errors. Nil means IsRetryable.
	Retryable func(error) bool
}

// Validate checks the configuration, rejecting invalid values eagerly.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry config: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("retry config: initial delay must be positive, got %v", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("retry config: max delay %v is below initial delay %v", c.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier <= 1 {
		return fmt.Errorf("retry config: backoff multiplier must be > 1, got %v", c.Multiplier)
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("retry config: jitter fraction must be in [0,1], got %v", c.JitterFraction)
	}
	return nil
}

// DefaultConfig returns a moderate retry configuration suitable for most
// provider calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Delay returns the backoff delay after the given zero-based attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay), before jitter.
func (c Config) Delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt)))
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// Execute runs op with bounded retries, consulting brk before every attempt.
//
// Per attempt:
//  1. brk.Allow() — ErrCircuitOpen propagates immediately without consuming
//     an attempt or sleeping.
//  2. op(ctx) — on success brk.RecordSuccess() and return.
//  3. On failure brk.RecordFailure(). A non-retryable error propagates
//     immediately; the last attempt's error propagates wrapped; otherwise the
//     executor sleeps the exponential backoff (context-aware) and loops.
func Execute(ctx context.Context, clk clock.Clock, cfg Config, brk *breaker.Breaker, op func(context.Context) error) error {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := brk.Allow(); err != nil {
			// Fail fast: the breaker is isolating the service. Not a new
			// failure and not a consumed attempt.
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			brk.RecordSuccess()
			if attempt > 0 {
				slog.Info("operation succeeded after retry",
					slog.Int("attempt", attempt+1))
			}
			return nil
		}
		brk.RecordFailure()

		if !retryable(lastErr) {
			slog.Warn("non-retryable error, aborting",
				slog.Int("attempt", attempt+1),
				slog.Any("error", lastErr))
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := addJitter(cfg.Delay(attempt), cfg.JitterFraction)
		slog.Warn("operation failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		if err := clk.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// TransientError marks an error as retryable regardless of its underlying
// type. Per-attempt timeouts are wrapped this way so they count as transient
// failures instead of terminal context errors.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an error as non-retryable regardless of its underlying
// type (validation failures, malformed requests).
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable determines if an error is worth retrying. Explicit
// Transient/Permanent markers win; otherwise network timeouts, connection
// errors and 5xx-equivalent HTTP statuses are retryable, while context
// cancellation and 4xx-equivalent statuses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	// Context errors mean the caller gave up; not retryable.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 && httpErr.StatusCode < 600 {
			return true
		}
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if httpErr.StatusCode == http.StatusRequestTimeout {
			return true
		}
	}

	return false
}

// addJitter adds random jitter to a duration to prevent thundering herd.
func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	// #nosec G404 -- math/rand is acceptable for backoff jitter.
	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	return duration + jitter
}
