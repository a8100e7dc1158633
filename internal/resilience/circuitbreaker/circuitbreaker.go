// Package circuitbreaker guards the persistence layer with a
// gobreaker-backed circuit breaker. The provider-facing breaker lives in
// internal/resilience/breaker; this one protects database calls, where a
// ratio-based trip over a rolling window fits better than consecutive-failure
// counting.
package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds the configuration for a storage circuit breaker.
type Config struct {
	// Name is the circuit breaker name for logging.
	Name string

	// MaxRequests is the maximum number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state to clear counts.
	Interval time.Duration

	// Timeout is how long to wait in open state before trying again.
	Timeout time.Duration

	// FailureThreshold is the failure ratio that trips the circuit.
	FailureThreshold float64

	// MinRequests is the minimum number of requests before the ratio applies.
	MinRequests uint32
}

// StorageConfig returns the configuration used for the listening store:
// trips after 5 consecutive failures, retries after 30 seconds.
func StorageConfig() Config {
	return Config{
		Name:             "listening-store",
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 1.0,
		MinRequests:      5,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with logging on transitions.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("storage circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &CircuitBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    cfg.Name,
	}
}

// Execute runs fn through the circuit breaker. If the circuit is open it
// returns gobreaker.ErrOpenState without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.breaker.Execute(fn)
}

// State returns the current gobreaker state.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether the circuit is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}
