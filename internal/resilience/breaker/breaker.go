// Package breaker implements the provider-facing circuit breaker: a
// CLOSED/OPEN/HALF_OPEN state machine that fails calls fast while an external
// service is known to be unavailable.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playlog/internal/pkg/clock"
)

// ErrCircuitOpen is returned by Allow when the breaker is isolating its
// service. It is a consequence of prior failures, not a new one, and callers
// must never feed it back into RecordFailure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current state of the circuit breaker.
type State int

const (
	// StateClosed indicates normal operation: all requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the service is isolated after repeated failures.
	// Requests fail fast until the open timeout elapses.
	StateOpen

	// StateHalfOpen indicates recovery probing: a single trial request at a
	// time is allowed through to test whether the service has recovered.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the configuration for a circuit breaker.
// All values are validated eagerly by New; there are no lazy defaults.
type Config struct {
	// Service is the service name, used for logging and status reporting.
	Service string

	// FailureThreshold is the number of consecutive failures in CLOSED state
	// required to open the circuit. Must be >= 1.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in HALF_OPEN
	// state required to close the circuit. Must be >= 1.
	SuccessThreshold int

	// OpenTimeout is how long the circuit stays OPEN before a trial request
	// is allowed through. Must be positive.
	OpenTimeout time.Duration

	// Clock provides time abstraction for deterministic tests.
	Clock clock.Clock

	// OnStateChange, if set, is invoked (under no lock) after every state
	// transition. Used to export breaker state to metrics.
	OnStateChange func(service string, from, to State)
}

// Validate checks the configuration, rejecting invalid values eagerly.
func (c Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("breaker config: service name cannot be empty")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker config: failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker config: success threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("breaker config: open timeout must be positive, got %v", c.OpenTimeout)
	}
	return nil
}

// Status is an observable snapshot of the breaker for health reporting.
type Status struct {
	Service             string
	State               State
	ConsecutiveFailures int
	OpenedAt            *time.Time
}

// Breaker is a per-service circuit breaker. It is safe for concurrent use.
//
// State machine:
//   - CLOSED: Allow always permits. FailureThreshold consecutive failures
//     transition to OPEN.
//   - OPEN: Allow fails fast with ErrCircuitOpen until OpenTimeout has
//     elapsed since the circuit opened, then transitions to HALF_OPEN and
//     admits exactly one trial request; concurrent callers keep failing fast
//     while that trial is in flight.
//   - HALF_OPEN: a single failure reopens the circuit and resets the open
//     timer; SuccessThreshold consecutive successes close it and reset both
//     counters.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	trialInFlight        bool
}

// New creates a circuit breaker in the CLOSED state.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	return &Breaker{cfg: cfg, state: StateClosed}, nil
}

// Allow reports whether a request may proceed. It returns nil when the call
// is permitted and ErrCircuitOpen when the service is isolated. Allow never
// performs I/O and never counts as a failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		// Open timeout elapsed: this caller becomes the single trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil

	default:
		b.mu.Unlock()
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
		b.mu.Unlock()

	case StateHalfOpen:
		b.trialInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.openedAt = time.Time{}
			b.mu.Unlock()
			b.notify(StateHalfOpen, StateClosed)
			return
		}
		b.mu.Unlock()

	default:
		// Late success after the circuit reopened: ignored.
		b.mu.Unlock()
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.cfg.Clock.Now()
			b.consecutiveSuccesses = 0
			failures := b.consecutiveFailures
			b.mu.Unlock()
			b.notify(StateClosed, StateOpen)
			slog.Warn("circuit breaker opened",
				slog.String("service", b.cfg.Service),
				slog.Int("consecutive_failures", failures),
				slog.Duration("open_timeout", b.cfg.OpenTimeout))
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		// Trial failed: reopen immediately and reset the open timer.
		b.trialInFlight = false
		b.state = StateOpen
		b.openedAt = b.cfg.Clock.Now()
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		b.mu.Unlock()
		b.notify(StateHalfOpen, StateOpen)
		slog.Warn("circuit breaker trial failed, reopening",
			slog.String("service", b.cfg.Service),
			slog.Duration("open_timeout", b.cfg.OpenTimeout))

	default:
		// Late failure while already OPEN: counted, but the timer is not
		// reset (only a failed HALF_OPEN trial restarts it).
		b.consecutiveFailures++
		b.mu.Unlock()
	}
}

// Status returns an observable snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Service:             b.cfg.Service,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		st.OpenedAt = &at
	}
	return st
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED with cleared counters. This is an
// explicit administrative operation, never invoked by the call path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
	slog.Info("circuit breaker reset", slog.String("service", b.cfg.Service))
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Service, from, to)
	}
	slog.Info("circuit breaker state changed",
		slog.String("service", b.cfg.Service),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
