// Package clock provides a time abstraction so that breaker timing, retry
// backoff, and poll scheduling can be tested deterministically with a fake
// clock instead of real wall-clock sleeps.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts the time operations used by the resilience and ingestion
// components. Production code uses SystemClock; tests inject a Fake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep suspends the caller for the given duration, returning early with
	// the context error if the context is cancelled first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is a Clock implementation backed by the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done, whichever comes first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a deterministic Clock for tests. Sleep never blocks: it advances
// the fake time by the requested duration and records the request, so tests
// can assert on the exact backoff sequence.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep records the requested duration and advances the fake time by it.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps returns a copy of all durations passed to Sleep, in order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
