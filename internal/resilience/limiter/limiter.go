// Package limiter bounds in-flight concurrency per external service using a
// weighted semaphore. Each service gets its own limiter so a slow provider
// cannot starve the others.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrent calls to one service.
type Limiter struct {
	service string
	limit   int64
	sem     *semaphore.Weighted
}

// New creates a limiter admitting at most limit concurrent calls.
func New(service string, limit int) (*Limiter, error) {
	if service == "" {
		return nil, fmt.Errorf("limiter: service name cannot be empty")
	}
	if limit < 1 {
		return nil, fmt.Errorf("limiter: concurrency limit must be >= 1, got %d", limit)
	}
	return &Limiter{
		service: service,
		limit:   int64(limit),
		sem:     semaphore.NewWeighted(int64(limit)),
	}, nil
}

// Acquire blocks until a slot is free or ctx is done. On success it returns a
// release function that is safe to call more than once; exactly one call
// returns the slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("limiter %s: acquire: %w", l.service, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}, nil
}

// TryAcquire acquires a slot without blocking. The release function is nil
// when no slot is available.
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}, true
}

// Limit returns the configured concurrency limit.
func (l *Limiter) Limit() int { return int(l.limit) }

// Service returns the service name this limiter guards.
func (l *Limiter) Service() string { return l.service }
