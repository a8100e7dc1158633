package call

import (
	"fmt"
	"sort"
	"sync"

	"playlog/internal/resilience/breaker"
)

// Registry owns the per-service resilience state. All components share one
// Registry instance injected at startup instead of reaching for globals, so
// tests can build isolated registries with fake clocks.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]*Caller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]*Caller)}
}

// Configure registers a service. Configuring the same service twice is an
// error; resilience state (breaker counters, in-flight slots) must not be
// silently discarded mid-run.
func (r *Registry) Configure(cfg Config) error {
	caller, err := NewCaller(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callers[cfg.Service]; ok {
		return fmt.Errorf("registry: service %q already configured", cfg.Service)
	}
	r.callers[cfg.Service] = caller
	return nil
}

// Caller returns the caller for a configured service.
func (r *Registry) Caller(service string) (*Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.callers[service]
	if !ok {
		return nil, fmt.Errorf("registry: service %q not configured", service)
	}
	return c, nil
}

// Services returns the configured service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.callers))
	for name := range r.callers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BreakerStatuses returns a snapshot of every breaker, sorted by service.
// Exposed on the status endpoint for operators.
func (r *Registry) BreakerStatuses() []breaker.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]breaker.Status, 0, len(r.callers))
	for _, c := range r.callers {
		out = append(out, c.BreakerStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
