package ingest

import (
	"context"

	"playlog/internal/domain/entity"
	"playlog/internal/resilience/call"
)

// Provider fetches the current "now playing" observation from an external
// music service. Implementations live under internal/infra/provider.
type Provider interface {
	// FetchCurrent returns the track currently playing, or (nil, nil) when
	// nothing is playing. The nil event must not be treated as an error: an
	// idle player touches neither the cursor nor the dedup state.
	FetchCurrent(ctx context.Context) (*entity.PlayEvent, error)
}

// resilientProvider wraps a Provider with a service's resilience stack.
type resilientProvider struct {
	caller *call.Caller
	inner  Provider
}

// WithResilience decorates p so every fetch runs through the service's
// limiter, circuit breaker and retry policy.
func WithResilience(c *call.Caller, p Provider) Provider {
	return &resilientProvider{caller: c, inner: p}
}

func (r *resilientProvider) FetchCurrent(ctx context.Context) (*entity.PlayEvent, error) {
	var event *entity.PlayEvent
	err := r.caller.Execute(ctx, func(ctx context.Context) error {
		var err error
		event, err = r.inner.FetchCurrent(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}
