// Package provider implements ingest.Provider against external music-service
// HTTP APIs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"playlog/internal/domain/entity"
	"playlog/internal/resilience/retry"
)

const maxResponseBody = 1 << 20 // 1 MiB

// NowPlayingConfig configures a now-playing HTTP client.
type NowPlayingConfig struct {
	// Source is the logical source name stamped onto emitted events.
	Source string

	// BaseURL is the provider endpoint, e.g. "https://api.example.com".
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// RequestsPerSecond rate-limits outbound requests client-side so a tight
	// poll interval cannot trip the provider's quota. Zero disables limiting.
	RequestsPerSecond float64

	// HTTPClient overrides the default client; nil gets a 10s-timeout client.
	HTTPClient *http.Client
}

// Validate checks the configuration eagerly.
func (c NowPlayingConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("provider config: source cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("provider config %s: base URL cannot be empty", c.Source)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("provider config %s: requests per second cannot be negative", c.Source)
	}
	return nil
}

// NowPlayingClient fetches the currently playing track from a provider's
// now-playing endpoint. It implements ingest.Provider.
type NowPlayingClient struct {
	cfg     NowPlayingConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewNowPlayingClient creates a client from a validated config.
func NewNowPlayingClient(cfg NowPlayingConfig) (*NowPlayingClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &NowPlayingClient{cfg: cfg, client: client, limiter: limiter}, nil
}

// nowPlayingResponse is the provider's wire format.
type nowPlayingResponse struct {
	Playing  bool      `json:"playing"`
	Artist   string    `json:"artist"`
	Title    string    `json:"title"`
	Album    string    `json:"album"`
	PlayedAt time.Time `json:"played_at"`
	Ref      string    `json:"ref"`
}

// FetchCurrent returns the track currently playing, or (nil, nil) when the
// player is idle. HTTP failures are mapped to retry.HTTPError so the retry
// policy can tell transient provider trouble from permanent request errors.
func (c *NowPlayingClient) FetchCurrent(ctx context.Context) (*entity.PlayEvent, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("provider %s: rate limit wait: %w", c.cfg.Source, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/now-playing", nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("provider %s: build request: %w", c.cfg.Source, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("provider %s: request failed: %w", c.cfg.Source, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var payload nowPlayingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&payload); err != nil {
		return nil, retry.Transient(fmt.Errorf("provider %s: decode response: %w", c.cfg.Source, err))
	}
	if !payload.Playing {
		return nil, nil
	}

	observedAt := payload.PlayedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	return &entity.PlayEvent{
		Source:      c.cfg.Source,
		Artist:      payload.Artist,
		Title:       payload.Title,
		Album:       payload.Album,
		ObservedAt:  observedAt,
		ExternalRef: payload.Ref,
	}, nil
}
