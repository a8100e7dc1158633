// Package config holds the typed YAML configuration for ingestion sources.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ResilienceConfig is the per-source resilience policy as written in YAML.
// Durations are expressed in seconds (fractional values allowed) to keep the
// file free of Go-specific duration syntax.
type ResilienceConfig struct {
	FailureThreshold      int     `yaml:"failure_threshold"`
	SuccessThreshold      int     `yaml:"success_threshold"`
	OpenTimeoutSeconds    float64 `yaml:"open_timeout_seconds"`
	MaxAttempts           int     `yaml:"max_attempts"`
	InitialDelaySeconds   float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds       float64 `yaml:"max_delay_seconds"`
	Multiplier            float64 `yaml:"multiplier"`
	JitterFraction        float64 `yaml:"jitter_fraction"`
	ConcurrencyLimit      int     `yaml:"concurrency_limit"`
	AttemptTimeoutSeconds float64 `yaml:"attempt_timeout_seconds"`
}

// OpenTimeout returns the breaker open timeout as a duration.
func (r ResilienceConfig) OpenTimeout() time.Duration { return seconds(r.OpenTimeoutSeconds) }

// InitialDelay returns the first backoff delay as a duration.
func (r ResilienceConfig) InitialDelay() time.Duration { return seconds(r.InitialDelaySeconds) }

// MaxDelay returns the backoff cap as a duration.
func (r ResilienceConfig) MaxDelay() time.Duration { return seconds(r.MaxDelaySeconds) }

// AttemptTimeout returns the per-attempt timeout as a duration.
func (r ResilienceConfig) AttemptTimeout() time.Duration { return seconds(r.AttemptTimeoutSeconds) }

// SourceConfig describes one polled music source.
type SourceConfig struct {
	// Name is the logical source name; it keys the poll cursor, so renaming
	// a source resets its ingestion position.
	Name string `yaml:"name"`

	// BaseURL is the provider API endpoint.
	BaseURL string `yaml:"base_url"`

	// TokenEnv names the environment variable holding the provider token.
	// The token itself never appears in the file.
	TokenEnv string `yaml:"token_env"`

	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
	DedupWindowSeconds  float64 `yaml:"dedup_window_seconds"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`

	Resilience ResilienceConfig `yaml:"resilience"`
}

// PollInterval returns the poll interval as a duration.
func (s SourceConfig) PollInterval() time.Duration { return seconds(s.PollIntervalSeconds) }

// DedupWindow returns the dedup window as a duration.
func (s SourceConfig) DedupWindow() time.Duration { return seconds(s.DedupWindowSeconds) }

// Token resolves the provider token from the environment. Empty when
// TokenEnv is unset or the variable is empty.
func (s SourceConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// SourcesConfig is the root of the sources YAML file.
type SourcesConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// DefaultResilience returns the policy applied to sources that omit the
// resilience block.
func DefaultResilience() ResilienceConfig {
	return ResilienceConfig{
		FailureThreshold:      5,
		SuccessThreshold:      3,
		OpenTimeoutSeconds:    60,
		MaxAttempts:           3,
		InitialDelaySeconds:   1,
		MaxDelaySeconds:       30,
		Multiplier:            2.0,
		JitterFraction:        0.1,
		ConcurrencyLimit:      1,
		AttemptTimeoutSeconds: 10,
	}
}

// LoadSources reads and validates the sources file. Unknown YAML keys are
// rejected so a typo cannot silently disable a setting.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sources config: %w", err)
	}

	var cfg SourcesConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse sources config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sources config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the whole file, applying defaults for omitted resilience
// blocks before validating them.
func (c *SourcesConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			return fmt.Errorf("source %d: name cannot be empty", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("source %q: duplicate name", s.Name)
		}
		seen[s.Name] = true

		if s.BaseURL == "" {
			return fmt.Errorf("source %q: base_url cannot be empty", s.Name)
		}
		if s.PollIntervalSeconds <= 0 {
			return fmt.Errorf("source %q: poll_interval_seconds must be positive", s.Name)
		}
		if s.DedupWindowSeconds <= 0 {
			return fmt.Errorf("source %q: dedup_window_seconds must be positive", s.Name)
		}
		if s.RequestsPerSecond < 0 {
			return fmt.Errorf("source %q: requests_per_second cannot be negative", s.Name)
		}

		if s.Resilience == (ResilienceConfig{}) {
			s.Resilience = DefaultResilience()
		}
		r := s.Resilience
		if r.FailureThreshold < 1 {
			return fmt.Errorf("source %q: failure_threshold must be >= 1", s.Name)
		}
		if r.SuccessThreshold < 1 {
			return fmt.Errorf("source %q: success_threshold must be >= 1", s.Name)
		}
		if r.OpenTimeoutSeconds <= 0 {
			return fmt.Errorf("source %q: open_timeout_seconds must be positive", s.Name)
		}
		if r.MaxAttempts < 1 {
			return fmt.Errorf("source %q: max_attempts must be >= 1", s.Name)
		}
		if r.InitialDelaySeconds <= 0 {
			return fmt.Errorf("source %q: initial_delay_seconds must be positive", s.Name)
		}
		if r.MaxDelaySeconds < r.InitialDelaySeconds {
			return fmt.Errorf("source %q: max_delay_seconds is below initial_delay_seconds", s.Name)
		}
		if r.Multiplier <= 1 {
			return fmt.Errorf("source %q: multiplier must be > 1", s.Name)
		}
		if r.JitterFraction < 0 || r.JitterFraction > 1 {
			return fmt.Errorf("source %q: jitter_fraction must be in [0,1]", s.Name)
		}
		if r.ConcurrencyLimit < 1 {
			return fmt.Errorf("source %q: concurrency_limit must be >= 1", s.Name)
		}
		if r.AttemptTimeoutSeconds < 0 {
			return fmt.Errorf("source %q: attempt_timeout_seconds cannot be negative", s.Name)
		}
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
