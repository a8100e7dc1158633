// Package config provides reusable configuration loading and validation
// helpers. Loaders implement a fail-open strategy: an invalid environment
// value falls back to the supplied default with a warning instead of refusing
// to start, so a typo in one variable cannot take the worker down.
package config

import (
	"fmt"
	"os"
	"time"
)

// ConfigLoadResult is the outcome of loading one configuration value. Value
// holds the effective value (the default when a fallback was applied),
// Warnings describes each fallback, and FallbackApplied flags that the
// environment value was rejected.
type ConfigLoadResult struct {
	Value           interface{}
	Warnings        []string
	FallbackApplied bool
}

// LoadEnvString returns the environment value or the default when unset.
// No validation is applied; use LoadEnvWithFallback when one is needed.
func LoadEnvString(envKey, defaultValue string) string {
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}
	return value
}

// LoadEnvWithFallback loads a string from the environment, validates it with
// validator (nil skips validation), and falls back to the default with a
// warning when validation fails. An unset variable uses the default silently.
func LoadEnvWithFallback(envKey, defaultValue string, validator func(string) error) ConfigLoadResult {
	value := os.Getenv(envKey)
	if value == "" {
		return ConfigLoadResult{Value: defaultValue}
	}

	if validator != nil {
		if err := validator(value); err != nil {
			warning := fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%s'",
				envKey, value, err, defaultValue)
			return ConfigLoadResult{
				Value:           defaultValue,
				Warnings:        []string{warning},
				FallbackApplied: true,
			}
		}
	}

	return ConfigLoadResult{Value: value}
}

// LoadEnvDuration loads a Go duration string (e.g. "30s", "5m") from the
// environment with parse and validation fallback.
func LoadEnvDuration(envKey string, defaultValue time.Duration, validator func(time.Duration) error) ConfigLoadResult {
	valueStr := os.Getenv(envKey)
	if valueStr == "" {
		return ConfigLoadResult{Value: defaultValue}
	}

	parsed, err := time.ParseDuration(valueStr)
	if err != nil {
		warning := fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%v'",
			envKey, valueStr, err, defaultValue)
		return ConfigLoadResult{
			Value:           defaultValue,
			Warnings:        []string{warning},
			FallbackApplied: true,
		}
	}

	if validator != nil {
		if err := validator(parsed); err != nil {
			warning := fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%v'",
				envKey, valueStr, err, defaultValue)
			return ConfigLoadResult{
				Value:           defaultValue,
				Warnings:        []string{warning},
				FallbackApplied: true,
			}
		}
	}

	return ConfigLoadResult{Value: parsed}
}

// LoadEnvInt loads an integer from the environment with parse and validation
// fallback.
func LoadEnvInt(envKey string, defaultValue int, validator func(int) error) ConfigLoadResult {
	valueStr := os.Getenv(envKey)
	if valueStr == "" {
		return ConfigLoadResult{Value: defaultValue}
	}

	var parsed int
	if _, err := fmt.Sscanf(valueStr, "%d", &parsed); err != nil {
		warning := fmt.Sprintf("Invalid %s='%s': invalid integer format, falling back to default '%d'",
			envKey, valueStr, defaultValue)
		return ConfigLoadResult{
			Value:           defaultValue,
			Warnings:        []string{warning},
			FallbackApplied: true,
		}
	}

	if validator != nil {
		if err := validator(parsed); err != nil {
			warning := fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%d'",
				envKey, valueStr, err, defaultValue)
			return ConfigLoadResult{
				Value:           defaultValue,
				Warnings:        []string{warning},
				FallbackApplied: true,
			}
		}
	}

	return ConfigLoadResult{Value: parsed}
}
