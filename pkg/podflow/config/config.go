// Package config provides configuration for the pod execution pipeline.
//
// Raw configuration is a map with typed accessors that fall back to
// defaults on missing or mistyped keys. Settings projects the map onto
// the knobs the pipeline actually reads.
package config

import (
	"time"
)

// Config wraps a map[string]any for type-safe value extraction.
// All accessor methods return default values if the key is missing
// or the value cannot be converted to the requested type.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string value for key, or defaultVal if missing or not a string.
func (c Config) String(key, defaultVal string) string {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	if s, ok := v.(string); ok {
		return s
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal if missing or not convertible.
func (c Config) Float(key string, defaultVal float64) float64 {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
// Strings are parsed with time.ParseDuration; numbers are seconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// Settings holds the resolved pipeline configuration.
type Settings struct {
	// EncryptionKeyHex is the hex-encoded 32-byte AES key for credential
	// encryption.
	EncryptionKeyHex string

	// MarkupMultiplier scales actual cost into the user charge.
	MarkupMultiplier float64

	// CreditUSD is the USD value of one credit.
	CreditUSD float64

	// WorkerPoolDepth bounds concurrently running queued executions.
	WorkerPoolDepth int

	// ProviderTimeout caps non-streaming provider calls. Generous to
	// accommodate slow reasoning models; streaming calls rely on the
	// transport's idle timeout instead.
	ProviderTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// (workspace, provider) circuit.
	BreakerThreshold int

	// BreakerCooldown is how long an open circuit rejects calls after the
	// last recorded failure.
	BreakerCooldown time.Duration

	// HistoryLimit is the default number of past executions folded into
	// rolling conversation history.
	HistoryLimit int
}

// Defaults returns the standard settings.
func Defaults() Settings {
	return Settings{
		MarkupMultiplier: 1.0,
		CreditUSD:        0.0001,
		WorkerPoolDepth:  10,
		ProviderTimeout:  180 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
		HistoryLimit:     20,
	}
}

// Resolve projects a raw Config onto Settings, applying defaults for
// anything unset.
func Resolve(c Config) Settings {
	d := Defaults()
	return Settings{
		EncryptionKeyHex: c.String("encryption_key", d.EncryptionKeyHex),
		MarkupMultiplier: c.Float("markup_multiplier", d.MarkupMultiplier),
		CreditUSD:        c.Float("credit_usd", d.CreditUSD),
		WorkerPoolDepth:  c.Int("worker_pool_depth", d.WorkerPoolDepth),
		ProviderTimeout:  c.Duration("provider_timeout", d.ProviderTimeout),
		BreakerThreshold: c.Int("breaker_threshold", d.BreakerThreshold),
		BreakerCooldown:  c.Duration("breaker_cooldown", d.BreakerCooldown),
		HistoryLimit:     c.Int("history_limit", d.HistoryLimit),
	}
}
