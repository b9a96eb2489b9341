package errors

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures redelivery of batches after transient failures.
type RetryConfig struct {
	// MaxRetries is the number of redeliveries after the initial attempt.
	// A batch is sent at most MaxRetries+1 times.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps any single delay, including server-provided ones.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 25 * time.Millisecond,
	MaxBackoff:     1 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxRetries: 0,
}

// Allows reports whether a batch that has already been attempted attempt
// times may be sent again.
func (cfg RetryConfig) Allows(attempt int) bool {
	return attempt <= cfg.MaxRetries
}

// Retryable reports whether err should be retried under this configuration.
func (cfg RetryConfig) Retryable(err error) bool {
	if cfg.RetryableFunc != nil {
		return cfg.RetryableFunc(err)
	}
	return IsRetryable(err)
}

// Delay returns the wait before retry number attempt (1-based).
// The delay grows by BackoffFactor per attempt, is capped at MaxBackoff, and
// has jitter applied last.
func (cfg RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return calculateBackoff(time.Duration(backoff), cfg.Jitter)
}

// Clamp bounds a server-provided delay by MaxBackoff.
func (cfg RetryConfig) Clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}

	// Calculate jitter: base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets the number of redeliveries after the first attempt.
func WithMaxRetries(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.InitialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxBackoff = d
	}
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
