package resilience

import "time"

// Defaults for calls into the extraction service. The backoff range matches
// the rate limiter's consecutive-failure tracker so a retried submit never
// waits less than the limiter already imposes.
const (
	DefaultSubmitAttempts = 5
	DefaultBackoffMin     = 100 * time.Millisecond
	DefaultBackoffMax     = 60 * time.Second
)

// Config is the retry and breaker policy of one Executor.
type Config struct {
	// RetryMaxAttempts bounds the attempts of a single Execute call.
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	// BreakerEnabled puts every operation name behind its own breaker, so a
	// 503 storm on polls does not block submits and the other way round.
	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// DefaultConfig is the policy for extraction submits and polls.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    DefaultSubmitAttempts,
		RetryInitialBackoff: DefaultBackoffMin,
		RetryMaxBackoff:     DefaultBackoffMax,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// ExtractionConfig derives the extraction policy from the deployment's
// SUBMIT_MAX_ATTEMPTS, BACKOFF_MIN, BACKOFF_MAX and BREAKER_ENABLED values.
func ExtractionConfig(attempts int, backoffMin, backoffMax time.Duration, breaker bool) Config {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = attempts
	cfg.RetryInitialBackoff = backoffMin
	cfg.RetryMaxBackoff = backoffMax
	cfg.BreakerEnabled = breaker
	return cfg.normalize()
}

// StoreWriteConfig is the policy for job record writes that settle a job.
// It has no breaker: a write that keeps failing must surface to the caller
// rather than be short-circuited for unrelated jobs.
func StoreWriteConfig(attempts int, backoff time.Duration) Config {
	return Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: backoff,
		RetryMaxBackoff:     10 * backoff,
		RetryMultiplier:     2.0,
	}.normalize()
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	return out
}
