package router

import (
	"math/rand"
	"time"
)

// RetryConfig configures per-call retry/backoff (spec §4.2 "exponential
// backoff (base × 2^attempt + jitter ±20%, capped at ceiling)").
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Ceiling    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Base:       500 * time.Millisecond,
		Ceiling:    30 * time.Second,
	}
}

// backoffDelay returns the delay before the given retry attempt (1-indexed:
// attempt 1 is the delay before the first retry, i.e. after the first
// failure), with +/-20% jitter, capped at cfg.Ceiling.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.Base * time.Duration(1<<uint(attempt-1))
	if d > cfg.Ceiling {
		d = cfg.Ceiling
	}
	jitter := (rand.Float64()*0.4 - 0.2) * float64(d)
	d += time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}
