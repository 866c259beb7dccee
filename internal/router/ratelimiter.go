package router

import (
	"sync"
	"time"
)

// RateLimiterConfig is one provider's reservoir shape (spec §4.2).
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimiter serializes calls to a single provider through a minimum
// inter-request delay derived from its reservoir (spec §4.2: "minimum
// inter-request delay = windowMs / maxRequests"). Consecutive 429s tighten
// the delay up to a cap; a successful call after tightening lets it relax
// back toward the configured baseline.
type RateLimiter struct {
	mu           sync.Mutex
	baseDelay    time.Duration
	currentDelay time.Duration
	maxDelay     time.Duration
	lastCall     time.Time
	depletedAt   time.Time
	retryAfter   time.Duration
}

// NewRateLimiter builds a limiter from a {maxRequests, window} reservoir.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	delay := time.Duration(0)
	if cfg.MaxRequests > 0 {
		delay = cfg.Window / time.Duration(cfg.MaxRequests)
	}
	return &RateLimiter{
		baseDelay:    delay,
		currentDelay: delay,
		maxDelay:     2 * time.Minute,
	}
}

// NextSlotIn reports how long until the provider's next slot is available,
// honoring a depleted reservoir's retry-after if one is in effect; zero means
// a call may go now. It does not block: callers sleep for the returned
// duration themselves and can race that sleep against ctx.Done().
func (rl *RateLimiter) NextSlotIn() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if !rl.depletedAt.IsZero() {
		readyAt := rl.depletedAt.Add(rl.retryAfter)
		if now.Before(readyAt) {
			return readyAt.Sub(now)
		}
		rl.depletedAt = time.Time{}
	}

	if rl.lastCall.IsZero() {
		return 0
	}
	nextAt := rl.lastCall.Add(rl.currentDelay)
	if now.Before(nextAt) {
		return nextAt.Sub(now)
	}
	return 0
}

// MarkCalled records that a call slot was just consumed.
func (rl *RateLimiter) MarkCalled() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.lastCall = time.Now()
}

// MarkRateLimited deplets the reservoir: retryAfter from a 429 header if
// present (zero means "use the 60s default"), and tightens currentDelay
// (spec §4.2: "Consecutive rate-limit errors tighten the scheduler's
// min-time (up to a cap)").
func (rl *RateLimiter) MarkRateLimited(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}
	rl.depletedAt = time.Now()
	rl.retryAfter = retryAfter

	tightened := rl.currentDelay * 2
	if tightened == 0 {
		tightened = 100 * time.Millisecond
	}
	if tightened > rl.maxDelay {
		tightened = rl.maxDelay
	}
	rl.currentDelay = tightened
}

// MarkSuccess relaxes currentDelay back toward the configured baseline.
func (rl *RateLimiter) MarkSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.currentDelay > rl.baseDelay {
		rl.currentDelay = rl.baseDelay
	}
}
