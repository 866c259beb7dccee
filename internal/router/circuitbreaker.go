package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
)

// CircuitState mirrors the closed/open/half-open alphabet (spec §4.2).
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures the per-provider breaker (spec §4.2
// defaults: 3 consecutive failures to open, 60s sleep window, doubling on
// repeated half-open failure).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SleepWindow      time.Duration
	MaxSleepWindow   time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SleepWindow:      60 * time.Second,
		MaxSleepWindow:   10 * time.Minute,
	}
}

// CircuitBreaker is a single provider's consecutive-failure breaker. Closed
// allows all calls; N consecutive failures opens it for SleepWindow, after
// which one half-open probe is allowed; its success closes the breaker and
// resets the window, its failure re-opens with a doubled (capped) window
// (spec §4.2).
type CircuitBreaker struct {
	name   string
	log    corelib.Logger
	config CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	consecutiveFails int
	openedAt       time.Time
	currentSleep   time.Duration
	halfOpenInUse  atomic.Bool
}

// NewCircuitBreaker builds a breaker for one named provider.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, log corelib.Logger) *CircuitBreaker {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &CircuitBreaker{
		name:         name,
		log:          log,
		config:       config,
		currentSleep: config.SleepWindow,
	}
}

// Allow reports whether a call may proceed, and if so whether it is the
// single half-open probe (callers must report its result via RecordResult).
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.currentSleep {
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenInUse.Store(false)
		cb.log.Info("circuit breaker entering half-open", map[string]interface{}{"provider": cb.name})
		fallthrough
	case StateHalfOpen:
		return cb.halfOpenInUse.CompareAndSwap(false, true)
	default:
		return false
	}
}

// RecordResult reports the outcome of a call that Allow() admitted.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInUse.Store(false)
		if success {
			cb.state = StateClosed
			cb.consecutiveFails = 0
			cb.currentSleep = cb.config.SleepWindow
			cb.log.Info("circuit breaker closed after successful probe", map[string]interface{}{"provider": cb.name})
		} else {
			cb.openCircuitLocked(true)
		}
	case StateClosed:
		if success {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.openCircuitLocked(false)
		}
	}
}

func (cb *CircuitBreaker) openCircuitLocked(doubled bool) {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	if doubled {
		cb.currentSleep *= 2
		if cb.currentSleep > cb.config.MaxSleepWindow {
			cb.currentSleep = cb.config.MaxSleepWindow
		}
	}
	cb.log.Warn("circuit breaker opened", map[string]interface{}{
		"provider":     cb.name,
		"sleep_window": cb.currentSleep.String(),
	})
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Eligible reports whether the breaker permits the provider to even be
// considered a candidate (spec §4.2 selection step 2), without consuming
// the single half-open probe slot or mutating state the way Allow() does.
// Closed and Half-Open are always eligible; Open is eligible once its sleep
// window has elapsed, so the provider keeps surfacing as a candidate and
// Allow() (the sole gate that flips Open -> Half-Open) gets a chance to run
// again instead of the provider being excluded from candidatesFor forever
// (spec §4.2 "after which it enters Half-Open: the next call is allowed").
func (cb *CircuitBreaker) Eligible() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) < cb.currentSleep {
		return false
	}
	return true
}

// ConsecutiveFailures returns the live consecutive-failure count, used by
// selection filtering (spec §4.2 step 2 "recent consecutive-failure count
// ≥ threshold").
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}
