package router

import (
	"sync"
	"time"
)

// ewmaAlpha is the smoothing factor for rolling provider stats (spec §4.2
// "exponentially-weighted moving average (α = 0.1)").
const ewmaAlpha = 0.1

// Stats is one provider's rolling performance snapshot, read by the weight
// calculation and updated after every completed call.
type Stats struct {
	mu sync.RWMutex

	observedLatencyMS float64
	successCount      int64
	failureCount      int64
	totalTokens       int64
	totalCost         float64
	rateLimitHits     int64
	circuitTrips      int64
	hasObservation    bool
}

// NewStats seeds a provider's rolling stats from its declared baseline
// latency, so the first weight computation isn't skewed toward zero.
func NewStats(baselineLatencyMS int64) *Stats {
	return &Stats{observedLatencyMS: float64(baselineLatencyMS)}
}

// RecordCall folds one completed call's outcome into the rolling averages.
func (s *Stats) RecordCall(success bool, latencyMS int64, tokens int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasObservation {
		s.observedLatencyMS = ewmaAlpha*float64(latencyMS) + (1-ewmaAlpha)*s.observedLatencyMS
	} else {
		s.observedLatencyMS = float64(latencyMS)
		s.hasObservation = true
	}

	if success {
		s.successCount++
	} else {
		s.failureCount++
	}
	s.totalTokens += int64(tokens)
	s.totalCost += cost
}

// RecordRateLimitHit counts a 429 against the provider's audit ledger.
func (s *Stats) RecordRateLimitHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitHits++
}

// RecordCircuitTrip counts a breaker Open transition.
func (s *Stats) RecordCircuitTrip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitTrips++
}

// ObservedLatencyMS returns the current EWMA latency estimate.
func (s *Stats) ObservedLatencyMS() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.observedLatencyMS <= 0 {
		return 1
	}
	return s.observedLatencyMS
}

// Snapshot is an immutable point-in-time copy for reporting/metrics export.
type Snapshot struct {
	ObservedLatencyMS float64
	SuccessCount      int64
	FailureCount      int64
	TotalTokens       int64
	TotalCost         float64
	RateLimitHits     int64
	CircuitTrips      int64
	CapturedAt        time.Time
}

// Snapshot returns a read-only copy of the current stats.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ObservedLatencyMS: s.observedLatencyMS,
		SuccessCount:      s.successCount,
		FailureCount:      s.failureCount,
		TotalTokens:       s.totalTokens,
		TotalCost:         s.totalCost,
		RateLimitHits:     s.rateLimitHits,
		CircuitTrips:      s.circuitTrips,
		CapturedAt:        time.Now(),
	}
}
