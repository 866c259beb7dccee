package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/corelib"
)

// scriptedProvider returns a fixed sequence of results, one per call, then
// repeats the last entry; used to drive the router through specific retry
// and fallback paths deterministically.
type scriptedProvider struct {
	name  string
	caps  []Capability
	calls int
	results []error
	cost, latency float64
}

func (s *scriptedProvider) Name() string                  { return s.name }
func (s *scriptedProvider) Capabilities() []Capability    { return s.caps }
func (s *scriptedProvider) CostPerToken() float64         { return 0.001 }
func (s *scriptedProvider) BaseLatencyMS() int64          { return 100 }
func (s *scriptedProvider) MaxTokens() int                { return 4096 }
func (s *scriptedProvider) ReliabilityScore() float64     { return 0.9 }

func (s *scriptedProvider) Complete(ctx context.Context, task Task) (Response, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	err := s.results[idx]
	if err != nil {
		return Response{Provider: s.name, Model: "scripted"}, err
	}
	return Response{Content: "ok", Provider: s.name, Model: "scripted", TotalTokens: 10}, nil
}

func (s *scriptedProvider) StreamComplete(ctx context.Context, task Task, onChunk func(string)) (Response, error) {
	resp, err := s.Complete(ctx, task)
	if err == nil {
		onChunk(resp.Content)
	}
	return resp, err
}

func fastConfig() (RateLimiterConfig, CircuitBreakerConfig) {
	return RateLimiterConfig{MaxRequests: 1000, Window: time.Second},
		CircuitBreakerConfig{FailureThreshold: 3, SleepWindow: 20 * time.Millisecond, MaxSleepWindow: time.Second}
}

func TestRouteTaskSucceedsOnFirstTry(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	r.Register(&scriptedProvider{name: "p1", caps: []Capability{CapCoder}, results: []error{nil}}, rl, cb)

	resp, err := r.RouteTask(context.Background(), Task{Role: CapCoder, Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "p1", resp.Provider)
}

func TestRouteTaskRetriesRetryableErrorThenSucceeds(t *testing.T) {
	r := New(nil)
	r.retryConfig = RetryConfig{MaxRetries: 2, Base: 5 * time.Millisecond, Ceiling: 20 * time.Millisecond}
	rl, cb := fastConfig()
	p := &scriptedProvider{name: "p1", caps: []Capability{CapCoder}, results: []error{corelib.ErrServerError, nil}}
	r.Register(p, rl, cb)

	resp, err := r.RouteTask(context.Background(), Task{Role: CapCoder, Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, p.calls)
}

func TestRouteTaskFastFailsWithoutRetry(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	p := &scriptedProvider{name: "p1", caps: []Capability{CapCoder}, results: []error{corelib.ErrAuthentication}}
	r.Register(p, rl, cb)

	_, err := r.RouteTask(context.Background(), Task{Role: CapCoder, Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, corelib.ErrAuthentication))
	assert.Equal(t, 1, p.calls, "fast-fail errors must not be retried")
}

func TestRouteTaskFallsBackToNextProviderOnExhaustion(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	cb.FailureThreshold = 1
	noRetry := DefaultRetryConfig()
	noRetry.MaxRetries = 0
	r.retryConfig = noRetry

	failing := &scriptedProvider{name: "flaky", caps: []Capability{CapCoder}, results: []error{corelib.ErrServerError}}
	healthy := &scriptedProvider{name: "steady", caps: []Capability{CapCoder}, results: []error{nil}}
	// "flaky" registers first (order 0), so it wins the tie-break and is tried first
	r.Register(failing, rl, cb)
	r.Register(healthy, rl, cb)

	resp, err := r.RouteTask(context.Background(), Task{Role: CapCoder, Prompt: "hi", FallbackAllowed: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "steady", resp.Provider)
}

func TestRouteTaskReturnsFallbackExhaustedWhenAllProvidersFail(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	cb.FailureThreshold = 5
	r.Register(&scriptedProvider{name: "p1", caps: []Capability{CapCoder}, results: []error{corelib.ErrServerError}}, rl, cb)

	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 0
	r.retryConfig = cfg

	_, err := r.RouteTask(context.Background(), Task{Role: CapCoder, Prompt: "hi", FallbackAllowed: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, corelib.ErrFallbackExhausted))
}

func TestRouteTaskExcludingNeverPicksExcludedProvider(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	r.Register(&scriptedProvider{name: "p1", caps: []Capability{CapCoder}, results: []error{nil}}, rl, cb)
	r.Register(&scriptedProvider{name: "p2", caps: []Capability{CapCoder}, results: []error{nil}}, rl, cb)

	resp, err := r.RouteTaskExcluding(context.Background(), Task{Role: CapCoder, Prompt: "hi"}, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.Provider)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 3, SleepWindow: 50 * time.Millisecond, MaxSleepWindow: time.Second}, nil)
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.True(t, cb.Allow())
		cb.RecordResult(false)
	}
	assert.Equal(t, StateClosed, cb.State(), "below threshold, still closed")

	assert.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open breaker rejects immediately")
}

func TestCircuitBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, MaxSleepWindow: time.Second}, nil)
	cb.Allow()
	cb.RecordResult(false)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow(), "sleep window elapsed, half-open probe allowed")
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordResult(true)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
}

func TestCircuitBreakerHalfOpenProbeReopensAndDoublesSleepOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, MaxSleepWindow: time.Second}, nil)
	cb.Allow()
	cb.RecordResult(false)
	time.Sleep(15 * time.Millisecond)
	cb.Allow()
	cb.RecordResult(false)

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 20*time.Millisecond, cb.currentSleep)
}

func TestCircuitBreakerHalfOpenAllowsOnlyOneProbeAtATime(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, SleepWindow: 5 * time.Millisecond, MaxSleepWindow: time.Second}, nil)
	cb.Allow()
	cb.RecordResult(false)
	time.Sleep(10 * time.Millisecond)

	assert.True(t, cb.Allow(), "first probe admitted")
	assert.False(t, cb.Allow(), "second concurrent probe rejected")
}

func TestBackoffDelayGrowsExponentiallyAndRespectsCeiling(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, Base: 100 * time.Millisecond, Ceiling: 350 * time.Millisecond}

	d1 := backoffDelay(cfg, 1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(30*time.Millisecond))

	d4 := backoffDelay(cfg, 4)
	assert.LessOrEqual(t, d4, cfg.Ceiling+time.Duration(float64(cfg.Ceiling)*0.2))
}

func TestRateLimiterEnforcesMinimumSpacing(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 2, Window: 100 * time.Millisecond})
	assert.Equal(t, time.Duration(0), rl.NextSlotIn(), "first call has no prior spacing constraint")
	rl.MarkCalled()
	assert.Greater(t, rl.NextSlotIn(), time.Duration(0))
}

func TestRateLimiterTightensOnRateLimitAndRelaxesOnSuccess(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 10, Window: time.Second})
	base := rl.currentDelay

	rl.MarkRateLimited(0)
	assert.Greater(t, rl.currentDelay, base)

	tightened := rl.currentDelay
	rl.MarkSuccess()
	assert.Less(t, rl.currentDelay, tightened)
}

func TestSelectBestFavorsLowerCostOnTie(t *testing.T) {
	cheap := &DemoProvider{}
	candidates := []weightedCandidate{
		{provider: cheap, order: 0, weight: 1.0},
		{provider: &scriptedProvider{name: "expensive", caps: []Capability{CapCoder}}, order: 1, weight: 1.0},
	}
	best, ok := selectBest(candidates)
	require.True(t, ok)
	assert.Equal(t, "demo", best.provider.Name(), "equal weight ties break toward lower cost")
}

func TestSelectBestBreaksTiesByRegistrationOrder(t *testing.T) {
	candidates := []weightedCandidate{
		{provider: &scriptedProvider{name: "second", caps: []Capability{CapCoder}}, order: 1, weight: 1.0},
		{provider: &scriptedProvider{name: "first", caps: []Capability{CapCoder}}, order: 0, weight: 1.0},
	}
	best, ok := selectBest(candidates)
	require.True(t, ok)
	assert.Equal(t, "first", best.provider.Name())
}

func TestResolveRoleMatchesByKeyword(t *testing.T) {
	role, err := ResolveRole("generate-file-contents")
	require.NoError(t, err)
	assert.Equal(t, CapCoder, role)

	role, err = ResolveRole("run unit tests")
	require.NoError(t, err)
	assert.Equal(t, CapTester, role)
}

func TestResolveRoleReturnsErrorWhenNoKeywordMatches(t *testing.T) {
	_, err := ResolveRole("xyzzy")
	assert.Error(t, err)
}

func TestRoleAssignerEnforcesConcurrencyCap(t *testing.T) {
	r := New(nil)
	rl, cb := fastConfig()
	r.Register(NewDemoProvider(), rl, cb)

	a := NewRoleAssigner(r, map[Capability]int{CapCoder: 1})
	assert.True(t, a.acquire(CapCoder))
	assert.False(t, a.acquire(CapCoder), "second acquire must be rejected at the cap")
	a.release(CapCoder)
	assert.True(t, a.acquire(CapCoder), "slot freed after release")
}

func TestStatsEWMABlendsTowardNewObservations(t *testing.T) {
	s := NewStats(1000)
	s.RecordCall(true, 2000, 10, 0.01)
	// first real observation overwrites the seeded baseline directly
	assert.Equal(t, float64(2000), s.ObservedLatencyMS())

	s.RecordCall(true, 1000, 10, 0.01)
	assert.Less(t, s.ObservedLatencyMS(), 2000.0)
	assert.Greater(t, s.ObservedLatencyMS(), 1000.0)
}
