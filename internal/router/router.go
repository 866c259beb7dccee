package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
)

// registration bundles one provider with the router-owned state that
// tracks it: circuit breaker, rate limiter, rolling stats, and the order it
// was registered in (used as the final selection tie-breaker).
type registration struct {
	provider Provider
	breaker  *CircuitBreaker
	limiter  *RateLimiter
	stats    *Stats
	order    int
}

// Router is the Model Router (spec §4.2): the process's single shared
// dispatch layer across every concurrent build (spec §5 "The Model Router
// is shared across all builds").
type Router struct {
	log         corelib.Logger
	retryConfig RetryConfig

	mu    sync.RWMutex
	regs  map[string]*registration
	order int

	onCallMu sync.RWMutex
	onCall   func(CallRecord)
}

// CallRecord is what the router hands to its completion callback after
// every attempted provider call (spec §4.5 "router completion callbacks"):
// enough for the Metrics & Audit Collector to tally cost/tokens/latency
// without reaching into router internals.
type CallRecord struct {
	Provider      string
	Role          Capability
	Success       bool
	LatencyMS     int64
	TotalTokens   int
	Cost          float64
	CorrelationID string
	Err           error
}

// New builds an empty router. Call Register for each enabled provider
// (including the built-in demo provider) before routing tasks.
func New(log corelib.ComponentLogger) *Router {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &Router{
		log:         log.WithComponent("router"),
		retryConfig: DefaultRetryConfig(),
		regs:        make(map[string]*registration),
	}
}

// OnCall registers fn to be invoked after every attempted provider call,
// success or failure (spec §4.5 "Metrics & Audit Collector ... Listens to
// ... router completion callbacks"). Only one callback is supported; a
// second call to OnCall replaces the first. fn must not block.
func (r *Router) OnCall(fn func(CallRecord)) {
	r.onCallMu.Lock()
	defer r.onCallMu.Unlock()
	r.onCall = fn
}

func (r *Router) notifyCall(rec CallRecord) {
	r.onCallMu.RLock()
	fn := r.onCall
	r.onCallMu.RUnlock()
	if fn != nil {
		fn(rec)
	}
}

// Register adds a provider to the pool with its own breaker/limiter/stats.
func (r *Router) Register(p Provider, rl RateLimiterConfig, cb CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[p.Name()] = &registration{
		provider: p,
		breaker:  NewCircuitBreaker(p.Name(), cb, r.log),
		limiter:  NewRateLimiter(rl),
		stats:    NewStats(p.BaseLatencyMS()),
		order:    r.order,
	}
	r.order++
}

// Providers returns the names of every registered provider, in registration order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.regs[names[i]].order < r.regs[names[j]].order })
	return names
}

// candidatesFor implements spec §4.2 selection steps 1-2: collect providers
// advertising role, excluding any whose circuit breaker is not yet eligible
// (Open with its sleep window still running) and excluding any name in
// exclude. An Open breaker past its sleep window stays a candidate so that
// callWithRetry's Allow() call gets to run and flip it to Half-Open (spec
// §4.2) - filtering on the raw cached State() here would exclude a tripped
// provider forever, since Allow() is the only thing that ever performs that
// transition and candidatesFor is what decides whether Allow() gets called.
func (r *Router) candidatesFor(role Capability, exclude map[string]bool) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*registration
	for name, reg := range r.regs {
		if exclude[name] {
			continue
		}
		if !HasCapability(reg.provider, role) {
			continue
		}
		if !reg.breaker.Eligible() {
			continue
		}
		out = append(out, reg)
	}
	return out
}

// pickProvider runs the weighted-selection formula over the eligible
// candidates (spec §4.2 steps 3-4).
func (r *Router) pickProvider(candidates []*registration, complexity Complexity) (*registration, bool) {
	weighted := make([]weightedCandidate, 0, len(candidates))
	for _, reg := range candidates {
		weighted = append(weighted, weightedCandidate{
			provider: reg.provider,
			order:    reg.order,
			weight:   computeWeight(reg.provider, reg.stats, complexity),
		})
	}
	best, ok := selectBest(weighted)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regs[best.provider.Name()], true
}

// RouteTask implements the full call contract (spec §4.2): circuit-breaker
// filtering, weighted selection, per-call retry with backoff, rate-limit
// handling, and fallback to the next-best provider on exhaustion.
func (r *Router) RouteTask(ctx context.Context, task Task) (Response, error) {
	return r.routeTaskExcluding(ctx, task, nil)
}

// RouteTaskExcluding routes task as RouteTask does, but never considers a
// provider whose name is in exclude. Used to resolve the "useAlternativeModel"
// retry path: the caller already tried these providers and wants a genuinely
// different one (SPEC_FULL §4.2).
func (r *Router) RouteTaskExcluding(ctx context.Context, task Task, exclude []string) (Response, error) {
	excl := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excl[name] = true
	}
	return r.routeTaskExcluding(ctx, task, excl)
}

func (r *Router) routeTaskExcluding(ctx context.Context, task Task, excl map[string]bool) (Response, error) {
	tried := make(map[string]bool, len(excl))
	for k := range excl {
		tried[k] = true
	}
	var attempts []AttemptRecord

	for {
		candidates := r.candidatesFor(task.Role, tried)
		reg, ok := r.pickProvider(candidates, task.Complexity)
		if !ok {
			return Response{Success: false, Err: corelib.ErrFallbackExhausted}, r.fallbackExhausted(attempts)
		}

		resp, err := r.callWithRetry(ctx, reg, task)
		if err == nil {
			return resp, nil
		}
		attempts = append(attempts, AttemptRecord{Provider: reg.provider.Name(), Model: resp.Model, Err: err})

		tried[reg.provider.Name()] = true
		if corelib.IsFastFail(err) || !task.FallbackAllowed {
			return resp, err
		}
		// fall through: try the next-best remaining provider
	}
}

func (r *Router) fallbackExhausted(attempts []AttemptRecord) error {
	if len(attempts) == 0 {
		return corelib.ErrFallbackExhausted
	}
	msgs := make([]string, 0, len(attempts))
	for _, a := range attempts {
		msgs = append(msgs, fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err))
	}
	return fmt.Errorf("%w: %v", corelib.ErrFallbackExhausted, msgs)
}

// callWithRetry runs one provider's retry loop (spec §4.2 call contract):
// fast-fail errors return immediately; retryable errors back off and retry
// up to MaxRetries; 429s deplete the provider's reservoir.
func (r *Router) callWithRetry(ctx context.Context, reg *registration, task Task) (Response, error) {
	var lastErr error
	var lastResp Response

	for attempt := 1; attempt <= r.retryConfig.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{Success: false, Err: corelib.ErrCancelled}, corelib.ErrCancelled
		}

		if wait := reg.limiter.NextSlotIn(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{Success: false, Err: corelib.ErrCancelled}, corelib.ErrCancelled
			case <-timer.C:
			}
		}

		if !reg.breaker.Allow() {
			return Response{Success: false, Err: corelib.ErrCircuitOpen}, corelib.ErrCircuitOpen
		}

		start := time.Now()
		resp, err := reg.provider.Complete(ctx, task)
		latency := time.Since(start).Milliseconds()
		reg.limiter.MarkCalled()

		if err == nil {
			reg.breaker.RecordResult(true)
			reg.limiter.MarkSuccess()
			reg.stats.RecordCall(true, latency, resp.TotalTokens, resp.Cost)
			resp.Success = true
			resp.LatencyMS = latency
			r.notifyCall(CallRecord{
				Provider: reg.provider.Name(), Role: task.Role, Success: true,
				LatencyMS: latency, TotalTokens: resp.TotalTokens, Cost: resp.Cost,
				CorrelationID: task.CorrelationID,
			})
			return resp, nil
		}

		reg.breaker.RecordResult(false)
		reg.stats.RecordCall(false, latency, resp.TotalTokens, resp.Cost)
		r.notifyCall(CallRecord{
			Provider: reg.provider.Name(), Role: task.Role, Success: false,
			LatencyMS: latency, TotalTokens: resp.TotalTokens, Cost: resp.Cost,
			CorrelationID: task.CorrelationID, Err: err,
		})
		lastErr, lastResp = err, resp

		if errors.Is(err, corelib.ErrRateLimited) {
			reg.stats.RecordRateLimitHit()
			reg.limiter.MarkRateLimited(retryAfterFromTask(task))
		}
		if reg.breaker.State() == StateOpen {
			reg.stats.RecordCircuitTrip()
		}

		if corelib.IsFastFail(err) {
			return lastResp, err
		}
		if attempt > r.retryConfig.MaxRetries {
			break
		}

		delay := backoffDelay(r.retryConfig, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{Success: false, Err: corelib.ErrCancelled}, corelib.ErrCancelled
		case <-timer.C:
		}
	}

	return lastResp, lastErr
}

// retryAfterFromTask is a hook point: task context may carry a provider's
// Retry-After hint; absent one, the limiter defaults to 60s (spec §4.2).
func retryAfterFromTask(task Task) time.Duration {
	if task.Context == nil {
		return 0
	}
	if v, ok := task.Context["retryAfterMS"].(int); ok {
		return time.Duration(v) * time.Millisecond
	}
	return 0
}
