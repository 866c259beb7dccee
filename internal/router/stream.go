package router

import (
	"context"
	"errors"

	"github.com/apex-build/buildforge/internal/corelib"
)

// StreamChunk is one element of a streamed response (spec §4.2 "lazy
// sequence of {contentChunk, tokensSoFar, done}").
type StreamChunk struct {
	Content    string
	TokensSoFar int
	Done       bool
	Final      *Response // set only on the terminal chunk
	Err        error      // set on a mid-stream failure
}

// StreamTask picks a provider with the same selection as RouteTask and
// streams content chunks to onChunk as they arrive (spec §4.2). It makes a
// single attempt with that provider: there is no retry and no fallback to
// another provider, before or during the stream. On failure it emits one
// terminal error chunk and returns the error; a fresh StreamTask call is
// required to try again.
func (r *Router) StreamTask(ctx context.Context, task Task, onChunk func(StreamChunk)) error {
	candidates := r.candidatesFor(task.Role, nil)
	reg, ok := r.pickProvider(candidates, task.Complexity)
	if !ok {
		return corelib.ErrFallbackExhausted
	}

	if !reg.breaker.Allow() {
		return corelib.ErrCircuitOpen
	}

	tokensSoFar := 0
	resp, err := reg.provider.StreamComplete(ctx, task, func(chunk string) {
		tokensSoFar++
		onChunk(StreamChunk{Content: chunk, TokensSoFar: tokensSoFar})
	})

	reg.breaker.RecordResult(err == nil)
	if err != nil {
		onChunk(StreamChunk{Done: true, Err: err})
		if errors.Is(err, corelib.ErrRateLimited) {
			reg.stats.RecordRateLimitHit()
			reg.limiter.MarkRateLimited(0)
		}
		return err
	}

	resp.Success = true
	onChunk(StreamChunk{Done: true, Final: &resp})
	return nil
}
