package router

import "context"

// Provider is the interface every LLM backend implements (spec §3, §4.2).
// Capability/weight-based selection is the only way a Provider gets chosen
// for a role — there is no role-to-provider logic baked into Provider
// implementations themselves.
type Provider interface {
	// Name is the provider's unique registry id, e.g. "anthropic", "demo".
	Name() string

	// Capabilities lists the roles this provider may serve.
	Capabilities() []Capability

	// Complete performs one non-streaming call.
	Complete(ctx context.Context, task Task) (Response, error)

	// StreamComplete performs one streaming call, invoking onChunk for each
	// content delta. The final Response carries full accounting metadata.
	StreamComplete(ctx context.Context, task Task, onChunk func(chunk string)) (Response, error)

	// CostPerToken is the provider's declared blended cost per token,
	// used in weight computation.
	CostPerToken() float64

	// BaseLatencyMS is the provider's declared typical latency, used as the
	// numerator in the weight formula's latency term.
	BaseLatencyMS() int64

	// MaxTokens is the provider's declared output ceiling.
	MaxTokens() int

	// ReliabilityScore is a static declared baseline in [0,1]; observed
	// performance further adjusts weight via accounting stats.
	ReliabilityScore() float64
}

// HasCapability reports whether p advertises role.
func HasCapability(p Provider, role Capability) bool {
	for _, c := range p.Capabilities() {
		if c == role {
			return true
		}
	}
	return false
}
