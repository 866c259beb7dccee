package router

import "sort"

// complexityFactor biases weight toward higher-capability (here: higher
// declared reliability) providers for harder tasks (spec §4.2).
func complexityFactor(p Provider, c Complexity) float64 {
	switch c {
	case ComplexityHigh:
		return 0.5 + p.ReliabilityScore()
	case ComplexityMedium:
		return 1.0
	default:
		return 1.0
	}
}

// weightedCandidate pairs a provider with its registration order (for
// tie-breaking) and computed weight.
type weightedCandidate struct {
	provider Provider
	order    int
	weight   float64
}

// computeWeight implements spec §4.2's selection formula:
//
//	w = reliability * (baseLatency / observedLatency) * (baseCost / costPerToken) * complexityFactor
//
// reliability blends the provider's static declared score with its observed
// success rate once calls have been made. baseCost is taken from the
// provider's own CostPerToken, so the cost ratio is always 1 and cost does
// not change the weight; cost only breaks ties in selectBest.
func computeWeight(p Provider, stats *Stats, complexity Complexity) float64 {
	reliability := p.ReliabilityScore()
	snap := stats.Snapshot()
	if total := snap.SuccessCount + snap.FailureCount; total > 0 {
		observed := float64(snap.SuccessCount) / float64(total)
		reliability = 0.5*reliability + 0.5*observed
	}

	baseLatency := float64(p.BaseLatencyMS())
	if baseLatency <= 0 {
		baseLatency = 1
	}
	observedLatency := stats.ObservedLatencyMS()

	baseCost := p.CostPerToken()
	costPerToken := p.CostPerToken()
	if costPerToken <= 0 {
		costPerToken = 1
		baseCost = 1
	}

	w := reliability * (baseLatency / observedLatency) * (baseCost / costPerToken)
	w *= complexityFactor(p, complexity)
	if w < 0 {
		w = 0
	}
	return w
}

// selectBest picks the maximum-weight candidate; ties broken by lower cost,
// then by registration order (spec §4.2 step 4).
func selectBest(candidates []weightedCandidate) (weightedCandidate, bool) {
	if len(candidates) == 0 {
		return weightedCandidate{}, false
	}
	sorted := append([]weightedCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].weight != sorted[j].weight {
			return sorted[i].weight > sorted[j].weight
		}
		ci, cj := sorted[i].provider.CostPerToken(), sorted[j].provider.CostPerToken()
		if ci != cj {
			return ci < cj
		}
		return sorted[i].order < sorted[j].order
	})
	return sorted[0], true
}
