package eventstream

import "github.com/apex-build/buildforge/internal/orchestrator"

// FanOut publishes every event to multiple orchestrator.EventSink
// collaborators, so the orchestrator can be constructed with exactly one
// sink while both the Fabric (live push channel) and the Metrics & Audit
// Collector (spec §4.5 "listens to the same event stream") observe every
// event.
type FanOut struct {
	sinks []orchestrator.EventSink
}

// NewFanOut builds a FanOut over sinks, in publish order.
func NewFanOut(sinks ...orchestrator.EventSink) *FanOut {
	return &FanOut{sinks: sinks}
}

var _ orchestrator.EventSink = (*FanOut)(nil)

// Publish implements orchestrator.EventSink by forwarding to every wrapped
// sink. Never blocks on any one sink longer than that sink's own Publish
// does (Fabric.Publish and Collector.Publish are both non-blocking).
func (f *FanOut) Publish(buildID string, ev orchestrator.Event) {
	for _, s := range f.sinks {
		s.Publish(buildID, ev)
	}
}
