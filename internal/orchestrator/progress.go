package orchestrator

import "time"

// progressThrottle enforces the "emitted at most once per second" rule
// (spec §4.3 "Progress computation") for pipeline_update events.
type progressThrottle struct {
	last time.Time
}

// allow reports whether enough time has elapsed since the last emission, and
// if so records now as the new baseline. force bypasses the throttle for
// terminal transitions, which must always be reported.
func (t *progressThrottle) allow(now time.Time, force bool) bool {
	if force || t.last.IsZero() || now.Sub(t.last) >= time.Second {
		t.last = now
		return true
	}
	return false
}

// computeProgress implements spec §4.3's deterministic formula:
// completedStages/totalStages*100, with partial credit for the one stage
// currently in flight when it supports multiple sub-events.
func computeProgress(totalStages, completedStages int, activeCompletedEvents, activeTotalEvents int) float64 {
	if totalStages == 0 {
		return 100
	}
	stageWeight := 100 / float64(totalStages)
	progress := float64(completedStages) * stageWeight
	if activeTotalEvents > 0 {
		progress += (float64(activeCompletedEvents) / float64(activeTotalEvents)) * stageWeight
	}
	if progress > 100 {
		progress = 100
	}
	return progress
}
