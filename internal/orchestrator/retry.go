package orchestrator

import (
	"math/rand"
	"time"
)

// stageRetryBase/stageRetryCeiling implement spec §4.3 step 4: "wait backoff
// = base x 2^(attempt-1) + jitter (base 500 ms)" - the same exponential
// shape the Model Router uses for its own per-call retries (spec §4.2),
// grounded on itsneelabh-gomind's WorkflowEngine.calculateBackoff.
const (
	stageRetryBase    = 500 * time.Millisecond
	stageRetryCeiling = 30 * time.Second
)

// stageBackoffDelay returns the wait before retry attempt n (1-indexed: the
// delay before the 2nd attempt is stageBackoffDelay(1)), jittered +/-20% and
// capped at stageRetryCeiling.
func stageBackoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 16 {
		shift = 16 // guards against overflow for pathological MaxRetries values
	}
	d := stageRetryBase * time.Duration(uint64(1)<<uint(shift))
	if d > stageRetryCeiling || d <= 0 {
		d = stageRetryCeiling
	}
	jitter := (rand.Float64()*0.4 - 0.2) * float64(d)
	d += time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}
