package auditmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/orchestrator"
	"github.com/apex-build/buildforge/internal/router"
)

func newTestCollector(t *testing.T, thresholds AlertThresholds) *Collector {
	t.Helper()
	return New(corelib.NoOpLogger{}, thresholds, nil, nil)
}

func TestCollectorTracksBuildLifecycle(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())
	now := time.Now()

	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventPipelineUpdate, PipelineID: "b1", Message: "build started", Status: "RUNNING", Timestamp: now})
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventPipelineComplete, PipelineID: "b1", Status: "COMPLETED", Timestamp: now.Add(time.Minute)})

	entry, ok := c.BuildLedger("b1")
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", entry.Status)
	assert.False(t, entry.StartedAt.IsZero())
	assert.False(t, entry.CompletedAt.IsZero())

	stats := c.GetStats(TimeRange{}, Filters{})
	assert.EqualValues(t, 1, stats.TotalBuilds)
	assert.EqualValues(t, 1, stats.SuccessfulBuilds)
	assert.EqualValues(t, 0, stats.FailedBuilds)
}

func TestCollectorStageLatencyRollup(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())
	start := time.Now()

	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, PipelineID: "b1", Stage: "generate_code", Status: string(model.StageRunning), Timestamp: start})
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, PipelineID: "b1", Stage: "generate_code", Status: string(model.StageDone), Timestamp: start.Add(250 * time.Millisecond)})

	stats := c.GetStats(TimeRange{}, Filters{})
	sl := stats.Stages["generate_code"]
	require.NotNil(t, sl)
	assert.EqualValues(t, 1, sl.Executions)
	assert.EqualValues(t, 1, sl.Successful)
	assert.InDelta(t, 250, sl.AverageMS, 20)
}

func TestCollectorStageFailureCounted(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())
	start := time.Now()

	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, PipelineID: "b1", Stage: "run_tests", Status: string(model.StageRunning), Timestamp: start})
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, PipelineID: "b1", Stage: "run_tests", Status: string(model.StageError), Timestamp: start.Add(time.Second)})

	stats := c.GetStats(TimeRange{}, Filters{})
	sl := stats.Stages["run_tests"]
	require.NotNil(t, sl)
	assert.EqualValues(t, 1, sl.Failed)
	assert.EqualValues(t, 0, sl.Successful)
}

func TestCollectorObserveProviderCallAttributesToBuild(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())
	now := time.Now()
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventPipelineUpdate, PipelineID: "b1", Message: "build started", Timestamp: now})

	c.ObserveProviderCall(router.CallRecord{
		Provider: "demo", Role: router.CapCoder, Success: true,
		LatencyMS: 120, TotalTokens: 500, Cost: 0.02, CorrelationID: "b1/generate_code",
	})

	entry, ok := c.BuildLedger("b1")
	require.True(t, ok)
	assert.EqualValues(t, 500, entry.TotalTokens)
	assert.InDelta(t, 0.02, entry.TotalCostUSD, 1e-9)

	stats := c.GetStats(TimeRange{}, Filters{Provider: "demo"})
	ps := stats.Providers["demo"]
	require.NotNil(t, ps)
	assert.EqualValues(t, 1, ps.Calls)
	assert.EqualValues(t, 1, ps.Successes)
	assert.EqualValues(t, 500, ps.TotalTokens)
}

func TestCollectorRateLimitAndCircuitTripCounted(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())

	c.ObserveProviderCall(router.CallRecord{Provider: "anthropic", Success: false, Err: corelib.ErrRateLimited})
	c.ObserveProviderCall(router.CallRecord{Provider: "anthropic", Success: false, Err: corelib.ErrCircuitOpen})

	stats := c.GetStats(TimeRange{}, Filters{Provider: "anthropic"})
	ps := stats.Providers["anthropic"]
	require.NotNil(t, ps)
	assert.EqualValues(t, 1, ps.RateLimitHits)
	assert.EqualValues(t, 1, ps.CircuitTrips)
}

func TestCollectorFailureRateAlertFires(t *testing.T) {
	c := newTestCollector(t, AlertThresholds{FailureRateWindow: time.Hour, FailureRateThreshold: 0.4, DailyCostThresholdUSD: 1_000_000})
	now := time.Now()

	for i := 0; i < 3; i++ {
		c.Publish("f"+string(rune('0'+i)), orchestrator.Event{Type: orchestrator.EventPipelineError, Status: "FAILED", Timestamp: now})
	}
	c.Publish("s1", orchestrator.Event{Type: orchestrator.EventPipelineComplete, Status: "COMPLETED", Timestamp: now})

	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Kind)
}

func TestCollectorDailyCostAlertFires(t *testing.T) {
	c := newTestCollector(t, AlertThresholds{FailureRateWindow: time.Hour, FailureRateThreshold: 1, DailyCostThresholdUSD: 1})
	now := time.Now()
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventPipelineUpdate, Message: "build started", Timestamp: now})
	c.ObserveProviderCall(router.CallRecord{Provider: "bedrock", Success: true, Cost: 5, CorrelationID: "b1/deploy"})
	c.Publish("b1", orchestrator.Event{Type: orchestrator.EventPipelineComplete, Status: "COMPLETED", Timestamp: now})

	alerts := c.Alerts()
	require.NotEmpty(t, alerts)
	found := false
	for _, a := range alerts {
		if a.Kind == AlertDailyCost {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCollectorGetStatsFiltersByTimeRange(t *testing.T) {
	c := newTestCollector(t, DefaultAlertThresholds())
	old := time.Now().AddDate(0, 0, -10)
	c.Publish("old", orchestrator.Event{Type: orchestrator.EventPipelineComplete, Status: "COMPLETED", Timestamp: old})

	stats := c.GetStats(TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)}, Filters{})
	assert.EqualValues(t, 0, stats.TotalBuilds)
}
