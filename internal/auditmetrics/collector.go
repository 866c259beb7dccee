// Package auditmetrics implements the Metrics & Audit Collector (spec
// §4.5): rolling counters per day/build/provider, simple threshold alerts,
// and a getStats(timeRange, filters) query surface for an external
// dashboard. It listens to the same Event Stream Fabric events the
// orchestrator publishes (via orchestrator.EventSink) plus router
// completion callbacks (router.Router.OnCall), exactly the two feeds spec
// §4.5 names.
//
// Grounded on the teacher's orchestration/workflow_metrics.go rolling
// counter shape (WorkflowMetrics/StepMetrics -> DayStats/StageLatency) and
// resilience/metrics_otel.go's OTel instrument wiring.
package auditmetrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/orchestrator"
	"github.com/apex-build/buildforge/internal/router"
)

// AlertThresholds configures the two alert rules spec §4.5 names
// ("failure rate over a configurable window exceeds threshold; daily cost
// exceeds threshold").
type AlertThresholds struct {
	FailureRateWindow     time.Duration
	FailureRateThreshold  float64 // fraction in [0,1]
	DailyCostThresholdUSD float64
}

// DefaultAlertThresholds mirrors the defaults corelib.Load applies to the
// failure-rate window, failure-rate threshold and daily cost threshold.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		FailureRateWindow:     15 * time.Minute,
		FailureRateThreshold:  0.5,
		DailyCostThresholdUSD: 100,
	}
}

// StageLatency is the rolling per-stage counter set (spec §4.5 "per-stage
// latencies"), shaped after the teacher's StepMetrics.
type StageLatency struct {
	Executions  int64
	Successful  int64
	Failed      int64
	TotalMS     int64
	AverageMS   int64
	MinMS       int64
	MaxMS       int64
}

// ProviderStats is the rolling per-provider counter set (spec §4.5
// "per provider: ... token/cost totals, rate-limit hits, circuit-breaker
// trips").
type ProviderStats struct {
	Calls            int64
	Successes        int64
	Failures         int64
	TotalTokens      int64
	TotalCostUSD     float64
	RateLimitHits    int64
	CircuitTrips     int64
	TotalLatencyMS   int64
	AverageLatencyMS int64
}

// DayStats is one day's rolling counters (spec §4.5 "per day").
type DayStats struct {
	Date             string
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	TotalTokens      int64
	TotalCostUSD     float64
	Stages           map[string]*StageLatency
	Providers        map[string]*ProviderStats
}

func newDayStats(date string) *DayStats {
	return &DayStats{Date: date, Stages: map[string]*StageLatency{}, Providers: map[string]*ProviderStats{}}
}

// BuildLedgerEntry is one row of the per-build ledger (spec §4.5 "per-build
// ledger").
type BuildLedgerEntry struct {
	BuildID      string
	Status       string
	StartedAt    time.Time
	CompletedAt  time.Time
	TotalTokens  int64
	TotalCostUSD float64
}

type buildCompletion struct {
	at      time.Time
	success bool
}

// Alert kinds (spec §4.5).
const (
	AlertFailureRate = "failure_rate"
	AlertDailyCost   = "daily_cost"
)

// Alert is one threshold breach observed at query time.
type Alert struct {
	Kind      string
	Message   string
	Value     float64
	Threshold float64
	Timestamp time.Time
}

// TimeRange bounds a GetStats query (spec §4.5 "getStats(timeRange,
// filters)"). Open Question #2 is resolved by dropping the
// "previous time range" / growth-rate helper entirely (SPEC_FULL §4.5):
// GetStats takes exactly one range, nothing more.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Filters narrows a GetStats query to one provider and/or stage; either may
// be left empty to mean "all".
type Filters struct {
	Provider string
	Stage    string
}

// Stats is the aggregated response to GetStats.
type Stats struct {
	Range            TimeRange
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	TotalTokens      int64
	TotalCostUSD     float64
	Stages           map[string]*StageLatency
	Providers        map[string]*ProviderStats
	Alerts           []Alert
}

// Collector is the Metrics & Audit Collector. One instance is constructed
// per process and wired as the orchestrator's EventSink (directly, or
// fanned out alongside the Event Stream Fabric via eventstream.FanOut) and
// as the Model Router's OnCall callback.
type Collector struct {
	log        corelib.Logger
	thresholds AlertThresholds
	instr      instruments

	mu           sync.Mutex
	days         map[string]*DayStats
	builds       map[string]*BuildLedgerEntry
	stageStarts  map[string]time.Time // key: buildID + "/" + stageID
	recentBuilds []buildCompletion
}

var _ orchestrator.EventSink = (*Collector)(nil)

// New builds a Collector. tp/mp may be nil, in which case they fall back to
// the OTel global providers (safe no-ops until something calls
// otel.Set{Tracer,Meter}Provider); production wiring passes the providers
// built by NewTelemetry.
func New(log corelib.ComponentLogger, thresholds AlertThresholds, tp trace.TracerProvider, mp metric.MeterProvider) *Collector {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &Collector{
		log:         log.WithComponent("metrics"),
		thresholds:  thresholds,
		instr:       newInstruments(tp, mp, log.WithComponent("metrics")),
		days:        make(map[string]*DayStats),
		builds:      make(map[string]*BuildLedgerEntry),
		stageStarts: make(map[string]time.Time),
	}
}

func (c *Collector) dayFor(t time.Time) string { return t.UTC().Format("2006-01-02") }

// dayStatsLocked returns (creating if needed) the DayStats for day. Caller
// must hold c.mu.
func (c *Collector) dayStatsLocked(day string) *DayStats {
	ds, ok := c.days[day]
	if !ok {
		ds = newDayStats(day)
		c.days[day] = ds
	}
	return ds
}

// Publish implements orchestrator.EventSink (spec §4.5 "listens to the
// same event stream").
func (c *Collector) Publish(buildID string, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventPipelineUpdate:
		if ev.Message == "build started" {
			c.onBuildStarted(buildID, ev)
		}
	case orchestrator.EventStageUpdate:
		c.onStageEvent(buildID, ev)
	case orchestrator.EventPipelineComplete, orchestrator.EventPipelineError:
		c.onBuildTerminal(buildID, ev)
	}
}

func (c *Collector) onBuildStarted(buildID string, ev orchestrator.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.builds[buildID]; !ok {
		c.builds[buildID] = &BuildLedgerEntry{BuildID: buildID, Status: ev.Status, StartedAt: ev.Timestamp}
	}
}

func (c *Collector) onStageEvent(buildID string, ev orchestrator.Event) {
	if ev.Stage == "" || ev.Status == "" {
		return
	}
	status := model.StageStatus(ev.Status)
	key := buildID + "/" + ev.Stage

	if status == model.StageRunning {
		c.mu.Lock()
		c.stageStarts[key] = ev.Timestamp
		c.mu.Unlock()
		return
	}
	if !status.IsTerminal() {
		return
	}

	c.mu.Lock()
	start, haveStart := c.stageStarts[key]
	if haveStart {
		delete(c.stageStarts, key)
	}
	ds := c.dayStatsLocked(c.dayFor(ev.Timestamp))
	sl := ds.Stages[ev.Stage]
	if sl == nil {
		sl = &StageLatency{MinMS: -1}
		ds.Stages[ev.Stage] = sl
	}
	sl.Executions++
	success := status.IsSuccess()
	if success {
		sl.Successful++
	} else {
		sl.Failed++
	}
	var latencyMS int64
	if haveStart {
		latencyMS = ev.Timestamp.Sub(start).Milliseconds()
		if latencyMS < 0 {
			latencyMS = 0
		}
		sl.TotalMS += latencyMS
		if sl.MinMS < 0 || latencyMS < sl.MinMS {
			sl.MinMS = latencyMS
		}
		if latencyMS > sl.MaxMS {
			sl.MaxMS = latencyMS
		}
		sl.AverageMS = sl.TotalMS / sl.Executions
	}
	c.mu.Unlock()

	if haveStart {
		c.instr.stageLatency.Record(context.Background(), latencyMS, metric.WithAttributes(
			attribute.String("stage", ev.Stage),
			attribute.Bool("success", success),
		))
		c.instr.recordStageSpan(ev.Stage, buildID, string(status), start, ev.Timestamp)
	}
}

func (c *Collector) onBuildTerminal(buildID string, ev orchestrator.Event) {
	success := ev.Type == orchestrator.EventPipelineComplete

	c.mu.Lock()
	ds := c.dayStatsLocked(c.dayFor(ev.Timestamp))
	ds.TotalBuilds++
	if success {
		ds.SuccessfulBuilds++
	} else {
		ds.FailedBuilds++
	}

	c.recentBuilds = append(c.recentBuilds, buildCompletion{at: ev.Timestamp, success: success})
	c.trimRecentLocked(ev.Timestamp)

	entry, ok := c.builds[buildID]
	if !ok {
		entry = &BuildLedgerEntry{BuildID: buildID}
		c.builds[buildID] = entry
	}
	entry.Status = ev.Status
	entry.CompletedAt = ev.Timestamp
	ds.TotalTokens += entry.TotalTokens
	ds.TotalCostUSD += entry.TotalCostUSD
	c.mu.Unlock()

	c.instr.builds.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// trimRecentLocked bounds the recent-build ring to the failure-rate window
// (plus a hard cap so a misconfigured huge window can't grow it
// unbounded). Caller must hold c.mu.
func (c *Collector) trimRecentLocked(now time.Time) {
	window := c.thresholds.FailureRateWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.recentBuilds) && c.recentBuilds[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.recentBuilds = append([]buildCompletion(nil), c.recentBuilds[i:]...)
	}
	const maxKept = 5000
	if len(c.recentBuilds) > maxKept {
		c.recentBuilds = c.recentBuilds[len(c.recentBuilds)-maxKept:]
	}
}

// ObserveProviderCall is wired as router.Router.OnCall (spec §4.5
// "router completion callbacks"): one CallRecord per attempted provider
// call, success or failure.
func (c *Collector) ObserveProviderCall(rec router.CallRecord) {
	now := time.Now()

	c.mu.Lock()
	ds := c.dayStatsLocked(c.dayFor(now))
	ps := ds.Providers[rec.Provider]
	if ps == nil {
		ps = &ProviderStats{}
		ds.Providers[rec.Provider] = ps
	}
	ps.Calls++
	if rec.Success {
		ps.Successes++
	} else {
		ps.Failures++
	}
	ps.TotalTokens += int64(rec.TotalTokens)
	ps.TotalCostUSD += rec.Cost
	ps.TotalLatencyMS += rec.LatencyMS
	ps.AverageLatencyMS = ps.TotalLatencyMS / ps.Calls

	switch {
	case corelib.IsRateLimited(rec.Err):
		ps.RateLimitHits++
	case corelib.IsCircuitOpen(rec.Err):
		ps.CircuitTrips++
	}

	if buildID := buildIDFromCorrelation(rec.CorrelationID); buildID != "" {
		if entry, ok := c.builds[buildID]; ok {
			entry.TotalTokens += int64(rec.TotalTokens)
			entry.TotalCostUSD += rec.Cost
			ds.TotalTokens += int64(rec.TotalTokens)
			ds.TotalCostUSD += rec.Cost
		}
	}
	c.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("provider", rec.Provider),
		attribute.String("role", string(rec.Role)),
		attribute.Bool("success", rec.Success),
	)
	c.instr.providerLatency.Record(context.Background(), rec.LatencyMS, attrs)
	c.instr.tokens.Add(context.Background(), int64(rec.TotalTokens), attrs)
	c.instr.cost.Add(context.Background(), rec.Cost, attrs)
	if corelib.IsRateLimited(rec.Err) {
		c.instr.rateLimitHits.Add(context.Background(), 1, attrs)
	}
	if corelib.IsCircuitOpen(rec.Err) {
		c.instr.circuitTrips.Add(context.Background(), 1, attrs)
	}
	c.instr.recordProviderSpan(rec, now)
}

// buildIDFromCorrelation recovers the build id from a
// "<buildID>/<stageID>" correlation id (orchestrator.go's corrID
// construction).
func buildIDFromCorrelation(correlationID string) string {
	if correlationID == "" {
		return ""
	}
	if i := strings.IndexByte(correlationID, '/'); i > 0 {
		return correlationID[:i]
	}
	return ""
}

// GetStats answers the dashboard query interface (spec §4.5 "getStats
// (timeRange, filters)"). It aggregates every day whose date falls within
// [timeRange.Start, timeRange.End], optionally narrowed to one provider
// and/or stage, and appends whatever alerts currently hold.
func (c *Collector) GetStats(tr TimeRange, f Filters) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{Range: tr, Stages: map[string]*StageLatency{}, Providers: map[string]*ProviderStats{}}

	for day, ds := range c.days {
		t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
		if err != nil {
			continue
		}
		if !tr.Start.IsZero() && t.Before(tr.Start.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !tr.End.IsZero() && t.After(tr.End.UTC()) {
			continue
		}

		out.TotalBuilds += ds.TotalBuilds
		out.SuccessfulBuilds += ds.SuccessfulBuilds
		out.FailedBuilds += ds.FailedBuilds
		out.TotalTokens += ds.TotalTokens
		out.TotalCostUSD += ds.TotalCostUSD

		for stage, sl := range ds.Stages {
			if f.Stage != "" && f.Stage != stage {
				continue
			}
			mergeStage(out.Stages, stage, sl)
		}
		for provider, ps := range ds.Providers {
			if f.Provider != "" && f.Provider != provider {
				continue
			}
			mergeProvider(out.Providers, provider, ps)
		}
	}

	out.Alerts = c.alertsLocked(time.Now())
	return out
}

func mergeStage(into map[string]*StageLatency, stage string, sl *StageLatency) {
	cur := into[stage]
	if cur == nil {
		cur = &StageLatency{MinMS: -1}
		into[stage] = cur
	}
	cur.Executions += sl.Executions
	cur.Successful += sl.Successful
	cur.Failed += sl.Failed
	cur.TotalMS += sl.TotalMS
	if cur.MinMS < 0 || (sl.MinMS >= 0 && sl.MinMS < cur.MinMS) {
		cur.MinMS = sl.MinMS
	}
	if sl.MaxMS > cur.MaxMS {
		cur.MaxMS = sl.MaxMS
	}
	if cur.Executions > 0 {
		cur.AverageMS = cur.TotalMS / cur.Executions
	}
}

func mergeProvider(into map[string]*ProviderStats, provider string, ps *ProviderStats) {
	cur := into[provider]
	if cur == nil {
		cur = &ProviderStats{}
		into[provider] = cur
	}
	cur.Calls += ps.Calls
	cur.Successes += ps.Successes
	cur.Failures += ps.Failures
	cur.TotalTokens += ps.TotalTokens
	cur.TotalCostUSD += ps.TotalCostUSD
	cur.RateLimitHits += ps.RateLimitHits
	cur.CircuitTrips += ps.CircuitTrips
	cur.TotalLatencyMS += ps.TotalLatencyMS
	if cur.Calls > 0 {
		cur.AverageLatencyMS = cur.TotalLatencyMS / cur.Calls
	}
}

// Alerts reports every currently-breached alert rule (spec §4.5 "computes
// simple alerts").
func (c *Collector) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertsLocked(time.Now())
}

func (c *Collector) alertsLocked(now time.Time) []Alert {
	var out []Alert

	window := c.thresholds.FailureRateWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	cutoff := now.Add(-window)
	var total, failed int
	for _, b := range c.recentBuilds {
		if b.at.Before(cutoff) {
			continue
		}
		total++
		if !b.success {
			failed++
		}
	}
	if total > 0 {
		rate := float64(failed) / float64(total)
		if rate > c.thresholds.FailureRateThreshold {
			out = append(out, Alert{
				Kind:      AlertFailureRate,
				Message:   fmt.Sprintf("failure rate %.0f%% over the last %s exceeds threshold %.0f%%", rate*100, window, c.thresholds.FailureRateThreshold*100),
				Value:     rate,
				Threshold: c.thresholds.FailureRateThreshold,
				Timestamp: now,
			})
		}
	}

	if ds, ok := c.days[c.dayFor(now)]; ok && c.thresholds.DailyCostThresholdUSD > 0 && ds.TotalCostUSD > c.thresholds.DailyCostThresholdUSD {
		out = append(out, Alert{
			Kind:      AlertDailyCost,
			Message:   fmt.Sprintf("daily cost $%.2f exceeds threshold $%.2f", ds.TotalCostUSD, c.thresholds.DailyCostThresholdUSD),
			Value:     ds.TotalCostUSD,
			Threshold: c.thresholds.DailyCostThresholdUSD,
			Timestamp: now,
		})
	}

	return out
}

// BuildLedger returns a snapshot of one build's ledger entry, or false if
// the collector has observed no events for it.
func (c *Collector) BuildLedger(buildID string) (BuildLedgerEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.builds[buildID]
	if !ok {
		return BuildLedgerEntry{}, false
	}
	return *entry, true
}
