package auditmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/router"
)

// NewTelemetry builds the trace and meter providers the Metrics & Audit
// Collector instruments against (SPEC_FULL §4.5): a stdout span exporter by
// default, following the teacher's pkg/telemetry/otel.go
// resource-then-provider construction. There is no stdout metric exporter
// in this module's dependency set (only stdouttrace), so the meter provider
// runs with no registered reader: instruments still record, but nothing
// periodically exports them. GetStats/Alerts read the Collector's own
// rolling counters, not the OTel SDK, so this has no functional effect -
// wiring a real reader (OTLP, Prometheus) later is a pure swap-in.
func NewTelemetry(serviceName string) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return tp, mp, nil
}

// instruments bundles the OTel instruments the Collector records against
// (spec §4.5 "Metrics are recorded as OpenTelemetry instruments ... plus
// span attributes on stage/router spans"). A nil TracerProvider/
// MeterProvider falls back to the OTel global default (a safe no-op until
// something calls otel.SetTracerProvider/otel.SetMeterProvider), exactly
// the teacher's own setupMeterProvider fallback.
type instruments struct {
	log    corelib.Logger
	tracer trace.Tracer

	builds          metric.Int64Counter
	tokens          metric.Int64Counter
	cost            metric.Float64Counter
	stageLatency    metric.Int64Histogram
	providerLatency metric.Int64Histogram
	rateLimitHits   metric.Int64Counter
	circuitTrips    metric.Int64Counter
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, log corelib.Logger) instruments {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("buildforge.auditmetrics")

	i := instruments{log: log, tracer: tp.Tracer("buildforge.auditmetrics")}

	var err error
	if i.builds, err = meter.Int64Counter("buildforge.builds.total", metric.WithDescription("total builds by terminal outcome")); err != nil {
		log.Warn("failed to create builds counter", map[string]interface{}{"error": err.Error()})
	}
	if i.tokens, err = meter.Int64Counter("buildforge.tokens.total", metric.WithDescription("total provider tokens consumed")); err != nil {
		log.Warn("failed to create tokens counter", map[string]interface{}{"error": err.Error()})
	}
	if i.cost, err = meter.Float64Counter("buildforge.cost.total_usd", metric.WithDescription("total provider cost in USD")); err != nil {
		log.Warn("failed to create cost counter", map[string]interface{}{"error": err.Error()})
	}
	if i.stageLatency, err = meter.Int64Histogram("buildforge.stage.latency_ms", metric.WithDescription("stage execution latency")); err != nil {
		log.Warn("failed to create stage latency histogram", map[string]interface{}{"error": err.Error()})
	}
	if i.providerLatency, err = meter.Int64Histogram("buildforge.provider.latency_ms", metric.WithDescription("provider call latency")); err != nil {
		log.Warn("failed to create provider latency histogram", map[string]interface{}{"error": err.Error()})
	}
	if i.rateLimitHits, err = meter.Int64Counter("buildforge.provider.rate_limit_hits", metric.WithDescription("provider rate-limit hits")); err != nil {
		log.Warn("failed to create rate limit counter", map[string]interface{}{"error": err.Error()})
	}
	if i.circuitTrips, err = meter.Int64Counter("buildforge.provider.circuit_trips", metric.WithDescription("provider circuit-breaker trips")); err != nil {
		log.Warn("failed to create circuit trip counter", map[string]interface{}{"error": err.Error()})
	}
	return i
}

// recordStageSpan emits a retrospective span covering [start, end) for one
// stage's terminal transition (spec §4.5 "span attributes on stage ...
// spans"). Explicit timestamps let the collector record a span after the
// fact from fire-and-forget events, rather than needing the stage's live
// context threaded through.
func (i instruments) recordStageSpan(stage, buildID, status string, start, end time.Time) {
	_, span := i.tracer.Start(context.Background(), "stage."+stage, trace.WithTimestamp(start), trace.WithAttributes(
		attribute.String("build_id", buildID),
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
	span.End(trace.WithTimestamp(end))
}

// recordProviderSpan emits a retrospective span for one router call (spec
// §4.5 "span attributes on ... router spans").
func (i instruments) recordProviderSpan(rec router.CallRecord, end time.Time) {
	start := end.Add(-time.Duration(rec.LatencyMS) * time.Millisecond)
	_, span := i.tracer.Start(context.Background(), "router.call", trace.WithTimestamp(start), trace.WithAttributes(
		attribute.String("provider", rec.Provider),
		attribute.String("role", string(rec.Role)),
		attribute.Bool("success", rec.Success),
		attribute.Int("total_tokens", rec.TotalTokens),
	))
	span.End(trace.WithTimestamp(end))
}
