// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/earshot-ai/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-call latency of a pipeline stage. Use with
	// attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts VAD frames scored. Use with attribute:
	//   attribute.String("provider", ...)
	FramesProcessed metric.Int64Counter

	// PipelineEvents counts emitted speech lifecycle events. Use with
	// attribute: attribute.String("type", ...)
	PipelineEvents metric.Int64Counter

	// DenoiseFallbacks counts frames served by a non-primary denoiser,
	// including passthrough. Use with attribute:
	//   attribute.String("served_by", ...)
	DenoiseFallbacks metric.Int64Counter

	// EventsDropped counts events discarded because a session's subscriber
	// channel was full.
	EventsDropped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-frame stage latencies, which must stay well under real time.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("earshot.stage.duration",
		metric.WithDescription("Per-call latency of a pipeline stage by stage and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("earshot.frames.processed",
		metric.WithDescription("Total VAD frames scored by provider."),
	); err != nil {
		return nil, err
	}
	if met.PipelineEvents, err = m.Int64Counter("earshot.pipeline.events",
		metric.WithDescription("Total speech lifecycle events emitted by type."),
	); err != nil {
		return nil, err
	}
	if met.DenoiseFallbacks, err = m.Int64Counter("earshot.denoise.fallbacks",
		metric.WithDescription("Frames served by a non-primary denoiser, by serving stage."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("earshot.events.dropped",
		metric.WithDescription("Events discarded because a subscriber channel was full."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live pipeline sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one pipeline stage call with its latency in seconds.
// Nil-safe so instrumentation can be optional in library code.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordFrame records one scored VAD frame. Nil-safe.
func (m *Metrics) RecordFrame(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.FramesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordEvent records one emitted pipeline event. Nil-safe.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.PipelineEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordFallback records a frame served by a non-primary denoiser. Nil-safe.
func (m *Metrics) RecordFallback(ctx context.Context, servedBy string) {
	if m == nil {
		return
	}
	m.DenoiseFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("served_by", servedBy)),
	)
}

// RecordDroppedEvent records an event discarded due to a full subscriber
// channel. Nil-safe.
func (m *Metrics) RecordDroppedEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1)
}

// RecordProviderError records a provider error counter increment. Nil-safe.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// AddActiveSessions adjusts the live-session gauge by delta. Nil-safe.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
