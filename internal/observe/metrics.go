// Package observe provides application-wide observability primitives for
// Voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameRelayDuration tracks per-frame processing time in the forwarding
	// loops, from dequeue to downstream write. Use with attribute:
	//   attribute.String("direction", ...)
	FrameRelayDuration metric.Float64Histogram

	// SessionDuration tracks the full lifetime of a call session, recorded
	// once at teardown.
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesForwarded counts media frames relayed. Use with attribute:
	//   attribute.String("direction", ...)
	FramesForwarded metric.Int64Counter

	// FramesDropped counts media frames discarded instead of relayed.
	// Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BargeIns counts caller interruptions of in-progress AI speech.
	BargeIns metric.Int64Counter

	// SessionErrors counts sessions that ended abnormally. Use with attribute:
	//   attribute.String("reason", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// frameLatencyBuckets defines histogram bucket boundaries (in seconds) for
// per-frame relay latency, which sits well below typical HTTP latencies.
var frameLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// sessionDurationBuckets defines histogram bucket boundaries (in seconds)
// spanning short abandoned calls through hour-long conversations.
var sessionDurationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameRelayDuration, err = m.Float64Histogram("voxgate.frame.relay.duration",
		metric.WithDescription("Per-frame relay latency by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Call session lifetime from creation to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("voxgate.frames.forwarded",
		metric.WithDescription("Total media frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxgate.frames.dropped",
		metric.WithDescription("Total media frames discarded by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxgate.barge_ins",
		metric.WithDescription("Total caller interruptions of in-progress AI speech."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voxgate.session.errors",
		metric.WithDescription("Total sessions ended abnormally, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxgate.active_calls",
		metric.WithDescription("Number of live call sessions."),
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

// RecordFrame records one relayed frame together with its relay latency.
func (m *Metrics) RecordFrame(ctx context.Context, direction string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.FramesForwarded.Add(ctx, 1, attrs)
	m.FrameRelayDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordDroppedFrame records one discarded frame with the standard attribute set.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordBargeIn records one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordSessionEnd records the final session metrics at teardown. reason is
// empty for normal call completion and names the failure otherwise.
func (m *Metrics) RecordSessionEnd(ctx context.Context, lifetime time.Duration, reason string) {
	m.SessionDuration.Record(ctx, lifetime.Seconds())
	if reason != "" && reason != "call_ended" {
		m.SessionErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}
