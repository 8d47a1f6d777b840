// Package observe provides application-wide observability primitives for
// deskvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the admin server's /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all deskvoice metrics.
const meterName = "github.com/MrWong99/deskvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ── Latency histograms ──

	// ConnectDuration tracks how long the session handshake took. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler latency, including timeouts.
	ToolExecutionDuration metric.Float64Histogram

	// ── Counters ──

	// ConnectAttempts counts session connects. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectAttempts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TurnsCompleted counts finished user/assistant turns. Use with attribute:
	//   attribute.String("mode", ...)
	TurnsCompleted metric.Int64Counter

	// FramesDropped counts capture frames that never reached the wire. Use
	// with attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// PlaybackChunks counts synthesized audio chunks handed to the playback
	// scheduler. Use with attribute: attribute.String("status", ...)
	PlaybackChunks metric.Int64Counter

	// BargeIns counts playback cancellations caused by the user speaking.
	BargeIns metric.Int64Counter

	// ── Error counters ──

	// SessionErrors counts fatal session errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ── Gauges ──

	// ActiveSessions tracks the number of live sessions. Use with attribute:
	//   attribute.String("mode", ...)
	ActiveSessions metric.Int64UpDownCounter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("deskvoice.connect.duration",
		metric.WithDescription("Latency of the session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("deskvoice.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("deskvoice.connect.attempts",
		metric.WithDescription("Total session connects by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("deskvoice.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("deskvoice.turns.completed",
		metric.WithDescription("Total completed turns by session mode."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("deskvoice.audio.frames_dropped",
		metric.WithDescription("Capture frames dropped before reaching the transport."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("deskvoice.playback.chunks",
		metric.WithDescription("Synthesized audio chunks by scheduling status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("deskvoice.playback.barge_ins",
		metric.WithDescription("Playback cancellations caused by the user speaking."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("deskvoice.session.errors",
		metric.WithDescription("Total fatal session errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("deskvoice.active_sessions",
		metric.WithDescription("Number of live sessions by mode."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("deskvoice.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and route."),
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

// RecordConnect records one connect attempt and its handshake latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records a completed turn for the given session mode.
func (m *Metrics) RecordTurn(ctx context.Context, mode string) {
	m.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordFramesDropped adds n to the dropped-frame counter.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPlaybackChunk records one chunk handed to the playback scheduler.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError is a convenience method that records a session error
// counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
