// Package observe provides application-wide observability primitives for
// Duplexa: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Nothing in this package is called from the real-time audio callback. The
// pipeline accumulates cheap atomic counters on the hot path and a periodic
// bridge in the application layer converts those snapshots into OTel
// measurements.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Duplexa metrics.
const meterName = "github.com/MrWong99/duplexa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline ---

	// FramesProcessed counts audio frames by pipeline stage. Use with attribute:
	//   attribute.String("stage", ...)  // "capture", "playback"
	FramesProcessed metric.Int64Counter

	// ProcessingFailures counts frames a processing stage rejected or
	// panicked on. Use with attribute:
	//   attribute.String("stage", ...)
	ProcessingFailures metric.Int64Counter

	// BufferOverflows counts frames dropped because a ring buffer was full.
	// Use with attribute:
	//   attribute.String("buffer", ...)  // "capture", "playback"
	BufferOverflows metric.Int64Counter

	// BufferUnderflows counts callback deadlines served with silence because
	// a ring buffer was empty. Use with attribute:
	//   attribute.String("buffer", ...)
	BufferUnderflows metric.Int64Counter

	// CallbackDuration tracks time spent inside the duplex audio callback.
	// Values must stay well below the frame period or the device starves.
	CallbackDuration metric.Float64Histogram

	// --- Transport ---

	// TransportClients tracks the number of connected streaming clients.
	TransportClients metric.Int64UpDownCounter

	// TransportMessages counts websocket messages. Use with attribute:
	//   attribute.String("direction", ...)  // "inbound", "outbound"
	TransportMessages metric.Int64Counter

	// --- Devices ---

	// DeviceChanges counts hot-plug events. Use with attributes:
	//   attribute.String("change", ...)  // "added", "removed"
	//   attribute.String("kind", ...)    // "input", "output"
	DeviceChanges metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// callbackBuckets defines histogram bucket boundaries (in seconds) for the
// audio callback. Frame periods sit between roughly 2.5 ms and 60 ms, so the
// interesting resolution is sub-millisecond up to a few frame periods.
var callbackBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline counters.
	if met.FramesProcessed, err = m.Int64Counter("duplexa.frames.processed",
		metric.WithDescription("Total audio frames processed by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.ProcessingFailures, err = m.Int64Counter("duplexa.processing.failures",
		metric.WithDescription("Total frames rejected by a processing stage."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflows, err = m.Int64Counter("duplexa.buffer.overflows",
		metric.WithDescription("Total frames dropped on a full ring buffer, by buffer."),
	); err != nil {
		return nil, err
	}
	if met.BufferUnderflows, err = m.Int64Counter("duplexa.buffer.underflows",
		metric.WithDescription("Total callback deadlines served with silence, by buffer."),
	); err != nil {
		return nil, err
	}

	// Pipeline histogram.
	if met.CallbackDuration, err = m.Float64Histogram("duplexa.callback.duration",
		metric.WithDescription("Time spent inside the duplex audio callback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.TransportClients, err = m.Int64UpDownCounter("duplexa.transport.clients",
		metric.WithDescription("Number of connected streaming clients."),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("duplexa.transport.messages",
		metric.WithDescription("Total websocket messages by direction."),
	); err != nil {
		return nil, err
	}

	// Devices.
	if met.DeviceChanges, err = m.Int64Counter("duplexa.device.changes",
		metric.WithDescription("Total device hot-plug events by change and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexa.http.request.duration",
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

// RecordFrames adds n processed frames for the given pipeline stage. The
// stats bridge calls this with deltas between snapshots, so n may be zero.
func (m *Metrics) RecordFrames(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesProcessed.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordProcessingFailures adds n stage failures for the given stage.
func (m *Metrics) RecordProcessingFailures(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.ProcessingFailures.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordCallbackDuration records the observed cost of one audio callback,
// in seconds. Non-positive values are dropped.
func (m *Metrics) RecordCallbackDuration(ctx context.Context, seconds float64) {
	if seconds <= 0 {
		return
	}
	m.CallbackDuration.Record(ctx, seconds)
}

// RecordBufferDrops adds overflow and underflow counts for the given buffer.
func (m *Metrics) RecordBufferDrops(ctx context.Context, buffer string, overflows, underflows int64) {
	attrs := metric.WithAttributes(attribute.String("buffer", buffer))
	if overflows > 0 {
		m.BufferOverflows.Add(ctx, overflows, attrs)
	}
	if underflows > 0 {
		m.BufferUnderflows.Add(ctx, underflows, attrs)
	}
}

// RecordTransportMessages adds n websocket messages for the given direction.
func (m *Metrics) RecordTransportMessages(ctx context.Context, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.TransportMessages.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordDeviceChange records a single hot-plug event.
func (m *Metrics) RecordDeviceChange(ctx context.Context, change, kind string) {
	m.DeviceChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("change", change),
			attribute.String("kind", kind),
		),
	)
}

// AddTransportClients moves the connected-client gauge by delta, which may be
// negative when clients disconnect.
func (m *Metrics) AddTransportClients(ctx context.Context, delta int64) {
	if delta == 0 {
		return
	}
	m.TransportClients.Add(ctx, delta)
}
