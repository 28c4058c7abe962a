package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// findSum looks up a metric by name and asserts it is an int64 sum.
func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	return sum
}

// sumDataPoint returns the value of the data point whose attributes contain
// key=value, or false when no such point exists.
func sumDataPoint(sum metricdata.Sum[int64], key, value string) (int64, bool) {
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrames_ByStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrames(ctx, "capture", 3)
	m.RecordFrames(ctx, "playback", 2)
	m.RecordFrames(ctx, "capture", 0) // zero deltas are dropped

	sum := findSum(t, collect(t, reader), "duplexa.frames.processed")
	if got, ok := sumDataPoint(sum, "stage", "capture"); !ok || got != 3 {
		t.Errorf("capture frames = %d (found %v), want 3", got, ok)
	}
	if got, ok := sumDataPoint(sum, "stage", "playback"); !ok || got != 2 {
		t.Errorf("playback frames = %d (found %v), want 2", got, ok)
	}
}

func TestRecordProcessingFailures(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProcessingFailures(ctx, "noise_suppression", 1)
	m.RecordProcessingFailures(ctx, "noise_suppression", 2)

	sum := findSum(t, collect(t, reader), "duplexa.processing.failures")
	if got, ok := sumDataPoint(sum, "stage", "noise_suppression"); !ok || got != 3 {
		t.Errorf("failure count = %d (found %v), want 3", got, ok)
	}
}

func TestRecordBufferDrops(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBufferDrops(ctx, "playback", 2, 5)
	m.RecordBufferDrops(ctx, "capture", 1, 0)

	rm := collect(t, reader)

	over := findSum(t, rm, "duplexa.buffer.overflows")
	if got, ok := sumDataPoint(over, "buffer", "playback"); !ok || got != 2 {
		t.Errorf("playback overflows = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumDataPoint(over, "buffer", "capture"); !ok || got != 1 {
		t.Errorf("capture overflows = %d (found %v), want 1", got, ok)
	}

	under := findSum(t, rm, "duplexa.buffer.underflows")
	if got, ok := sumDataPoint(under, "buffer", "playback"); !ok || got != 5 {
		t.Errorf("playback underflows = %d (found %v), want 5", got, ok)
	}
	// No underflows were reported for the capture buffer.
	if _, ok := sumDataPoint(under, "buffer", "capture"); ok {
		t.Error("capture underflow data point exists despite zero delta")
	}
}

func TestCallbackDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallbackDuration.Record(ctx, 0.0008)
	m.CallbackDuration.Record(ctx, 0.0031)

	met := findMetric(collect(t, reader), "duplexa.callback.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestTransportMessages_ByDirection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportMessages(ctx, "inbound", 4)
	m.RecordTransportMessages(ctx, "outbound", 7)
	m.RecordTransportMessages(ctx, "inbound", -1) // negative deltas are dropped

	sum := findSum(t, collect(t, reader), "duplexa.transport.messages")
	if got, ok := sumDataPoint(sum, "direction", "inbound"); !ok || got != 4 {
		t.Errorf("inbound messages = %d (found %v), want 4", got, ok)
	}
	if got, ok := sumDataPoint(sum, "direction", "outbound"); !ok || got != 7 {
		t.Errorf("outbound messages = %d (found %v), want 7", got, ok)
	}
}

func TestTransportClientsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddTransportClients(ctx, 2)
	m.AddTransportClients(ctx, 1)
	m.AddTransportClients(ctx, -1)
	m.AddTransportClients(ctx, 0)

	sum := findSum(t, collect(t, reader), "duplexa.transport.clients")
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("client gauge = %d, want 2", got)
	}
}

func TestRecordDeviceChange(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDeviceChange(ctx, "added", "input")
	m.RecordDeviceChange(ctx, "added", "input")
	m.RecordDeviceChange(ctx, "removed", "output")

	sum := findSum(t, collect(t, reader), "duplexa.device.changes")

	// Find the data point for added input devices.
	for _, dp := range sum.DataPoints {
		var change, kind string
		for _, kv := range dp.Attributes.ToSlice() {
			switch string(kv.Key) {
			case "change":
				change = kv.Value.AsString()
			case "kind":
				kind = kv.Value.AsString()
			}
		}
		if change == "added" && kind == "input" {
			if dp.Value != 2 {
				t.Errorf("counter value = %d, want 2", dp.Value)
			}
			return
		}
	}
	t.Error("data point with change=added kind=input not found")
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	met := findMetric(collect(t, reader), "duplexa.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
