package observe

import (
	"context"
	"errors"
	"testing"
	"time"

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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"parley.transport.dial.duration", m.DialDuration},
		{"parley.session.ready.duration", m.ReadyLatency},
		{"parley.translate.duration", m.TranslateDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point of the named counter that
// carries key=value, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestRecordDial(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDial(ctx, 20*time.Millisecond, nil)
	m.RecordDial(ctx, 30*time.Millisecond, nil)
	m.RecordDial(ctx, time.Second, errors.New("refused"))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.transport.dials", "status", "ok"); got != 2 {
		t.Errorf("ok dials = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.transport.dials", "status", "error"); got != 1 {
		t.Errorf("error dials = %d, want 1", got)
	}
}

func TestTransportHooks(t *testing.T) {
	m, reader := newTestMetrics(t)

	h := m.TransportHooks()
	h.OnReceive("audio.delta")
	h.OnReceive("audio.delta")
	h.OnSend("input_audio_chunk")
	h.OnDrop("buffer_full")
	h.OnDial(time.Millisecond, nil)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.transport.messages.received", "type", "audio.delta"); got != 2 {
		t.Errorf("received = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.transport.messages.sent", "type", "input_audio_chunk"); got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.transport.messages.dropped", "reason", "buffer_full"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSessionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioDropped(ctx, "user_speaking")
	m.RecordAudioDropped(ctx, "user_speaking")
	m.RecordTurn(ctx, "assistant")
	m.BargeIns.Add(ctx, 1)
	m.RecordTranslation(ctx, 100*time.Millisecond, errors.New("quota"))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.audio.dropped", "reason", "user_speaking"); got != 2 {
		t.Errorf("audio dropped = %d, want 2", got)
	}
	if got := sumFor(t, rm, "parley.session.turns", "role", "assistant"); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.session.barge_ins", "", ""); got != 1 {
		t.Errorf("barge-ins = %d, want 1", got)
	}
	if got := sumFor(t, rm, "parley.translate.requests", "status", "error"); got != 1 {
		t.Errorf("translations = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.session.active", "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
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

	rm := collect(t, reader)
	met := findMetric(rm, "parley.http.request.duration")
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
