// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"github.com/MrWong99/parley/pkg/realtime"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DialDuration tracks WebSocket dial latency, successful or not.
	DialDuration metric.Float64Histogram

	// ReadyLatency tracks the time from Connect to the server's ready
	// handshake.
	ReadyLatency metric.Float64Histogram

	// TranslateDuration tracks transcript translation latency.
	TranslateDuration metric.Float64Histogram

	// --- Transport counters ---

	// Dials counts dial attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Dials metric.Int64Counter

	// MessagesReceived counts decoded server messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// MessagesSent counts queued client messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesSent metric.Int64Counter

	// MessagesDropped counts messages dropped in either direction. Use with
	// attribute:
	//   attribute.String("reason", ...)
	MessagesDropped metric.Int64Counter

	// --- Audio and session counters ---

	// AudioDropped counts AI audio deltas that were not played. Use with
	// attribute:
	//   attribute.String("reason", "user_speaking"|"decode"|"completed")
	AudioDropped metric.Int64Counter

	// BargeIns counts user interruptions of AI playback.
	BargeIns metric.Int64Counter

	// Turns counts finished conversation turns. Use with attribute:
	//   attribute.String("role", "user"|"assistant")
	Turns metric.Int64Counter

	// Translations counts translation requests. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Translations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// and model round trips.
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
	if met.DialDuration, err = m.Float64Histogram("parley.transport.dial.duration",
		metric.WithDescription("Latency of realtime WebSocket dials."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReadyLatency, err = m.Float64Histogram("parley.session.ready.duration",
		metric.WithDescription("Time from connect to the server ready handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("parley.translate.duration",
		metric.WithDescription("Latency of transcript translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Transport counters.
	if met.Dials, err = m.Int64Counter("parley.transport.dials",
		metric.WithDescription("Total dial attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("parley.transport.messages.received",
		metric.WithDescription("Total server messages received by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("parley.transport.messages.sent",
		metric.WithDescription("Total client messages queued for sending by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("parley.transport.messages.dropped",
		metric.WithDescription("Total messages dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Audio and session counters.
	if met.AudioDropped, err = m.Int64Counter("parley.audio.dropped",
		metric.WithDescription("Total AI audio deltas not played, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.session.barge_ins",
		metric.WithDescription("Total user interruptions of AI playback."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.session.turns",
		metric.WithDescription("Total finished conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.Translations, err = m.Int64Counter("parley.translate.requests",
		metric.WithDescription("Total translation requests by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.session.active",
		metric.WithDescription("Number of running conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordDial records one dial attempt and its latency.
func (m *Metrics) RecordDial(ctx context.Context, d time.Duration, err error) {
	m.DialDuration.Record(ctx, d.Seconds())
	m.Dials.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}

// RecordTranslation records one translation request and its latency.
func (m *Metrics) RecordTranslation(ctx context.Context, d time.Duration, err error) {
	m.TranslateDuration.Record(ctx, d.Seconds())
	m.Translations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}

// RecordAudioDropped records one unplayed AI audio delta.
func (m *Metrics) RecordAudioDropped(ctx context.Context, reason string) {
	m.AudioDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn records one finished conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// TransportHooks returns [realtime.Hooks] that record transport activity into
// m. Pass the result to [realtime.WithHooks].
func (m *Metrics) TransportHooks() realtime.Hooks {
	ctx := context.Background()
	return realtime.Hooks{
		OnDial: func(d time.Duration, err error) { m.RecordDial(ctx, d, err) },
		OnReceive: func(wireType string) {
			m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", wireType)))
		},
		OnSend: func(msgType string) {
			m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
		},
		OnDrop: func(reason string) {
			m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		},
	}
}
