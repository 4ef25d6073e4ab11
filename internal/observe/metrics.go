// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleylabs/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks how long establishing a live session takes,
	// from the connect command to the Connected state. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// BlocksCaptured counts microphone blocks processed by the capture
	// pipeline, muted or not.
	BlocksCaptured metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks handed to the playback
	// scheduler.
	ChunksScheduled metric.Int64Counter

	// TurnsCompleted counts end-of-turn events. Use with attribute:
	//   attribute.String("trigger", "silence"|"remote")
	TurnsCompleted metric.Int64Counter

	// Interruptions counts barge-in playback flushes.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// SendFailures counts outbound audio blocks that failed to transmit.
	// Recoverable: the session stays up.
	SendFailures metric.Int64Counter

	// DecodeErrors counts inbound audio chunks dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets defines histogram bucket boundaries (in seconds) sized for
// WebSocket session establishment.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Time to establish a live session, by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BlocksCaptured, err = m.Int64Counter("parley.capture.blocks",
		metric.WithDescription("Total microphone blocks processed."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("parley.playback.chunks_scheduled",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("parley.turn.completed",
		metric.WithDescription("Total end-of-turn events by trigger."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.playback.interruptions",
		metric.WithDescription("Total barge-in playback flushes."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SendFailures, err = m.Int64Counter("parley.session.send_failures",
		metric.WithDescription("Total outbound audio blocks that failed to transmit."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("parley.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordConnect records one session establishment attempt with its outcome
// and duration in seconds.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTurnCompleted records one end-of-turn event by trigger
// ("silence" or "remote").
func (m *Metrics) RecordTurnCompleted(ctx context.Context, trigger string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}
