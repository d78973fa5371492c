// Package observe provides the OpenTelemetry metric instruments for the
// Voxist STT client.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from a /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/voxist/voxist-go"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks token exchange plus WebSocket handshake latency.
	ConnectDuration metric.Float64Histogram

	// ChunksSent counts binary audio chunks sent to the backend.
	ChunksSent metric.Int64Counter

	// AudioBytesSent counts PCM bytes sent to the backend.
	AudioBytesSent metric.Int64Counter

	// TranscriptEvents counts delivered events. Use with attribute
	// attribute.String("kind", ...).
	TranscriptEvents metric.Int64Counter

	// Reconnects counts connection replacements performed by streams.
	Reconnects metric.Int64Counter

	// DroppedFrames counts frames discarded while a stream was reconnecting.
	DroppedFrames metric.Int64Counter

	// ActiveStreams tracks the number of live transcription streams.
	ActiveStreams metric.Int64UpDownCounter

	// PoolConnections tracks the number of live pooled connections.
	PoolConnections metric.Int64UpDownCounter
}

// connectBuckets defines histogram bucket boundaries (in seconds) sized for
// token-exchange-plus-dial latencies.
var connectBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("voxist.connect.duration",
		metric.WithDescription("Latency of token exchange plus WebSocket handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("voxist.audio.chunks_sent",
		metric.WithDescription("Total binary audio chunks sent."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("voxist.audio.bytes_sent",
		metric.WithDescription("Total PCM bytes sent."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("voxist.events",
		metric.WithDescription("Total delivered transcription events by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxist.reconnects",
		metric.WithDescription("Total connection replacements performed by streams."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxist.audio.dropped_frames",
		metric.WithDescription("Total frames discarded while reconnecting."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("voxist.active_streams",
		metric.WithDescription("Number of live transcription streams."),
	); err != nil {
		return nil, err
	}
	if met.PoolConnections, err = m.Int64UpDownCounter("voxist.pool.connections",
		metric.WithDescription("Number of live pooled connections."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordEvent records a delivered event counter increment with the standard
// attribute set.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
