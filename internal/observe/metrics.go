// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkEncodeDuration tracks the time spent draining, resampling, and
	// encoding one outbound audio chunk.
	ChunkEncodeDuration metric.Float64Histogram

	// WebhookDuration tracks the round-trip latency of batch utterance POSTs.
	WebhookDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksSent counts outbound audio chunks handed to the session.
	ChunksSent metric.Int64Counter

	// ChunksReceived counts inbound agent audio chunks written to playback.
	ChunksReceived metric.Int64Counter

	// PlaybackUnderruns counts output pull callbacks served with silence
	// because the playback buffer ran dry.
	PlaybackUnderruns metric.Int64Counter

	// SpeechSegments counts completed voice-activity segments. Use with
	// attribute: attribute.String("outcome", "sent"|"discarded"|"failed").
	SpeechSegments metric.Int64Counter

	// SessionReconnects counts automatic reconnection attempts. Use with
	// attribute: attribute.String("status", "ok"|"failed"|"exhausted").
	SessionReconnects metric.Int64Counter

	// WebhookErrors counts failed batch utterance POSTs.
	WebhookErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of conversations currently
	// running between Begin and End.
	ActiveConversations metric.Int64UpDownCounter

	// PlaybackBufferedSamples tracks the fill level of the playback ring.
	PlaybackBufferedSamples metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-pipeline latencies.
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
	if met.ChunkEncodeDuration, err = m.Float64Histogram("voicewire.chunk.encode.duration",
		metric.WithDescription("Time to drain, resample, and encode one outbound audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("voicewire.webhook.duration",
		metric.WithDescription("Round-trip latency of batch utterance webhook requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("voicewire.chunks.sent",
		metric.WithDescription("Total outbound audio chunks handed to the session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voicewire.chunks.received",
		metric.WithDescription("Total inbound agent audio chunks written to playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("voicewire.playback.underruns",
		metric.WithDescription("Output pull callbacks served with silence due to an empty playback buffer."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("voicewire.speech.segments",
		metric.WithDescription("Completed voice-activity segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconnects, err = m.Int64Counter("voicewire.session.reconnects",
		metric.WithDescription("Automatic session reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.WebhookErrors, err = m.Int64Counter("voicewire.webhook.errors",
		metric.WithDescription("Failed batch utterance webhook requests."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("voicewire.active_conversations",
		metric.WithDescription("Number of conversations currently running."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBufferedSamples, err = m.Int64UpDownCounter("voicewire.playback.buffered_samples",
		metric.WithDescription("Samples currently buffered in the playback ring."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
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

// RecordSegment records a completed voice-activity segment with its outcome.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.SpeechSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordReconnect records a session reconnection attempt with its status.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.SessionReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
