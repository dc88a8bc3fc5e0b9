// Package observe provides application-wide observability primitives for
// livevox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livevox metrics.
const meterName = "github.com/MrWong99/livevox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesSent counts encoded capture frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames the transport refused. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// AudioChunks counts inbound audio chunks received from the transport.
	AudioChunks metric.Int64Counter

	// UnitsScheduled counts playback units placed on the output clock.
	UnitsScheduled metric.Int64Counter

	// PlaybackGap tracks the forced silence between consecutive units.
	PlaybackGap metric.Float64Histogram

	// Interruptions counts server-signalled interruptions.
	Interruptions metric.Int64Counter

	// CodecErrors counts inbound payloads dropped as malformed.
	CodecErrors metric.Int64Counter

	// --- Transcript ---

	// TurnsFinalized counts turn-completion events that produced entries.
	TurnsFinalized metric.Int64Counter

	// TranscriptEntries counts finalized entries. Use with
	// attribute.String("role", ...).
	TranscriptEntries metric.Int64Counter

	// --- Session ---

	// StateTransitions counts engine state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// TransportErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// ConnectDuration tracks how long opening a remote session takes. Use
	// with attributes provider and status.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay up.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// gapBuckets covers playback gaps from sub-millisecond jitter up to a second.
var gapBuckets = []float64{
	0, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1,
}

// sessionBuckets covers session lifetimes from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "livevox.capture.frames_sent", "Capture frames handed to the transport."},
		{&met.FramesDropped, "livevox.capture.frames_dropped", "Capture frames refused by the transport, by reason."},
		{&met.AudioChunks, "livevox.playback.audio_chunks", "Inbound audio chunks received."},
		{&met.UnitsScheduled, "livevox.playback.units_scheduled", "Playback units scheduled on the output clock."},
		{&met.Interruptions, "livevox.playback.interruptions", "Server-signalled interruptions."},
		{&met.CodecErrors, "livevox.playback.codec_errors", "Inbound payloads dropped as malformed."},
		{&met.TurnsFinalized, "livevox.transcript.turns", "Turn completions that produced entries."},
		{&met.TranscriptEntries, "livevox.transcript.entries", "Finalized transcript entries by role."},
		{&met.StateTransitions, "livevox.session.transitions", "Session state transitions by from and to state."},
		{&met.TransportErrors, "livevox.transport.errors", "Transport errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Histograms.
	if met.PlaybackGap, err = m.Float64Histogram("livevox.playback.gap",
		metric.WithDescription("Forced silence between consecutive playback units."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livevox.transport.connect.duration",
		metric.WithDescription("Latency of opening a remote session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livevox.session.duration",
		metric.WithDescription("Lifetime of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevox.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordFrameDropped records a refused capture frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscriptEntry records one finalized entry for role.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordTransition records a state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTransportError records a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, provider, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordConnect records the latency of one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
