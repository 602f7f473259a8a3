// Package observe provides application-wide observability primitives for
// livecopilot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all livecopilot metrics.
const meterName = "github.com/MrWong99/livecopilot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks the time from a start request until the
	// session is live or has failed. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	SessionStartDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts remote session connects. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AudioFramesSent counts captured frames streamed to the remote session.
	AudioFramesSent metric.Int64Counter

	// PlaybackChunks counts audio payloads scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackDropped counts audio payloads that could not be played. Use with
	// attribute:
	//   attribute.String("reason", ...)
	PlaybackDropped metric.Int64Counter

	// TranscriptTurns counts committed transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptTurns metric.Int64Counter

	// SessionReconfigures counts persona switches on a live session. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("status", ...)
	SessionReconfigures metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts remote session errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live remote sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session start latency, which includes device prompts and the remote
// handshake.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionStartDuration, err = m.Float64Histogram("livecopilot.session.start.duration",
		metric.WithDescription("Latency from session start request to live or failed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("livecopilot.provider.requests",
		metric.WithDescription("Total remote session requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesSent, err = m.Int64Counter("livecopilot.audio.frames_sent",
		metric.WithDescription("Total captured audio frames streamed to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("livecopilot.playback.chunks",
		metric.WithDescription("Total remote audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDropped, err = m.Int64Counter("livecopilot.playback.dropped",
		metric.WithDescription("Total remote audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTurns, err = m.Int64Counter("livecopilot.transcript.turns",
		metric.WithDescription("Total committed transcript turns by role."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconfigures, err = m.Int64Counter("livecopilot.session.reconfigures",
		metric.WithDescription("Total persona switches on a live session by method and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livecopilot.provider.errors",
		metric.WithDescription("Total remote session errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecopilot.active_sessions",
		metric.WithDescription("Number of live remote sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecopilot.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionStart records how long a start attempt took to settle.
func (m *Metrics) RecordSessionStart(ctx context.Context, mode, status string, seconds float64) {
	m.SessionStartDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordPlaybackDrop records a dropped playback chunk.
func (m *Metrics) RecordPlaybackDrop(ctx context.Context, reason string) {
	m.PlaybackDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTurn records a committed transcript turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.TranscriptTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordReconfigure records a persona switch attempt.
func (m *Metrics) RecordReconfigure(ctx context.Context, method, status string) {
	m.SessionReconfigures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}
