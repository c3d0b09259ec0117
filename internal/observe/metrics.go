// Package observe provides application-wide observability primitives for
// Prism Nexus: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Prism Nexus metrics.
const meterName = "github.com/MrWong99/prismnexus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start to the agent's ready signal.
	// Use with attribute: attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Audio counters ---

	// FramesSent counts capture blocks handed to the agent channel.
	FramesSent metric.Int64Counter

	// FrameSendErrors counts capture blocks the channel refused.
	FrameSendErrors metric.Int64Counter

	// ChunksReceived counts audio chunks scheduled for playback.
	ChunksReceived metric.Int64Counter

	// ChunkDecodeErrors counts inbound audio chunks that could not be decoded
	// or scheduled.
	ChunkDecodeErrors metric.Int64Counter

	// --- Session counters ---

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("prismnexus.session.connect.duration",
		metric.WithDescription("Latency from session start until the agent is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio counters.
	if met.FramesSent, err = m.Int64Counter("prismnexus.audio.frames_sent",
		metric.WithDescription("Total capture blocks sent to the agent."),
	); err != nil {
		return nil, err
	}
	if met.FrameSendErrors, err = m.Int64Counter("prismnexus.audio.frame_send_errors",
		metric.WithDescription("Total capture blocks the agent channel refused."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("prismnexus.audio.chunks_received",
		metric.WithDescription("Total agent audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDecodeErrors, err = m.Int64Counter("prismnexus.audio.chunk_errors",
		metric.WithDescription("Total agent audio chunks that could not be played."),
	); err != nil {
		return nil, err
	}

	// Session counters.
	if met.StateTransitions, err = m.Int64Counter("prismnexus.session.transitions",
		metric.WithDescription("Total session state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("prismnexus.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("prismnexus.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("prismnexus.http.request.duration",
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

// RecordStateTransition records a session state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordFrame records one capture block; ok reports whether the channel
// accepted it.
func (m *Metrics) RecordFrame(ctx context.Context, ok bool) {
	if ok {
		m.FramesSent.Add(ctx, 1)
		return
	}
	m.FrameSendErrors.Add(ctx, 1)
}

// RecordChunk records one inbound audio chunk; ok reports whether it was
// scheduled for playback.
func (m *Metrics) RecordChunk(ctx context.Context, ok bool) {
	if ok {
		m.ChunksReceived.Add(ctx, 1)
		return
	}
	m.ChunkDecodeErrors.Add(ctx, 1)
}

// RecordConnect records how long a session took to become ready.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
