// Package observe provides application-wide observability primitives for
// Troupe: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Troupe metrics.
const meterName = "github.com/troupelabs/troupe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMFirstToken tracks the delay between sending a completion request and
	// receiving the first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks the delay between submitting a sentence for
	// synthesis and receiving its first PCM chunk.
	TTSFirstChunk metric.Float64Histogram

	// TurnDuration tracks the wall-clock time from turn start to the last
	// speaker's audio_stream_stop (or cancellation).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts conversation turns. Use with attribute:
	//   attribute.String("outcome", "complete"|"cancelled")
	Turns metric.Int64Counter

	// Interrupts counts client-initiated interrupts.
	Interrupts metric.Int64Counter

	// Sentences counts sentences enqueued for synthesis. Use with attribute:
	//   attribute.String("character_id", ...)
	Sentences metric.Int64Counter

	// AudioChunks counts PCM chunks delivered to the client.
	AudioChunks metric.Int64Counter

	// --- Error counters ---

	// TTSSentenceErrors counts sentences dropped due to synthesis failures.
	TTSSentenceErrors metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks pipeline queue occupancy. Use with attribute:
	//   attribute.String("queue", "ingress"|"sentence"|"audio")
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.LLMFirstToken, err = m.Float64Histogram("troupe.llm.first_token",
		metric.WithDescription("Delay until the first streamed LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("troupe.tts.first_chunk",
		metric.WithDescription("Delay until the first synthesised PCM chunk of a sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("troupe.turn.duration",
		metric.WithDescription("Wall-clock duration of a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("troupe.turns",
		metric.WithDescription("Total conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("troupe.interrupts",
		metric.WithDescription("Total client-initiated interrupts."),
	); err != nil {
		return nil, err
	}
	if met.Sentences, err = m.Int64Counter("troupe.sentences",
		metric.WithDescription("Total sentences enqueued for synthesis by character."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("troupe.audio.chunks",
		metric.WithDescription("Total PCM chunks delivered to the client."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TTSSentenceErrors, err = m.Int64Counter("troupe.tts.sentence_errors",
		metric.WithDescription("Total sentences dropped due to synthesis failures."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("troupe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("troupe.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("troupe.queue.depth",
		metric.WithDescription("Pipeline queue occupancy by queue name."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("troupe.http.request.duration",
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

// RecordTurn records a completed or cancelled turn with its duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.TurnDuration.Record(ctx, seconds)
}

// RecordSentence records a sentence enqueued for synthesis.
func (m *Metrics) RecordSentence(ctx context.Context, characterID string) {
	m.Sentences.Add(ctx, 1,
		metric.WithAttributes(attribute.String("character_id", characterID)),
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
