// Package observe provides application-wide observability primitives for
// the HLSF core engine: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all HLSF metrics.
const meterName = "github.com/hlsf-engine/hlsf-core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per component ---

	// FetchDuration tracks Adjacency Fetcher latency (TC/RCS/LLM combined).
	FetchDuration metric.Float64Histogram

	// LLMDuration tracks the external LLM collaborator call latency.
	LLMDuration metric.Float64Histogram

	// ChunkFetchDuration tracks Remote Chunk Store per-chunk fetch latency.
	ChunkFetchDuration metric.Float64Histogram

	// ExpansionDuration tracks one Recursive Expander frontier-pop round latency.
	ExpansionDuration metric.Float64Histogram

	// AttentionScore records the distribution of Attention Scorer outputs.
	AttentionScore metric.Float64Histogram

	// --- Counters ---

	// FetchRequests counts Adjacency Fetcher attempts. Use with attributes:
	//   attribute.String("source", "tc"|"rcs"|"llm"), attribute.String("status", ...)
	FetchRequests metric.Int64Counter

	// CacheLookups counts Token Cache lookups. Use with attribute:
	//   attribute.Bool("hit", ...)
	CacheLookups metric.Int64Counter

	// ExpansionCount counts tokens visited across a Recursive Expander run.
	ExpansionCount metric.Int64Counter

	// --- Error counters ---

	// FetchErrors counts Adjacency Fetcher failures. Use with attribute:
	//   attribute.String("source", ...)
	FetchErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of currently running expansion pipelines.
	ActiveRuns metric.Int64UpDownCounter

	// LiveTokens tracks the number of tokens currently held in the Token Cache.
	LiveTokens metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// graph pipeline's per-component latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// attentionBuckets defines histogram bucket boundaries for Attention Scorer
// output, which is a normalized score in [0, 1].
var attentionBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FetchDuration, err = m.Float64Histogram("hlsf.fetch.duration",
		metric.WithDescription("Latency of an Adjacency Fetcher resolve call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("hlsf.llm.duration",
		metric.WithDescription("Latency of the external LLM collaborator call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkFetchDuration, err = m.Float64Histogram("hlsf.chunkstore.fetch.duration",
		metric.WithDescription("Latency of a Remote Chunk Store chunk fetch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExpansionDuration, err = m.Float64Histogram("hlsf.expander.round.duration",
		metric.WithDescription("Latency of one Recursive Expander frontier-pop round."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AttentionScore, err = m.Float64Histogram("hlsf.attention.score",
		metric.WithDescription("Distribution of Attention Scorer output values."),
		metric.WithExplicitBucketBoundaries(attentionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FetchRequests, err = m.Int64Counter("hlsf.fetch.requests",
		metric.WithDescription("Total Adjacency Fetcher attempts by source and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("hlsf.tokencache.lookups",
		metric.WithDescription("Total Token Cache lookups by hit/miss."),
	); err != nil {
		return nil, err
	}
	if met.ExpansionCount, err = m.Int64Counter("hlsf.expander.tokens_visited",
		metric.WithDescription("Total tokens visited across Recursive Expander runs."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.FetchErrors, err = m.Int64Counter("hlsf.fetch.errors",
		metric.WithDescription("Total Adjacency Fetcher failures by source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("hlsf.active_runs",
		metric.WithDescription("Number of currently running expansion pipelines."),
	); err != nil {
		return nil, err
	}
	if met.LiveTokens, err = m.Int64UpDownCounter("hlsf.tokencache.live_tokens",
		metric.WithDescription("Number of tokens currently held in the Token Cache."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hlsf.http.request.duration",
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

// RecordFetch is a convenience method that records a fetch request counter
// increment with the standard attribute set.
func (m *Metrics) RecordFetch(ctx context.Context, source, status string) {
	m.FetchRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordCacheLookup is a convenience method that records a Token Cache
// lookup counter increment.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

// RecordFetchError is a convenience method that records a fetch error
// counter increment.
func (m *Metrics) RecordFetchError(ctx context.Context, source string) {
	m.FetchErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
