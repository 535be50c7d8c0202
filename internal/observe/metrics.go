// Package observe provides application-wide observability primitives for
// Scenecast: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Scenecast metrics.
const meterName = "github.com/scenecast/scenecast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks one full generation (LLM stream plus
	// synthesis) from request to final frame.
	GenerationDuration metric.Float64Histogram

	// LLMDuration tracks upstream language-model latency to completion.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks one synthesis session from connect to drained.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Generations counts speak and chat generations. Use with attributes:
	//   attribute.String("character", ...), attribute.String("kind", ...), attribute.String("status", ...)
	Generations metric.Int64Counter

	// UpstreamRequests counts upstream API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// ChatMessages counts ingested live-chat messages.
	ChatMessages metric.Int64Counter

	// WishSessions counts completed wish sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	WishSessions metric.Int64Counter

	// SessionEvictions counts WebSocket sessions dropped for missed pongs.
	// Use with attribute: attribute.String("kind", ...)
	SessionEvictions metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveOverlays tracks the number of connected overlay sessions.
	ActiveOverlays metric.Int64UpDownCounter

	// ActiveDashboards tracks the number of connected dashboard-style
	// sessions across all kinds.
	ActiveDashboards metric.Int64UpDownCounter

	// ActiveGenerations tracks the number of in-flight generations.
	ActiveGenerations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-generation latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("scenecast.generation.duration",
		metric.WithDescription("Latency of one full generation, request to final frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("scenecast.llm.duration",
		metric.WithDescription("Latency of upstream language-model completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("scenecast.tts.duration",
		metric.WithDescription("Latency of one synthesis session, connect to drained."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Generations, err = m.Int64Counter("scenecast.generations",
		metric.WithDescription("Total generations by character, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamRequests, err = m.Int64Counter("scenecast.upstream.requests",
		metric.WithDescription("Total upstream API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("scenecast.chat.messages",
		metric.WithDescription("Total ingested live-chat messages."),
	); err != nil {
		return nil, err
	}
	if met.WishSessions, err = m.Int64Counter("scenecast.wish.sessions",
		metric.WithDescription("Total completed wish sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionEvictions, err = m.Int64Counter("scenecast.session.evictions",
		metric.WithDescription("Total sessions evicted for missed pongs, by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("scenecast.upstream.errors",
		metric.WithDescription("Total upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveOverlays, err = m.Int64UpDownCounter("scenecast.active_overlays",
		metric.WithDescription("Number of connected overlay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveDashboards, err = m.Int64UpDownCounter("scenecast.active_dashboards",
		metric.WithDescription("Number of connected dashboard-style sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGenerations, err = m.Int64UpDownCounter("scenecast.active_generations",
		metric.WithDescription("Number of in-flight generations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scenecast.http.request.duration",
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

// RecordGeneration records one finished generation with the standard
// attribute set.
func (m *Metrics) RecordGeneration(ctx context.Context, character, kind, status string) {
	m.Generations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("character", character),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamRequest records an upstream request counter increment with
// the standard attribute set.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, provider, kind, status string) {
	m.UpstreamRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records an upstream error counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, provider, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordWishOutcome records one completed wish session.
func (m *Metrics) RecordWishOutcome(ctx context.Context, outcome string) {
	m.WishSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEviction records one session dropped for missed pongs.
func (m *Metrics) RecordEviction(ctx context.Context, kind string) {
	m.SessionEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
