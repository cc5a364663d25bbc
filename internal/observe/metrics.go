// Package observe provides application-wide observability primitives for
// meetrec: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetrec metrics.
const meterName = "github.com/MrWong99/meetrec"

// Session outcomes used with [Metrics.RecordSessionEnd].
const (
	OutcomeComplete = "complete"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks the time from finish (or timeout) to a complete
	// artifact. Use with attribute:
	//   attribute.String("format", ...)
	EncodeDuration metric.Float64Histogram

	// ProviderDuration tracks transcription and minutes latency. Use with
	// attribute:
	//   attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// FramesRecorded counts frames handed to encoder units.
	FramesRecorded metric.Int64Counter

	// Fallbacks counts sessions degraded to primary-only recording.
	Fallbacks metric.Int64Counter

	// Timeouts counts recordings finalised by the time limit.
	Timeouts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions between start and teardown.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Encodes
// of long meetings take tens of seconds, so the range is wide.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("meetrec.encode.duration",
		metric.WithDescription("Time from finish to a complete artifact."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("meetrec.provider.duration",
		metric.WithDescription("Latency of transcription and minutes generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("meetrec.sessions.total",
		metric.WithDescription("Total finished sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesRecorded, err = m.Int64Counter("meetrec.frames.recorded",
		metric.WithDescription("Total frames delivered to encoder units."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("meetrec.fallbacks",
		metric.WithDescription("Total sessions restarted in primary-only mode."),
	); err != nil {
		return nil, err
	}
	if met.Timeouts, err = m.Int64Counter("meetrec.timeouts",
		metric.WithDescription("Total recordings finalised by the time limit."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("meetrec.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetrec.sessions.active",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetrec.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment and its latency with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, took time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSessionStart increments the active session gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active session gauge and counts the
// session under outcome.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEncode records how long a finalise took for format.
func (m *Metrics) RecordEncode(ctx context.Context, format string, took time.Duration) {
	m.EncodeDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("format", format)),
	)
}
