// Package observe provides application-wide observability primitives for
// Stenograph: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record* helpers accept a nil receiver so that components can treat
// metrics as optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Stenograph metrics.
const meterName = "github.com/MrWong99/stenograph"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts segments leaving the pipeline. Use with attributes:
	//   attribute.String("kind", "final"|"interim"), attribute.String("status", ...)
	Segments metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// DictionaryReplacements counts dictionary substitutions.
	DictionaryReplacements metric.Int64Counter

	// RetryAttempts counts scheduled retry attempts. Use with attribute:
	//   attribute.String("outcome", "success"|"retry"|"terminal")
	RetryAttempts metric.Int64Counter

	// RetryTerminal counts tasks removed without success. Use with attribute:
	//   attribute.String("reason", "exhausted"|"fatal"|"cancelled")
	RetryTerminal metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions in the recording or processing state.
	ActiveSessions metric.Int64UpDownCounter

	// RetryPending tracks the number of tasks in the retry queue.
	RetryPending metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both dictionary passes and long cloud transcription calls.
var latencyBuckets = []float64{
	0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("stenograph.stage.duration",
		metric.WithDescription("Latency of each segment pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("stenograph.segments",
		metric.WithDescription("Total processed segments by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("stenograph.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.DictionaryReplacements, err = m.Int64Counter("stenograph.dictionary.replacements",
		metric.WithDescription("Total dictionary substitutions applied."),
	); err != nil {
		return nil, err
	}
	if met.RetryAttempts, err = m.Int64Counter("stenograph.retry.attempts",
		metric.WithDescription("Total retry attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RetryTerminal, err = m.Int64Counter("stenograph.retry.terminal",
		metric.WithDescription("Total retry tasks dropped without success, by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("stenograph.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("stenograph.sessions.active",
		metric.WithDescription("Number of sessions recording or processing."),
	); err != nil {
		return nil, err
	}
	if met.RetryPending, err = m.Int64UpDownCounter("stenograph.retry.pending",
		metric.WithDescription("Number of tasks waiting in the retry queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stenograph.http.request.duration",
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

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSegment counts a segment leaving the pipeline.
func (m *Metrics) RecordSegment(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReplacements adds n dictionary substitutions.
func (m *Metrics) RecordReplacements(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DictionaryReplacements.Add(ctx, int64(n))
}

// RecordRetryAttempt counts one scheduled retry with its outcome.
func (m *Metrics) RecordRetryAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.RetryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetryTerminal counts a task removed without success.
func (m *Metrics) RecordRetryTerminal(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RetryTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddRetryPending adjusts the retry queue gauge by delta.
func (m *Metrics) AddRetryPending(ctx context.Context, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.RetryPending.Add(ctx, int64(delta))
}

// AddActiveSessions adjusts the active session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.ActiveSessions.Add(ctx, int64(delta))
}
