// Package observe provides application-wide observability primitives for
// Workdeck: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Workdeck metrics.
const meterName = "github.com/workdeck/workdeck"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FlushDuration tracks how long persisting a full session document takes.
	FlushDuration metric.Float64Histogram

	// DocumentWriteDuration tracks atomic document write latency in the store.
	DocumentWriteDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// IngestEvents counts recognition events offered to the reconciler.
	// Use with attributes:
	//   attribute.String("kind", "interim"|"final"),
	//   attribute.String("status", "merged"|"buffered"|"rejected")
	IngestEvents metric.Int64Counter

	// SessionTransitions counts session state-machine transitions. Use with
	// attribute: attribute.String("transition", ...)
	SessionTransitions metric.Int64Counter

	// --- Error counters ---

	// FlushErrors counts failed session flushes.
	FlushErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for in-process persistence and request latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FlushDuration, err = m.Float64Histogram("workdeck.session.flush.duration",
		metric.WithDescription("Latency of persisting a full session document."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DocumentWriteDuration, err = m.Float64Histogram("workdeck.docstore.write.duration",
		metric.WithDescription("Latency of atomic document writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("workdeck.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.IngestEvents, err = m.Int64Counter("workdeck.ingest.events",
		metric.WithDescription("Total recognition events by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("workdeck.session.transitions",
		metric.WithDescription("Total session state-machine transitions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.FlushErrors, err = m.Int64Counter("workdeck.session.flush.errors",
		metric.WithDescription("Total failed session flushes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("workdeck.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
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

// RecordIngest is a convenience method that records an ingest counter
// increment with the standard attribute set.
func (m *Metrics) RecordIngest(ctx context.Context, kind, status string) {
	m.IngestEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records a session state-machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, transition string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transition", transition)),
	)
}
