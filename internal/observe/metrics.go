// Package observe provides application-wide observability primitives for
// loopcast: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all loopcast metrics.
const meterName = "github.com/MrWong99/loopcast"

// Drop reasons recorded on [Metrics.DroppedDeliveries].
const (
	ReasonTimeout = "timeout"
	ReasonFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SendDuration tracks the time a single subscriber send took, including
	// sends that missed their deadline.
	SendDuration metric.Float64Histogram

	// CycleDuration tracks the time one dispatch cycle took to reach every
	// subscriber.
	CycleDuration metric.Float64Histogram

	// --- Counters ---

	// CapturedFrames counts frames produced by the capture loop.
	CapturedFrames metric.Int64Counter

	// ShedFrames counts frames superseded in the dispatch mailbox before
	// they were dispatched.
	ShedFrames metric.Int64Counter

	// DeliveredFrames counts successful subscriber sends.
	DeliveredFrames metric.Int64Counter

	// DroppedDeliveries counts failed sends. Use with attribute:
	//   attribute.String("reason", ReasonTimeout|ReasonFailed)
	DroppedDeliveries metric.Int64Counter

	// --- Error counters ---

	// CaptureErrors counts fatal capture failures. Use with attribute:
	//   attribute.String("backend", ...)
	CaptureErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSubscribers tracks the number of registered subscribers.
	ActiveSubscribers metric.Int64UpDownCounter

	// ActiveSessions tracks whether a capture session is running (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-period delivery deadlines in the low milliseconds.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.015, 0.02, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SendDuration, err = m.Float64Histogram("loopcast.dispatch.send.duration",
		metric.WithDescription("Latency of a single subscriber send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("loopcast.dispatch.cycle.duration",
		metric.WithDescription("Latency of one dispatch cycle across all subscribers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturedFrames, err = m.Int64Counter("loopcast.capture.frames",
		metric.WithDescription("Total frames produced by the capture loop."),
	); err != nil {
		return nil, err
	}
	if met.ShedFrames, err = m.Int64Counter("loopcast.dispatch.shed_frames",
		metric.WithDescription("Total frames superseded before dispatch."),
	); err != nil {
		return nil, err
	}
	if met.DeliveredFrames, err = m.Int64Counter("loopcast.dispatch.delivered",
		metric.WithDescription("Total frames delivered to subscribers."),
	); err != nil {
		return nil, err
	}
	if met.DroppedDeliveries, err = m.Int64Counter("loopcast.dispatch.dropped",
		metric.WithDescription("Total failed subscriber sends by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CaptureErrors, err = m.Int64Counter("loopcast.capture.errors",
		metric.WithDescription("Total fatal capture failures by backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("loopcast.active_subscribers",
		metric.WithDescription("Number of registered subscribers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loopcast.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loopcast.http.request.duration",
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

// RecordDrop records a failed subscriber send with the given reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.DroppedDeliveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCaptureError records a fatal capture failure on backend.
func (m *Metrics) RecordCaptureError(ctx context.Context, backend string) {
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}
