// Package observe provides application-wide observability primitives for
// sibilant: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all sibilant metrics.
const meterName = "github.com/sibilant-audio/sibilant"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesProcessed counts frames that went through classification.
	FramesProcessed metric.Int64Counter

	// FramesSkipped counts frames deliberately not classified under power
	// saving.
	FramesSkipped metric.Int64Counter

	// FramesDropped counts frames lost to worker queue backpressure.
	FramesDropped metric.Int64Counter

	// --- Event and error counters ---

	// SpeechEvents counts detection events. Use with attribute:
	//   attribute.String("kind", ...)
	SpeechEvents metric.Int64Counter

	// PipelineErrors counts pipeline errors. Use with attribute:
	//   attribute.String("class", ...)
	PipelineErrors metric.Int64Counter

	// ReportsDropped counts performance reports discarded because the
	// previous delivery was still in flight.
	ReportsDropped metric.Int64Counter

	// StateTransitions counts speech/silence boundary crossings.
	StateTransitions metric.Int64Counter

	// --- Classification cost ---

	// FrameProcessDuration tracks per-frame classification time.
	FrameProcessDuration metric.Float64Histogram

	// --- Gauges ---

	// ActivePipelines tracks the number of initialized pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// BatteryLevel records the last reported battery charge in [0, 1].
	BatteryLevel metric.Float64Gauge

	// BufferSize records the effective frame size in samples, so buffer
	// adaptation is visible over time.
	BufferSize metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame classification cost: microseconds inline, up to milliseconds
// through the worker round trip.
var latencyBuckets = []float64{
	0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Frame counters.
	if met.FramesProcessed, err = m.Int64Counter("sibilant.frames.processed",
		metric.WithDescription("Total frames fed through classification."),
	); err != nil {
		return nil, err
	}
	if met.FramesSkipped, err = m.Int64Counter("sibilant.frames.skipped",
		metric.WithDescription("Total frames decimated under power saving."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sibilant.frames.dropped",
		metric.WithDescription("Total frames lost to worker queue backpressure."),
	); err != nil {
		return nil, err
	}

	// Event and error counters.
	if met.SpeechEvents, err = m.Int64Counter("sibilant.speech.events",
		metric.WithDescription("Total detection events by kind."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("sibilant.pipeline.errors",
		metric.WithDescription("Total pipeline errors by class."),
	); err != nil {
		return nil, err
	}
	if met.ReportsDropped, err = m.Int64Counter("sibilant.reports.dropped",
		metric.WithDescription("Total performance reports discarded because delivery lagged."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("sibilant.state.transitions",
		metric.WithDescription("Total speech/silence boundary crossings."),
	); err != nil {
		return nil, err
	}

	// Classification cost histogram.
	if met.FrameProcessDuration, err = m.Float64Histogram("sibilant.frame.process.duration",
		metric.WithDescription("Per-frame classification time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActivePipelines, err = m.Int64UpDownCounter("sibilant.active_pipelines",
		metric.WithDescription("Number of initialized pipelines."),
	); err != nil {
		return nil, err
	}
	if met.BatteryLevel, err = m.Float64Gauge("sibilant.battery.level",
		metric.WithDescription("Last reported battery charge in [0, 1]."),
	); err != nil {
		return nil, err
	}
	if met.BufferSize, err = m.Int64Gauge("sibilant.buffer.size",
		metric.WithDescription("Effective frame size in samples."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sibilant.http.request.duration",
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

// RecordSpeechEvent is a convenience method that records a detection event
// counter increment with the standard attribute set.
func (m *Metrics) RecordSpeechEvent(ctx context.Context, kind string) {
	m.SpeechEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordPipelineError is a convenience method that records a pipeline error
// counter increment with the standard attribute set.
func (m *Metrics) RecordPipelineError(ctx context.Context, class string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", class)),
	)
}
