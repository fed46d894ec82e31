package observe

import (
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName overrides the service.name resource attribute.
	// Default: "sibilant".
	ServiceName string

	// ServiceVersion is reported as service.version, usually the build's
	// version string.
	ServiceVersion string

	// TraceExporter receives finished spans. Leave nil to record spans
	// without exporting them — detection boxes in the field often have
	// nowhere to ship traces, and the trace IDs still correlate logs.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio is the fraction of new traces to sample, in (0, 1).
	// Zero or one samples everything. Only consulted when TraceExporter is
	// set; unexported spans cost little, so they are never sampled away.
	TraceSampleRatio float64
}

// InitProvider installs the global OTel meter and tracer providers and
// returns a shutdown function that flushes both. Call the shutdown function
// in a defer from main.
//
// Metrics flow through a Prometheus exporter bridge into the default
// Prometheus registry, which the diagnostic server scrapes at /metrics.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	var closers []func(context.Context) error

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)
	closers = append(closers, mp.Shutdown)

	tp := newTracerProvider(res, cfg)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

// newResource describes this process for telemetry backends.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "sibilant"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

// newTracerProvider builds the tracer provider. Without an exporter spans are
// still recorded, so trace IDs keep flowing into logs and response headers.
func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
		if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
			opts = append(opts, sdktrace.WithSampler(
				sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)),
			))
		}
	}
	return sdktrace.NewTracerProvider(opts...)
}
