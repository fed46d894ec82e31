package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all sibilant spans.
const tracerName = "github.com/sibilant-audio/sibilant"

// Tracer returns the sibilant tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span named name on the sibilant tracer. The caller must
// End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span in ctx, or the empty
// string when ctx carries no trace. Operators line up client reports with
// server logs by this value.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TraceAttrs returns trace_id and span_id log attributes for the span in
// ctx, or nil when ctx carries no trace.
func TraceAttrs(ctx context.Context) []slog.Attr {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}

// Logger returns [slog.Default] enriched with the trace attributes from ctx.
// Outside a span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	attrs := TraceAttrs(ctx)
	if len(attrs) == 0 {
		return slog.Default()
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return slog.Default().With(args...)
}
