package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livecopilot"

// StartSpan starts a span on the global tracer provider. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts the "session.start" span for one start attempt
// and returns a logger carrying the span's trace_id and span_id together
// with session_id and mode, so every line logged for the attempt can be
// joined with its trace.
func StartSessionSpan(ctx context.Context, sessionID, mode, persona string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := StartSpan(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("mode", mode),
		attribute.String("persona", persona),
	))
	return ctx, span, Logger(ctx).With("session_id", sessionID, "mode", mode)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Middleware echoes it as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id added when
// ctx carries a valid span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
