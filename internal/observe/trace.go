package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/binbot-dev/binbot"

// StartSpan starts a span on the globally registered tracer provider. The
// caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// FailSpan records err on span and marks it failed. An empty desc uses the
// error text. A nil err is a no-op.
func FailSpan(span trace.Span, err error, desc string) {
	if err == nil {
		return
	}
	if desc == "" {
		desc = err.Error()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type logAttrsKey struct{}

// WithLogAttrs returns a context whose [Logger] carries attrs after any
// attributes added earlier in the request.
func WithLogAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, logAttrsKey{}, merged)
}

// Logger returns the default logger enriched with the trace_id and span_id
// of the span in ctx and the request attributes set by [WithLogAttrs].
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if attrs, ok := ctx.Value(logAttrsKey{}).([]slog.Attr); ok {
		for _, a := range attrs {
			args = append(args, a)
		}
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
