package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack implements [http.Hijacker] for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// Middleware returns an [http.Handler] that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts an OTel span for the HTTP request.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records request duration to [Metrics.HTTPRequestDuration], labelled by
//     the matched route pattern rather than the raw path.
//  5. Logs request completion with status code, duration, and trace info.
//
// Steps 4 and 5 also run when the handler aborts with a panic such as
// [http.ErrAbortHandler]; the request is then logged as aborted and the
// panic continues to the server.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			completed := false
			defer func() {
				duration := time.Since(start)
				// ServeMux stores the matched pattern on the request it was given.
				route := r.Pattern
				if route == "" {
					route = r.URL.Path
				}
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", route),
						attribute.Bool("aborted", !completed),
					),
				)
				span.SetAttributes(
					semconv.HTTPResponseStatusCode(rec.statusCode),
					semconv.HTTPRoute(route),
				)
				level, msg := slog.LevelInfo, "request completed"
				if !completed {
					level, msg = slog.LevelWarn, "request aborted"
					span.SetStatus(codes.Error, msg)
				}
				span.End()
				slog.LogAttrs(ctx, level, msg,
					slog.String("trace_id", cid),
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", rec.statusCode),
					slog.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(rec, r)
			completed = true
		})
	}
}
