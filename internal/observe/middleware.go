package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController], which the
// WebSocket upgrade uses to hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietPaths lists paths (health probes, scrapes) whose requests are
// timed but neither traced nor logged above Debug.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, paths...) }
}

type middleware struct {
	metrics *Metrics
	prop    propagation.TextMapPropagator
	quiet   []string
}

// Middleware instruments every request: it continues an incoming W3C trace
// (or starts one), exposes the trace ID as X-Trace-ID, names the span after
// the matched route, tags it with the session key from the path, records
// the request duration by route, and logs the outcome.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	quiet := slices.Contains(mw.quiet, r.URL.Path)
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	if quiet {
		next.ServeHTTP(rec, r)
		mw.record(r, time.Since(start))
		slog.Debug("request completed", "path", r.URL.Path, "status", rec.statusCode)
		return
	}

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	traceID := TraceID(ctx)
	if traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	// The mux fills in Pattern and path values on this request.
	r = r.WithContext(ctx)
	next.ServeHTTP(rec, r)
	duration := time.Since(start)
	mw.record(r, duration)

	if r.Pattern != "" {
		span.SetName(r.Pattern)
		span.SetAttributes(semconv.HTTPRoute(r.Pattern))
	}
	key := r.PathValue("key")
	if key != "" {
		span.SetAttributes(AttrSession.String(key))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

	level := slog.LevelInfo
	if rec.statusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("trace_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.statusCode),
		slog.Duration("duration", duration),
	}
	if key != "" {
		attrs = append(attrs, slog.String("session", key))
	}
	slog.LogAttrs(ctx, level, "request completed", attrs...)
}

// record observes the request duration. The route pattern keeps session keys
// out of the metric labels.
func (mw *middleware) record(r *http.Request, d time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	mw.metrics.HTTPRequestDuration.Record(r.Context(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
		),
	)
}
