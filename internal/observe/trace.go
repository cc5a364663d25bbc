package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/meetrec"

// Span attribute keys shared by the session and provider spans.
const (
	AttrSession  = attribute.Key("meetrec.session")
	AttrProvider = attribute.Key("meetrec.provider")
	AttrKind     = attribute.Key("meetrec.provider.kind")
)

type sessionKey struct{}

// Tracer returns the meetrec tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartProviderSpan starts a client span around one call to an external
// transcription or minutes provider. The returned function ends the span and
// marks it failed when err is non-nil.
func StartProviderSpan(ctx context.Context, kind, provider string) (context.Context, func(err error)) {
	attrs := []attribute.KeyValue{AttrKind.String(kind), AttrProvider.String(provider)}
	if key := SessionKey(ctx); key != "" {
		attrs = append(attrs, AttrSession.String(key))
	}
	ctx, span := StartSpan(ctx, kind+" "+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// WithSession tags ctx with a session key. [Logger] and [StartProviderSpan]
// pick it up.
func WithSession(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKey{}, key)
}

// SessionKey returns the key stored by [WithSession], or "".
func SessionKey(ctx context.Context) string {
	key, _ := ctx.Value(sessionKey{}).(string)
	return key
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span IDs and
// the session key found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if key := SessionKey(ctx); key != "" {
		l = l.With(slog.String("session", key))
	}
	return l
}
