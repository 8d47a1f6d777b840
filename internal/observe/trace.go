package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the deskvoice tracer.
const tracerName = "github.com/MrWong99/deskvoice"

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	callIDKey
)

// Tracer returns the deskvoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithSessionID returns a copy of ctx tagged with a voice or dictation
// session ID. Spans started and loggers derived from it carry the ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithCallID returns a copy of ctx tagged with a tool call ID.
func WithCallID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, callIDKey, id)
}

// SessionID returns the session ID stored in ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// CallID returns the tool call ID stored in ctx, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}

// StartSpan starts a span tagged with the session and call IDs found in ctx.
// The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, attribute.String("session.id", id))
	}
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, attribute.String("tool.call_id", id))
	}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID identifies the unit of work in ctx for logs and response
// headers: "<session>/<call>" inside a tool call, the session ID inside a
// session, otherwise the trace ID. Returns "" when ctx carries none of them.
func CorrelationID(ctx context.Context) string {
	session, call := SessionID(ctx), CallID(ctx)
	switch {
	case session != "" && call != "":
		return session + "/" + call
	case session != "":
		return session
	case call != "":
		return call
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with session_id, call_id,
// trace_id and span_id, each only when present in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, slog.String("call_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	l := slog.Default()
	if len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}
