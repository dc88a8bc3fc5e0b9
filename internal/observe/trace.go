package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/MrWong99/livevox"

	// SessionSpanName names the span that covers one voice session from
	// Start to teardown.
	SessionSpanName = "engine.session"
)

// Attribute keys shared by session spans.
const (
	AttrSessionID = attribute.Key("session.id")
	AttrProvider  = attribute.Key("transport.provider")
)

// StartSpan starts a span on the globally registered [trace.TracerProvider].
// The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts the span of one voice session, tagged with its ID
// and the transport provider that serves it. Finish it with [EndSessionSpan].
func StartSessionSpan(ctx context.Context, sessionID, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, SessionSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrSessionID.String(sessionID), AttrProvider.String(provider)),
	)
}

// EndSessionSpan ends span. A non-nil cause marks the session failed, with
// msg as the status description shown to users.
func EndSessionSpan(span trace.Span, msg string, cause error) {
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx. Without a span it is the default logger unchanged.
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
