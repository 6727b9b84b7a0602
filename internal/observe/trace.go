package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/cadenza"

// StartSpan starts a span on the global cadenza tracer. The caller must call
// span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type loggerKey struct{}

// TrackSpan opens the "session.track" span covering one track of the
// session in channelID, from resolve to the last frame handed to the
// dispatcher. The returned context carries a logger, read back with [Log],
// tagged with channel_id, ref and trace_id.
//
// end closes the span. A non-nil err other than cancellation marks the span
// failed; a skip cancels the track's context and is not a failure.
func TrackSpan(ctx context.Context, channelID, ref string) (_ context.Context, end func(err error)) {
	ctx, span := StartSpan(ctx, "session.track",
		trace.WithAttributes(
			attribute.String("cadenza.channel_id", channelID),
			attribute.String("cadenza.track.ref", ref),
		),
	)
	l := Log(ctx).With(slog.String("channel_id", channelID), slog.String("ref", ref))
	if cid := CorrelationID(ctx); cid != "" {
		l = l.With(slog.String("trace_id", cid))
	}
	ctx = context.WithValue(ctx, loggerKey{}, l)

	return ctx, func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Log returns the logger attached by [TrackSpan], or the default logger.
func Log(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
