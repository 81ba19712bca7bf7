package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turnhq/turnstile/request"
)

// tracerName is the instrumentation scope name for turnstile tracing.
const tracerName = "github.com/turnhq/turnstile"

// Tracing returns middleware that wraps the backend call in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: turnstile.request.id, turnstile.session.id,
// turnstile.channel. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) error {
		ctx, span := tracer.Start(ctx, "turnstile.backend.invoke",
			trace.WithAttributes(
				attribute.String("turnstile.request.id", r.ID.String()),
				attribute.String("turnstile.session.id", r.SessionID),
				attribute.String("turnstile.channel", r.Channel),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
