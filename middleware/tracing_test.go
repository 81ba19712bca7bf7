package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/turnhq/turnstile/middleware"
)

func setupTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, provider.Tracer("test")
}

func TestTracing_RecordsSpan(t *testing.T) {
	t.Parallel()
	recorder, tracer := setupTracer(t)

	r := newRequest()
	mw := middleware.TracingWithTracer(tracer)
	err := mw(context.Background(), r, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "turnstile.backend.invoke" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindClient {
		t.Errorf("span kind = %v", span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}

	attrs := span.Attributes()
	want := map[attribute.Key]string{
		"turnstile.request.id": r.ID.String(),
		"turnstile.session.id": r.SessionID,
		"turnstile.channel":    r.Channel,
	}
	for _, kv := range attrs {
		if expected, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != expected {
				t.Errorf("attribute %s = %q, want %q", kv.Key, kv.Value.AsString(), expected)
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
}

func TestTracing_RecordsError(t *testing.T) {
	t.Parallel()
	recorder, tracer := setupTracer(t)

	backendErr := errors.New("model unavailable")
	mw := middleware.TracingWithTracer(tracer)
	err := mw(context.Background(), newRequest(), func(context.Context) error { return backendErr })
	if !errors.Is(err, backendErr) {
		t.Fatalf("error not propagated: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	if span.Status().Description != "model unavailable" {
		t.Errorf("status description = %q", span.Status().Description)
	}
	if len(span.Events()) == 0 {
		t.Error("no error event recorded")
	}
}

func TestTracing_SpanContextPropagates(t *testing.T) {
	t.Parallel()
	_, tracer := setupTracer(t)

	mw := middleware.TracingWithTracer(tracer)
	err := mw(context.Background(), newRequest(), func(ctx context.Context) error {
		if !trace.SpanContextFromContext(ctx).IsValid() {
			t.Error("no span context inside the handler")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
}
