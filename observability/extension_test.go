package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/observability"
	"github.com/turnhq/turnstile/request"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s: expected Sum[int64] data type", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newTestRequest() *request.Request {
	return &request.Request{
		ID:        id.NewRequestID(),
		SessionID: "sess-obs",
		Channel:   "chat",
		Status:    request.StatusPending,
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e := observability.NewMetricsExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_RequestAccepted(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnRequestAccepted(context.Background(), newTestRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "turnstile.request.accepted"); got != 1 {
		t.Errorf("accepted: want 1, got %d", got)
	}
}

func TestMetricsExtension_RequestCompleted(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnRequestCompleted(context.Background(), newTestRequest(), 150*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "turnstile.request.completed"); got != 1 {
		t.Errorf("completed: want 1, got %d", got)
	}

	m := findMetric(rm, "turnstile.turn.duration")
	if m == nil {
		t.Fatal("turnstile.turn.duration metric not found")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Error("expected one duration data point")
	}
}

func TestMetricsExtension_RequestFailed(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnRequestFailed(context.Background(), newTestRequest(), errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "turnstile.request.failed"); got != 1 {
		t.Errorf("failed: want 1, got %d", got)
	}
}

func TestMetricsExtension_RequestReclaimed(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnRequestReclaimed(context.Background(), newTestRequest(), request.ReclaimRequeue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "turnstile.request.reclaimed"); got != 1 {
		t.Errorf("reclaimed: want 1, got %d", got)
	}
}

func TestMetricsExtension_LockTimedOut(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnLockTimedOut(context.Background(), "sess-obs", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "turnstile.lock.timeout"); got != 1 {
		t.Errorf("lock timeouts: want 1, got %d", got)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	reg := hooks.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	r := newTestRequest()

	reg.EmitRequestAccepted(ctx, r)
	reg.EmitTurnStarted(ctx, r)
	reg.EmitRequestCompleted(ctx, r, 50*time.Millisecond)
	reg.EmitRequestFailed(ctx, r, errors.New("fail"))
	reg.EmitRequestReclaimed(ctx, r, request.ReclaimFail)
	reg.EmitLockTimedOut(ctx, r.SessionID, time.Second)

	rm := collectMetrics(t, reader)
	for _, name := range []string{
		"turnstile.request.accepted",
		"turnstile.turn.started",
		"turnstile.request.completed",
		"turnstile.request.failed",
		"turnstile.request.reclaimed",
		"turnstile.lock.timeout",
	} {
		if got := counterValue(t, rm, name); got != 1 {
			t.Errorf("%s: want 1, got %d", name, got)
		}
	}
}
