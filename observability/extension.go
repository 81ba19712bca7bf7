package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/request"
)

// meterName is the instrumentation scope name for turnstile metrics.
const meterName = "github.com/turnhq/turnstile/observability"

// Compile-time interface checks.
var (
	_ hooks.Extension        = (*MetricsExtension)(nil)
	_ hooks.RequestAccepted  = (*MetricsExtension)(nil)
	_ hooks.TurnStarted      = (*MetricsExtension)(nil)
	_ hooks.RequestCompleted = (*MetricsExtension)(nil)
	_ hooks.RequestFailed    = (*MetricsExtension)(nil)
	_ hooks.RequestReclaimed = (*MetricsExtension)(nil)
	_ hooks.LockTimedOut     = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OTel
// instruments. Register it as a Turnstile extension to automatically
// track accept rates, completion counts, failure rates, reclaims, and
// lock timeouts, all partitioned by channel.
type MetricsExtension struct {
	accepted     metric.Int64Counter
	turnsStarted metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	reclaimed    metric.Int64Counter
	lockTimeouts metric.Int64Counter
	turnDuration metric.Float64Histogram
	lockWaited   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If none is configured, noop instruments are used and
// every hook becomes a pass-through.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this to inject a specific MeterProvider for
// testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// The OTel API contract guarantees noop instruments on error, so
	// instrument creation errors are safe to discard.
	m.accepted, _ = meter.Int64Counter(
		"turnstile.request.accepted",
		metric.WithDescription("Requests durably appended to the ledger"),
		metric.WithUnit("{request}"),
	)
	m.turnsStarted, _ = meter.Int64Counter(
		"turnstile.turn.started",
		metric.WithDescription("Turns that claimed a request and began a backend call"),
		metric.WithUnit("{turn}"),
	)
	m.completed, _ = meter.Int64Counter(
		"turnstile.request.completed",
		metric.WithDescription("Requests completed successfully"),
		metric.WithUnit("{request}"),
	)
	m.failed, _ = meter.Int64Counter(
		"turnstile.request.failed",
		metric.WithDescription("Requests that failed"),
		metric.WithUnit("{request}"),
	)
	m.reclaimed, _ = meter.Int64Counter(
		"turnstile.request.reclaimed",
		metric.WithDescription("Stuck requests recovered by the reclaimer"),
		metric.WithUnit("{request}"),
	)
	m.lockTimeouts, _ = meter.Int64Counter(
		"turnstile.lock.timeout",
		metric.WithDescription("Session lock acquisitions that timed out"),
		metric.WithUnit("{timeout}"),
	)
	m.turnDuration, _ = meter.Float64Histogram(
		"turnstile.turn.duration",
		metric.WithDescription("End-to-end turn time from claim to completion in seconds"),
		metric.WithUnit("s"),
	)
	m.lockWaited, _ = meter.Float64Histogram(
		"turnstile.lock.waited",
		metric.WithDescription("Time spent waiting for a session lock before giving up in seconds"),
		metric.WithUnit("s"),
	)
	return m
}

// Name implements hooks.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func channelAttr(r *request.Request) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", r.Channel))
}

// ── Request lifecycle hooks ─────────────────────────

// OnRequestAccepted implements hooks.RequestAccepted.
func (m *MetricsExtension) OnRequestAccepted(ctx context.Context, r *request.Request) error {
	m.accepted.Add(ctx, 1, channelAttr(r))
	return nil
}

// OnTurnStarted implements hooks.TurnStarted.
func (m *MetricsExtension) OnTurnStarted(ctx context.Context, r *request.Request) error {
	m.turnsStarted.Add(ctx, 1, channelAttr(r))
	return nil
}

// OnRequestCompleted implements hooks.RequestCompleted.
func (m *MetricsExtension) OnRequestCompleted(ctx context.Context, r *request.Request, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, channelAttr(r))
	m.turnDuration.Record(ctx, elapsed.Seconds(), channelAttr(r))
	return nil
}

// OnRequestFailed implements hooks.RequestFailed.
func (m *MetricsExtension) OnRequestFailed(ctx context.Context, r *request.Request, _ error) error {
	m.failed.Add(ctx, 1, channelAttr(r))
	return nil
}

// OnRequestReclaimed implements hooks.RequestReclaimed.
func (m *MetricsExtension) OnRequestReclaimed(ctx context.Context, r *request.Request, policy request.ReclaimPolicy) error {
	m.reclaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", r.Channel),
		attribute.String("policy", string(policy)),
	))
	return nil
}

// ── Scheduler hooks ─────────────────────────────────

// OnLockTimedOut implements hooks.LockTimedOut.
func (m *MetricsExtension) OnLockTimedOut(ctx context.Context, _ string, waited time.Duration) error {
	m.lockTimeouts.Add(ctx, 1)
	m.lockWaited.Record(ctx, waited.Seconds())
	return nil
}
