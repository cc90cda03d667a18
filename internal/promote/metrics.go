package promote

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type promoteMetrics struct {
	responses metric.Int64Counter
	union     metric.Int64Counter
	repairs   metric.Int64Counter
	duration  metric.Int64Histogram
}

func newPromoteMetrics(logger pslog.Logger) *promoteMetrics {
	meter := otel.Meter("pkt.systems/mprepair/promote")
	m := &promoteMetrics{}
	var err error

	m.responses, err = meter.Int64Counter(
		"mprepair.promote.responses",
		metric.WithDescription("Repair-log responses delivered to a promotion"),
	)
	logMetricInitError(logger, "mprepair.promote.responses", err)

	m.union, err = meter.Int64Counter(
		"mprepair.promote.union",
		metric.WithDescription("Repair-log union merge decisions"),
	)
	logMetricInitError(logger, "mprepair.promote.union", err)

	m.repairs, err = meter.Int64Counter(
		"mprepair.promote.repairs",
		metric.WithDescription("Repair messages broadcast to survivors"),
	)
	logMetricInitError(logger, "mprepair.promote.repairs", err)

	m.duration, err = meter.Int64Histogram(
		"mprepair.promote.duration_ms",
		metric.WithDescription("Time from promotion start to resolution"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "mprepair.promote.duration_ms", err)

	return m
}

func (m *promoteMetrics) recordResponse(ctx context.Context, result string) {
	if m == nil || m.responses == nil {
		return
	}
	m.responses.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("mprepair.promote.result", result)))
}

func (m *promoteMetrics) recordUnion(ctx context.Context, action offerResult) {
	if m == nil || m.union == nil {
		return
	}
	m.union.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("mprepair.promote.action", string(action))))
}

func (m *promoteMetrics) recordRepair(ctx context.Context, kind repairKind, result string) {
	if m == nil || m.repairs == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("mprepair.promote.kind", string(kind)),
		attribute.String("mprepair.promote.result", result),
	}
	m.repairs.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *promoteMetrics) recordOutcome(ctx context.Context, outcome ResultState, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(metricContext(ctx), elapsed.Milliseconds(), metric.WithAttributes(attribute.String("mprepair.promote.outcome", string(outcome))))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
