package realtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/roach88/campaignsync/internal/realtime"

type coordinatorMetrics struct {
	pendingUpdates metric.Int64Gauge
	erroredUpdates metric.Int64Gauge
	queued         metric.Int64Gauge
	failed         metric.Int64Gauge
	subscriptions  metric.Int64Gauge
}

func newCoordinatorMetrics(logger *slog.Logger) *coordinatorMetrics {
	meter := otel.Meter(meterName)
	var errs []error
	gauge := func(name, desc string) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return g
	}
	m := &coordinatorMetrics{
		pendingUpdates: gauge("campaignsync.ledger.pending", "Optimistic updates awaiting confirmation."),
		erroredUpdates: gauge("campaignsync.ledger.errored", "Optimistic updates whose write failed."),
		queued:         gauge("campaignsync.offline.pending", "Operations waiting in the offline queue."),
		failed:         gauge("campaignsync.offline.failed", "Operations that exhausted their retries."),
		subscriptions:  gauge("campaignsync.subscriptions", "Open remote subscriptions."),
	}
	for _, err := range errs {
		logger.Warn("create sync gauge", "error", err)
	}
	return m
}

func (m *coordinatorMetrics) record(c Context, s Metrics) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("sync.context", c.ID()))
	for _, p := range []struct {
		g metric.Int64Gauge
		v int
	}{
		{m.pendingUpdates, s.PendingUpdates},
		{m.erroredUpdates, s.ErroredUpdates},
		{m.queued, s.QueuedOperations},
		{m.failed, s.FailedOperations},
		{m.subscriptions, s.Subscriptions},
	} {
		if p.g != nil {
			p.g.Record(ctx, int64(p.v), attrs)
		}
	}
}
