package offline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/roach88/campaignsync/internal/offline"

type queueMetrics struct {
	replays metric.Int64Counter
}

func newQueueMetrics(logger *slog.Logger) *queueMetrics {
	counter, err := otel.Meter(meterName).Int64Counter(
		"campaignsync.offline.replays",
		metric.WithDescription("Offline operation replay attempts by outcome."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("create offline replay counter", "error", err)
		return &queueMetrics{}
	}
	return &queueMetrics{replays: counter}
}

func (m *queueMetrics) replayed(o outcome) {
	if m == nil || m.replays == nil {
		return
	}
	m.replays.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}

func (o outcome) String() string {
	switch o {
	case outcomeApplied:
		return "applied"
	case outcomeRequeued:
		return "requeued"
	case outcomeFailed:
		return "failed"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
