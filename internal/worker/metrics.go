package worker

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/richardliu001/user-service/internal/worker"

type publisherMetrics struct {
	published    metric.Int64Counter
	failed       metric.Int64Counter
	deadLettered metric.Int64Counter
	tickDuration metric.Float64Histogram
	batchSize    metric.Int64Gauge
}

func newPublisherMetrics(provider metric.MeterProvider) (publisherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		m   publisherMetrics
		err error
	)
	if m.published, err = meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Outbox events acknowledged by the broker and committed as processed"),
		metric.WithUnit("{event}")); err != nil {
		return m, fmt.Errorf("create outbox.events.published counter: %w", err)
	}
	if m.failed, err = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox publish attempts that failed and stay pending"),
		metric.WithUnit("{event}")); err != nil {
		return m, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}
	if m.deadLettered, err = meter.Int64Counter("outbox.events.dead_lettered",
		metric.WithDescription("Outbox events parked after exhausting their attempts"),
		metric.WithUnit("{event}")); err != nil {
		return m, fmt.Errorf("create outbox.events.dead_lettered counter: %w", err)
	}
	if m.tickDuration, err = meter.Float64Histogram("outbox.tick.duration",
		metric.WithDescription("Duration of one claim, publish and commit cycle"),
		metric.WithUnit("s")); err != nil {
		return m, fmt.Errorf("create outbox.tick.duration histogram: %w", err)
	}
	if m.batchSize, err = meter.Int64Gauge("outbox.batch.size",
		metric.WithDescription("Events claimed by the last tick"),
		metric.WithUnit("{event}")); err != nil {
		return m, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}
	return m, nil
}
