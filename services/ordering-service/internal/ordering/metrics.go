package ordering

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	sourceDelivery = "delivery"
	sourceSweep    = "sweep"
)

// Metrics holds the instruments of the reordering engine. A nil *Metrics records nothing.
type Metrics struct {
	applied     metric.Int64Counter
	buffered    metric.Int64Counter
	stale       metric.Int64Counter
	duplicates  metric.Int64Counter
	bufferDepth metric.Int64Gauge
	blocked     metric.Int64Gauge
	oldestAge   metric.Float64Gauge
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("eventorder.ordering")

	var (
		m   Metrics
		err error
	)

	m.applied, err = meter.Int64Counter(
		"ordering.events.applied",
		metric.WithDescription("Events applied to business logic"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.events.applied counter: %w", err)
	}

	m.buffered, err = meter.Int64Counter(
		"ordering.events.buffered",
		metric.WithDescription("Events that arrived ahead of the expected sequence"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.events.buffered counter: %w", err)
	}

	m.stale, err = meter.Int64Counter(
		"ordering.events.stale",
		metric.WithDescription("Deliveries at or below the applied watermark"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.events.stale counter: %w", err)
	}

	m.duplicates, err = meter.Int64Counter(
		"ordering.events.duplicate_buffered",
		metric.WithDescription("Deliveries of a sequence that was already buffered"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.events.duplicate_buffered counter: %w", err)
	}

	m.bufferDepth, err = meter.Int64Gauge(
		"ordering.buffer.depth",
		metric.WithDescription("Buffered events across all aggregates"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.buffer.depth gauge: %w", err)
	}

	m.blocked, err = meter.Int64Gauge(
		"ordering.buffer.aggregates",
		metric.WithDescription("Aggregates holding at least one buffered event"),
		metric.WithUnit("{aggregate}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.buffer.aggregates gauge: %w", err)
	}

	m.oldestAge, err = meter.Float64Gauge(
		"ordering.buffer.oldest_age",
		metric.WithDescription("Age of the oldest buffered event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ordering.buffer.oldest_age gauge: %w", err)
	}

	return &m, nil
}

func (m *Metrics) addApplied(ctx context.Context, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.applied.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) addBuffered(ctx context.Context) {
	if m == nil {
		return
	}
	m.buffered.Add(ctx, 1)
}

func (m *Metrics) addStale(ctx context.Context) {
	if m == nil {
		return
	}
	m.stale.Add(ctx, 1)
}

func (m *Metrics) addDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

func (m *Metrics) recordBufferStats(ctx context.Context, stats BufferStats, now time.Time) {
	if m == nil {
		return
	}
	m.bufferDepth.Record(ctx, stats.Events)
	m.blocked.Record(ctx, stats.Aggregates)
	age := 0.0
	if !stats.OldestBufferedAt.IsZero() {
		age = now.Sub(stats.OldestBufferedAt).Seconds()
	}
	m.oldestAge.Record(ctx, age)
}
