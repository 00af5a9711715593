package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventorder/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventorder/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Source hands out batches of unpublished records. *Repository implements it.
type Source interface {
	ClaimBatch(ctx context.Context, limit int, publish func(context.Context, []Record) error) (int, error)
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	source    Source
	writer    MessageWriter
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(source Source, writer MessageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		source:    source,
		writer:    writer,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishBatch publishes one batch and returns how many records were sent.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	return p.source.ClaimBatch(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgCtx := otelx.TraceContext{Traceparent: r.Traceparent, Tracestate: r.Tracestate}.Attach(ctx)
			msg := kafka.Message{
				Topic: r.EventType,
				Key:   []byte(r.AggregateID),
				Value: r.Payload,
				Headers: []kafka.Header{
					{Key: kafkax.HeaderEventID, Value: []byte(r.EventID)},
					{Key: kafkax.HeaderEventType, Value: []byte(r.EventType)},
					{Key: kafkax.HeaderAggregateID, Value: []byte(r.AggregateID)},
				},
			}
			msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
			msgs = append(msgs, msg)
		}
		return p.writer.WriteMessages(ctx, msgs...)
	})
}
