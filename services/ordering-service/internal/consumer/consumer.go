package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/eventorder/libs/kafkax"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageReader is the subset of *kafka.Reader used with explicit commits.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter publishes dead letters. *kafka.Writer implements it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Handler is satisfied by *ordering.Reorderer.
type Handler interface {
	Handle(ctx context.Context, evt ordering.Event) (int, error)
}

type Config struct {
	Brokers           string
	GroupID           string
	Topic             string
	DeadLetterTopic   string
	RetryAttempts     uint
	BackoffInitial    time.Duration
	BackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// NewReader returns a consumer-group reader. Offsets are committed explicitly.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kafkax.SplitBrokers(cfg.Brokers),
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

type Consumer struct {
	reader     MessageReader
	deadLetter MessageWriter
	handler    Handler
	logger     *slog.Logger
	cfg        Config
}

// New returns a Consumer. A nil deadLetter writer or an empty DeadLetterTopic disables
// dead-lettering: exhausted messages are then retried until they succeed.
func New(reader MessageReader, deadLetter MessageWriter, handler Handler, logger *slog.Logger, cfg Config) *Consumer {
	cfg = cfg.withDefaults()
	if cfg.DeadLetterTopic == "" {
		deadLetter = nil
	}
	return &Consumer{
		reader:     reader,
		deadLetter: deadLetter,
		handler:    handler,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run consumes until ctx is cancelled. A message's offset is committed only after it was
// handled, dead-lettered or dropped as poison.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		for {
			err := c.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("message not handled, redelivering",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
			if !sleep(ctx, c.cfg.BackoffInitial) {
				return nil
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka commit error", "offset", msg.Offset, "err", err)
		}
	}
}

// process returns nil when msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	evt, err := Decode(msg)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("poison message", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		return c.sendDeadLetter(ctx, msg, err)
	}
	span.SetAttributes(
		attribute.String("ordering.aggregate_id", evt.AggregateID),
		attribute.Int64("ordering.sequence", int64(evt.SequenceNumber)),
	)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BackoffInitial
	exp.Multiplier = c.cfg.BackoffMultiplier

	_, err = backoff.Retry(ctx, func() (int, error) {
		n, err := c.handler.Handle(ctx, evt)
		if errors.Is(err, ordering.ErrInvalidEvent) {
			return n, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(c.cfg.RetryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("event handling failed, retrying",
				"aggregate_id", evt.AggregateID,
				"sequence", evt.SequenceNumber,
				"retry_in", next.String(),
				"err", err,
			)
		}),
	)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "event handling failed")
	if ctx.Err() != nil {
		return err
	}

	c.logger.Error("event handling failed",
		"aggregate_id", evt.AggregateID,
		"sequence", evt.SequenceNumber,
		"attempts", c.cfg.RetryAttempts,
		"err", err,
	)
	var applyErr *ordering.ApplyError
	if errors.As(err, &applyErr) && applyErr.SequenceNumber != evt.SequenceNumber {
		// The delivery itself is applicable; a buffered successor fails in the same scope.
		// Dead-lettering the delivery leaves the aggregate waiting on it.
		c.logger.Error("delivery blocked by failing buffered event",
			"aggregate_id", evt.AggregateID,
			"sequence", evt.SequenceNumber,
			"failing_sequence", applyErr.SequenceNumber,
			"failing_event_type", applyErr.EventType,
			"dead_letter", c.deadLetter != nil,
		)
	}
	if errors.Is(err, ordering.ErrInvalidEvent) {
		return c.sendDeadLetter(ctx, msg, err)
	}
	if c.deadLetter == nil {
		return err
	}
	return c.sendDeadLetter(ctx, msg, err)
}

func (c *Consumer) sendDeadLetter(ctx context.Context, msg kafka.Message, reason error) error {
	if c.deadLetter == nil {
		c.logger.Warn("message dropped, no dead-letter topic configured", "topic", msg.Topic, "offset", msg.Offset)
		return nil
	}
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = kafkax.SetHeader(headers, kafkax.HeaderErrorReason, reason.Error())
	headers = kafkax.SetHeader(headers, kafkax.HeaderOriginalTopic, msg.Topic)
	headers = kafkax.SetHeader(headers, kafkax.HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	headers = kafkax.InjectTraceHeaders(ctx, headers)

	err := c.deadLetter.WriteMessages(ctx, kafka.Message{
		Topic:   c.cfg.DeadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return err
	}
	c.logger.Warn("message dead-lettered", "topic", c.cfg.DeadLetterTopic, "offset", msg.Offset, "reason", reason.Error())
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
