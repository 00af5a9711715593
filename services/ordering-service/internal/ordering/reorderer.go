package ordering

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/eventorder/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("eventorder/ordering")

// timeSince is replaced in tests.
var timeSince = time.Since

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeBuffered  outcome = "buffered"
	outcomeDuplicate outcome = "duplicate_buffered"
	outcomeStale     outcome = "stale"
)

// Reorderer applies each aggregate's events in strictly ascending sequence order.
type Reorderer struct {
	drainer
	store              Store
	metrics            *Metrics
	maxConflictRetries int
	now                func() time.Time
}

type ReordererConfig struct {
	// MaxConflictRetries bounds how often a scope that hit ErrSequenceConflict is re-run.
	MaxConflictRetries int
	Metrics            *Metrics
}

func NewReorderer(store Store, applier Applier, logger *slog.Logger, cfg ReordererConfig) *Reorderer {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reorderer{
		drainer:            drainer{applier: applier, logger: logger},
		store:              store,
		metrics:            cfg.Metrics,
		maxConflictRetries: cfg.MaxConflictRetries,
		now:                time.Now,
	}
}

// Handle processes one delivery and returns how many events were applied: the delivery itself
// plus any contiguous buffered run behind it. Early deliveries are buffered and stale ones are
// dropped; both return 0 and no error. On error nothing was committed and the delivery should
// be redelivered, unless the error is ErrInvalidEvent.
func (r *Reorderer) Handle(ctx context.Context, evt Event) (int, error) {
	if err := evt.Validate(); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "ordering.handle",
		trace.WithAttributes(
			attribute.String("ordering.aggregate_id", evt.AggregateID),
			attribute.Int64("ordering.sequence", int64(evt.SequenceNumber)),
			attribute.String("ordering.event_type", evt.EventType),
		),
	)
	defer span.End()

	var (
		applied int
		result  outcome
	)
	for attempt := 0; ; attempt++ {
		err := r.store.InAggregateTx(ctx, evt.AggregateID, func(ctx context.Context, tx Tx) error {
			var err error
			result, applied, err = r.handleInTx(ctx, tx, evt)
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrSequenceConflict) && attempt < r.maxConflictRetries {
			r.logger.Warn("sequence conflict, retrying",
				"aggregate_id", evt.AggregateID,
				"sequence", evt.SequenceNumber,
				"attempt", attempt+1,
			)
			continue
		}
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(
		attribute.String("ordering.outcome", string(result)),
		attribute.Int("ordering.applied", applied),
	)
	switch result {
	case outcomeApplied:
		r.metrics.addApplied(ctx, sourceDelivery, applied)
	case outcomeBuffered:
		r.metrics.addBuffered(ctx)
	case outcomeDuplicate:
		r.metrics.addDuplicate(ctx)
	case outcomeStale:
		r.metrics.addStale(ctx)
	}
	return applied, nil
}

func (r *Reorderer) handleInTx(ctx context.Context, tx Tx, evt Event) (outcome, int, error) {
	state, err := tx.Get(ctx, evt.AggregateID)
	if err != nil {
		return "", 0, err
	}
	expected := state.Expected()

	switch {
	case evt.SequenceNumber == expected:
		if err := r.apply(ctx, evt); err != nil {
			return "", 0, err
		}
		if err := tx.Advance(ctx, evt.AggregateID, evt.SequenceNumber); err != nil {
			return "", 0, err
		}
		drained, err := r.drain(ctx, tx, evt.AggregateID)
		if err != nil {
			return "", 0, err
		}
		if drained > 0 {
			r.logger.Info("buffered run drained",
				"aggregate_id", evt.AggregateID,
				"trigger_sequence", evt.SequenceNumber,
				"drained", drained,
				"last_processed", evt.SequenceNumber+uint64(drained),
			)
		}
		return outcomeApplied, 1 + drained, nil

	case evt.SequenceNumber > expected:
		result, err := r.buffer(ctx, tx, evt, expected)
		return result, 0, err

	default:
		r.logger.Info("stale event skipped",
			"aggregate_id", evt.AggregateID,
			"last_processed", state.LastProcessedSequence,
			"sequence", evt.SequenceNumber,
		)
		return outcomeStale, 0, nil
	}
}

func (r *Reorderer) buffer(ctx context.Context, tx Tx, evt Event, expected uint64) (outcome, error) {
	tc := otelx.Capture(ctx)
	err := tx.Put(ctx, BufferedEvent{
		ID:             uuid.NewString(),
		AggregateID:    evt.AggregateID,
		SequenceNumber: evt.SequenceNumber,
		EventType:      evt.EventType,
		Payload:        evt.Payload,
		BufferedAt:     r.now().UTC(),
		Traceparent:    tc.Traceparent,
		Tracestate:     tc.Tracestate,
	})
	if err == nil {
		r.logger.Warn("out-of-order event buffered",
			"aggregate_id", evt.AggregateID,
			"expected", expected,
			"sequence", evt.SequenceNumber,
		)
		return outcomeBuffered, nil
	}
	if !errors.Is(err, ErrDuplicateBufferedSequence) {
		return "", err
	}

	pending, err := tx.ListByAggregate(ctx, evt.AggregateID)
	if err != nil {
		return "", err
	}
	for _, existing := range pending {
		if existing.SequenceNumber != evt.SequenceNumber {
			continue
		}
		if existing.EventType != evt.EventType || !bytes.Equal(existing.Payload, evt.Payload) {
			r.logger.Warn("conflicting redelivery for buffered sequence, keeping first copy",
				"aggregate_id", evt.AggregateID,
				"sequence", evt.SequenceNumber,
				"buffered_event_type", existing.EventType,
				"event_type", evt.EventType,
			)
			return outcomeDuplicate, nil
		}
		break
	}
	r.logger.Info("duplicate buffered event ignored",
		"aggregate_id", evt.AggregateID,
		"sequence", evt.SequenceNumber,
	)
	return outcomeDuplicate, nil
}

// classify keeps the taxonomy errors intact and tags everything else as a storage failure.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrBusinessLogic),
		errors.Is(err, ErrSequenceConflict),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}
