package ordering

import (
	"context"
	"log/slog"

	otelx "github.com/md-rashed-zaman/eventorder/libs/otel"
)

// drainer is the apply/advance step shared by Reorderer and Sweeper.
type drainer struct {
	applier Applier
	logger  *slog.Logger
}

func (d *drainer) apply(ctx context.Context, evt Event) error {
	if d.applier == nil {
		return &ApplyError{AggregateID: evt.AggregateID, SequenceNumber: evt.SequenceNumber, EventType: evt.EventType, Err: errNoApplier}
	}
	if err := d.applier.Apply(ctx, evt); err != nil {
		return &ApplyError{AggregateID: evt.AggregateID, SequenceNumber: evt.SequenceNumber, EventType: evt.EventType, Err: err}
	}
	return nil
}

// step applies the event buffered at last+1, if there is one.
func (d *drainer) step(ctx context.Context, tx Tx, aggregateID string) (bool, error) {
	state, err := tx.Get(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	next := state.Expected()

	buffered, ok, err := tx.TakeNext(ctx, aggregateID, next)
	if err != nil || !ok {
		return false, err
	}

	applyCtx := otelx.TraceContext{Traceparent: buffered.Traceparent, Tracestate: buffered.Tracestate}.Attach(ctx)
	if err := d.apply(applyCtx, buffered.Event()); err != nil {
		return false, err
	}
	if err := tx.Advance(ctx, aggregateID, next); err != nil {
		return false, err
	}

	d.logger.Debug("buffered event drained",
		"aggregate_id", aggregateID,
		"sequence", next,
		"event_type", buffered.EventType,
		"buffered_for_ms", timeSince(buffered.BufferedAt).Milliseconds(),
	)
	return true, nil
}

// drain repeats step until the first gap.
func (d *drainer) drain(ctx context.Context, tx Tx, aggregateID string) (int, error) {
	n := 0
	for {
		ok, err := d.step(ctx, tx, aggregateID)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}
