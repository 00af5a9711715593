// Package projection is the business side of the ordering pipeline: it records every applied
// order event and announces it downstream.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/outbox"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/postgres"
)

const (
	AggregateType    = "order"
	AppliedEventType = "order.event.applied.v1"
)

// Enqueuer writes an outbox event inside an open transaction.
type Enqueuer interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// AppliedEvent is the payload published for every applied order event.
type AppliedEvent struct {
	OrderID        string          `json:"orderId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type Projector struct {
	logger        *slog.Logger
	outbox        Enqueuer
	txFromContext func(context.Context) (pgx.Tx, bool)
}

var _ ordering.Applier = (*Projector)(nil)

// New returns a Projector. A nil outbox records the event log without announcing it.
func New(logger *slog.Logger, outbox Enqueuer) *Projector {
	return &Projector{
		logger:        logger,
		outbox:        outbox,
		txFromContext: postgres.TxFromContext,
	}
}

// Apply logs the event and, inside a Postgres ordering transaction, appends it to
// order_event_log and enqueues AppliedEventType. Outside Postgres it only logs.
func (p *Projector) Apply(ctx context.Context, evt ordering.Event) error {
	p.logger.InfoContext(ctx, "processing event",
		"aggregate_id", evt.AggregateID,
		"sequence", evt.SequenceNumber,
		"event_type", evt.EventType,
	)

	tx, ok := p.txFromContext(ctx)
	if !ok {
		return nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO order_event_log (aggregate_id, sequence_number, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, evt.AggregateID, int64(evt.SequenceNumber), evt.EventType, nonNil(evt.Payload))
	if err != nil {
		return fmt.Errorf("append order event log: %w", err)
	}

	if p.outbox == nil {
		return nil
	}
	payload, err := json.Marshal(AppliedEvent{
		OrderID:        evt.AggregateID,
		SequenceNumber: evt.SequenceNumber,
		EventType:      evt.EventType,
		Payload:        rawPayload(evt.Payload),
	})
	if err != nil {
		return err
	}
	if err := p.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     AppliedEventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue applied event: %w", err)
	}
	return nil
}

// rawPayload embeds JSON payloads as-is and anything else as a JSON string.
func rawPayload(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
