package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/eventorder/libs/kafkax"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/segmentio/kafka-go"
)

// OrderEvent is the JSON value of a message on the order events topic.
type OrderEvent struct {
	OrderID        string          `json:"orderId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Decode maps msg to an ordering event. Missing fields fall back to the message metadata:
// aggregate_id header or key for the id, event_type header or topic for the type.
func Decode(msg kafka.Message) (ordering.Event, error) {
	var wire OrderEvent
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return ordering.Event{}, fmt.Errorf("%w: decode order event: %v", ordering.ErrInvalidEvent, err)
	}

	evt := ordering.Event{
		AggregateID:    wire.OrderID,
		SequenceNumber: wire.SequenceNumber,
		EventType:      wire.EventType,
	}
	meta := kafkax.ExtractEventMeta(msg)
	if evt.AggregateID == "" {
		evt.AggregateID = meta.AggregateID
	}
	if evt.EventType == "" {
		evt.EventType = meta.EventType
	}
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		evt.Payload = []byte(wire.Payload)
	}
	return evt, evt.Validate()
}
