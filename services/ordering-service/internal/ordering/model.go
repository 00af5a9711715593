package ordering

import (
	"fmt"
	"strings"
	"time"
)

// Event is a single delivery for an aggregate as handed over by the transport.
type Event struct {
	AggregateID    string
	SequenceNumber uint64
	EventType      string
	Payload        []byte
}

// Validate rejects events that can never be applied. Sequence 0 is not rejected: it is at or
// below every watermark and is skipped as stale.
func (e Event) Validate() error {
	if strings.TrimSpace(e.AggregateID) == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidEvent)
	}
	return nil
}

// AggregateSequenceState is the applied watermark of one aggregate.
type AggregateSequenceState struct {
	AggregateID           string
	LastProcessedSequence uint64
}

// Expected returns the only sequence number that may be applied next.
func (s AggregateSequenceState) Expected() uint64 {
	return s.LastProcessedSequence + 1
}

// BufferedEvent is an event parked until its predecessors have been applied.
// Traceparent and Tracestate carry the W3C trace context of the delivery that buffered it.
type BufferedEvent struct {
	ID             string
	AggregateID    string
	SequenceNumber uint64
	EventType      string
	Payload        []byte
	BufferedAt     time.Time
	Traceparent    string
	Tracestate     string
}

func (b BufferedEvent) Event() Event {
	return Event{
		AggregateID:    b.AggregateID,
		SequenceNumber: b.SequenceNumber,
		EventType:      b.EventType,
		Payload:        b.Payload,
	}
}

// BufferStats summarises the whole buffer. OldestBufferedAt is zero when the buffer is empty.
type BufferStats struct {
	Events           int64
	Aggregates       int64
	OldestBufferedAt time.Time
}
