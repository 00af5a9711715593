package ordering

import "context"

// SequenceStore persists the highest applied sequence per aggregate.
type SequenceStore interface {
	// Get returns the aggregate's state, creating the zero state if absent.
	Get(ctx context.Context, aggregateID string) (AggregateSequenceState, error)
	// Advance moves the watermark to next. It fails with ErrSequenceConflict unless next == last+1.
	Advance(ctx context.Context, aggregateID string, next uint64) error
}

// EventBuffer persists events that arrived ahead of the expected sequence.
type EventBuffer interface {
	// Put stores evt. It fails with ErrDuplicateBufferedSequence if the pair exists and never overwrites it.
	Put(ctx context.Context, evt BufferedEvent) error
	// TakeNext removes and returns the event buffered at exactly expected.
	TakeNext(ctx context.Context, aggregateID string, expected uint64) (BufferedEvent, bool, error)
	// ListByAggregate returns the aggregate's buffered events in ascending sequence order.
	ListByAggregate(ctx context.Context, aggregateID string) ([]BufferedEvent, error)
}

// Tx is the exclusive view of one aggregate's state and buffer.
type Tx interface {
	SequenceStore
	EventBuffer
}

// Store owns SequenceStore and EventBuffer and the per-aggregate atomic scope around them.
type Store interface {
	// InAggregateTx runs fn with exclusive access to aggregateID. Changes made through tx are
	// committed when fn returns nil and discarded otherwise. Scopes on different aggregates
	// must not block each other unless the backend documents a global lock.
	InAggregateTx(ctx context.Context, aggregateID string, fn func(ctx context.Context, tx Tx) error) error
	// BufferedAggregates lists every aggregate holding at least one buffered event.
	BufferedAggregates(ctx context.Context) ([]string, error)
	BufferStats(ctx context.Context) (BufferStats, error)
}
