package ordering

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict is returned by Advance when the stored watermark is not next-1.
	ErrSequenceConflict = errors.New("sequence conflict")
	// ErrDuplicateBufferedSequence is returned by Put when the (aggregate, sequence) pair is already buffered.
	ErrDuplicateBufferedSequence = errors.New("duplicate buffered sequence")
	// ErrBusinessLogic marks failures of the Applier. Nothing was committed.
	ErrBusinessLogic = errors.New("business logic failure")
	// ErrStorage marks failures of the underlying persistence. Nothing was committed.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidEvent is a permanent failure: redelivering the same event cannot succeed.
	ErrInvalidEvent = errors.New("invalid event")
)

// ApplyError reports the event whose business logic failed.
type ApplyError struct {
	AggregateID    string
	SequenceNumber uint64
	EventType      string
	Err            error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s seq=%d type=%s: %v", e.AggregateID, e.SequenceNumber, e.EventType, e.Err)
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrBusinessLogic, e.Err}
}
