package ordering_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

var errApply = errors.New("downstream unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is an Applier that remembers what it applied and can be told to fail.
type recorder struct {
	mu      sync.Mutex
	applied map[string][]uint64
	failOn  map[uint64]bool
}

func newRecorder() *recorder {
	return &recorder{applied: map[string][]uint64{}, failOn: map[uint64]bool{}}
}

func (r *recorder) Apply(_ context.Context, evt ordering.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[evt.SequenceNumber] {
		return errApply
	}
	r.applied[evt.AggregateID] = append(r.applied[evt.AggregateID], evt.SequenceNumber)
	return nil
}

func (r *recorder) fail(seq uint64, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[seq] = fail
}

func (r *recorder) of(aggregateID string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.applied[aggregateID]...)
}

type harness struct {
	store     ordering.Store
	applier   *recorder
	reorderer *ordering.Reorderer
	sweeper   *ordering.Sweeper
}

func newHarness() *harness {
	return newHarnessOn(memory.New())
}

func newHarnessOn(store ordering.Store) *harness {
	applier := newRecorder()
	return &harness{
		store:     store,
		applier:   applier,
		reorderer: ordering.NewReorderer(store, applier, discardLogger(), ordering.ReordererConfig{}),
		sweeper:   ordering.NewSweeper(store, applier, discardLogger(), ordering.SweeperConfig{}),
	}
}

func event(aggregateID string, seq uint64) ordering.Event {
	return ordering.Event{
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      "OrderUpdated",
		Payload:        []byte(`{"seq":` + strconv.FormatUint(seq, 10) + `}`),
	}
}

func (h *harness) deliver(t *testing.T, aggregateID string, seq uint64) int {
	t.Helper()
	n, err := h.reorderer.Handle(context.Background(), event(aggregateID, seq))
	require.NoError(t, err)
	return n
}

func (h *harness) last(t *testing.T, aggregateID string) uint64 {
	t.Helper()
	var last uint64
	err := h.store.InAggregateTx(context.Background(), aggregateID, func(ctx context.Context, tx ordering.Tx) error {
		state, err := tx.Get(ctx, aggregateID)
		last = state.LastProcessedSequence
		return err
	})
	require.NoError(t, err)
	return last
}

func (h *harness) buffered(t *testing.T, aggregateID string) []uint64 {
	t.Helper()
	var seqs []uint64
	err := h.store.InAggregateTx(context.Background(), aggregateID, func(ctx context.Context, tx ordering.Tx) error {
		pending, err := tx.ListByAggregate(ctx, aggregateID)
		for _, p := range pending {
			seqs = append(seqs, p.SequenceNumber)
		}
		return err
	})
	require.NoError(t, err)
	return seqs
}

func (h *harness) advanceTo(t *testing.T, aggregateID string, seq uint64) {
	t.Helper()
	err := h.store.InAggregateTx(context.Background(), aggregateID, func(ctx context.Context, tx ordering.Tx) error {
		state, err := tx.Get(ctx, aggregateID)
		if err != nil {
			return err
		}
		for next := state.Expected(); next <= seq; next++ {
			if err := tx.Advance(ctx, aggregateID, next); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}
