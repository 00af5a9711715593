// Package storetest is a conformance suite for ordering.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/stretchr/testify/require"
)

// Run exercises newStore against the SequenceStore and EventBuffer contracts. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ordering.Store) {
	t.Run("GetCreatesZeroState", func(t *testing.T) { testGetCreatesZeroState(t, newStore(t)) })
	t.Run("AdvanceOnlyByOne", func(t *testing.T) { testAdvanceOnlyByOne(t, newStore(t)) })
	t.Run("PutRejectsDuplicate", func(t *testing.T) { testPutRejectsDuplicate(t, newStore(t)) })
	t.Run("TakeNextRemovesExactSequence", func(t *testing.T) { testTakeNext(t, newStore(t)) })
	t.Run("ListByAggregateAscending", func(t *testing.T) { testListAscending(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("BufferedAggregatesAndStats", func(t *testing.T) { testDiscovery(t, newStore(t)) })
	t.Run("ConcurrentAdvanceSerialized", func(t *testing.T) { testConcurrentAdvance(t, newStore(t)) })
}

func buffered(aggregateID string, seq uint64, payload string) ordering.BufferedEvent {
	return ordering.BufferedEvent{
		ID:             uuid.NewString(),
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		EventType:      "OrderUpdated",
		Payload:        []byte(payload),
		BufferedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func inTx(t *testing.T, store ordering.Store, aggregateID string, fn func(ctx context.Context, tx ordering.Tx) error) {
	t.Helper()
	require.NoError(t, store.InAggregateTx(context.Background(), aggregateID, fn))
}

func lastProcessed(t *testing.T, store ordering.Store, aggregateID string) uint64 {
	t.Helper()
	var last uint64
	inTx(t, store, aggregateID, func(ctx context.Context, tx ordering.Tx) error {
		state, err := tx.Get(ctx, aggregateID)
		last = state.LastProcessedSequence
		return err
	})
	return last
}

func testGetCreatesZeroState(t *testing.T, store ordering.Store) {
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		state, err := tx.Get(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, "order-1", state.AggregateID)
		require.Equal(t, uint64(0), state.LastProcessedSequence)
		require.Equal(t, uint64(1), state.Expected())
		return nil
	})
}

func testAdvanceOnlyByOne(t *testing.T, store ordering.Store) {
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		require.ErrorIs(t, tx.Advance(ctx, "order-1", 2), ordering.ErrSequenceConflict)
		require.NoError(t, tx.Advance(ctx, "order-1", 1))
		require.ErrorIs(t, tx.Advance(ctx, "order-1", 1), ordering.ErrSequenceConflict)
		require.NoError(t, tx.Advance(ctx, "order-1", 2))
		return nil
	})
	require.Equal(t, uint64(2), lastProcessed(t, store, "order-1"))
}

func testPutRejectsDuplicate(t *testing.T, store ordering.Store) {
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		require.NoError(t, tx.Put(ctx, buffered("order-1", 3, "first")))
		err := tx.Put(ctx, buffered("order-1", 3, "second"))
		require.ErrorIs(t, err, ordering.ErrDuplicateBufferedSequence)

		pending, err := tx.ListByAggregate(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "first", string(pending[0].Payload))
		return nil
	})
}

func testTakeNext(t *testing.T, store ordering.Store) {
	want := buffered("order-1", 2, `{"status":"paid"}`)
	want.Traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		return tx.Put(ctx, want)
	})

	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		_, ok, err := tx.TakeNext(ctx, "order-1", 1)
		require.NoError(t, err)
		require.False(t, ok)

		got, ok, err := tx.TakeNext(ctx, "order-1", 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.EventType, got.EventType)
		require.Equal(t, want.Payload, got.Payload)
		require.Equal(t, want.Traceparent, got.Traceparent)
		require.True(t, want.BufferedAt.Equal(got.BufferedAt), "buffered_at %s != %s", want.BufferedAt, got.BufferedAt)

		_, ok, err = tx.TakeNext(ctx, "order-1", 2)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
}

func testListAscending(t *testing.T, store ordering.Store) {
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		for _, seq := range []uint64{7, 3, 5} {
			require.NoError(t, tx.Put(ctx, buffered("order-1", seq, fmt.Sprint(seq))))
		}
		return nil
	})
	inTx(t, store, "order-2", func(ctx context.Context, tx ordering.Tx) error {
		return tx.Put(ctx, buffered("order-2", 4, "other"))
	})

	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		pending, err := tx.ListByAggregate(ctx, "order-1")
		require.NoError(t, err)
		var seqs []uint64
		for _, p := range pending {
			seqs = append(seqs, p.SequenceNumber)
		}
		require.Equal(t, []uint64{3, 5, 7}, seqs)
		return nil
	})
}

func testRollback(t *testing.T, store ordering.Store) {
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		return tx.Put(ctx, buffered("order-1", 2, "kept"))
	})

	boom := errors.New("boom")
	err := store.InAggregateTx(context.Background(), "order-1", func(ctx context.Context, tx ordering.Tx) error {
		require.NoError(t, tx.Advance(ctx, "order-1", 1))
		_, ok, err := tx.TakeNext(ctx, "order-1", 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.Put(ctx, buffered("order-1", 9, "dropped")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Equal(t, uint64(0), lastProcessed(t, store, "order-1"))
	inTx(t, store, "order-1", func(ctx context.Context, tx ordering.Tx) error {
		pending, err := tx.ListByAggregate(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, uint64(2), pending[0].SequenceNumber)
		return nil
	})
}

func testDiscovery(t *testing.T, store ordering.Store) {
	ctx := context.Background()

	ids, err := store.BufferedAggregates(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	stats, err := store.BufferStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Events)
	require.True(t, stats.OldestBufferedAt.IsZero())

	old := buffered("order-b", 5, "x")
	old.BufferedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	inTx(t, store, "order-b", func(ctx context.Context, tx ordering.Tx) error { return tx.Put(ctx, old) })
	inTx(t, store, "order-a", func(ctx context.Context, tx ordering.Tx) error {
		require.NoError(t, tx.Put(ctx, buffered("order-a", 2, "x")))
		return tx.Put(ctx, buffered("order-a", 3, "x"))
	})
	// Known aggregate without buffered events.
	inTx(t, store, "order-c", func(ctx context.Context, tx ordering.Tx) error { return tx.Advance(ctx, "order-c", 1) })

	ids, err = store.BufferedAggregates(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"order-a", "order-b"}, ids)

	stats, err = store.BufferStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Events)
	require.Equal(t, int64(2), stats.Aggregates)
	require.True(t, old.BufferedAt.Equal(stats.OldestBufferedAt), "oldest %s != %s", old.BufferedAt, stats.OldestBufferedAt)
}

func testConcurrentAdvance(t *testing.T, store ordering.Store) {
	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- store.InAggregateTx(context.Background(), "order-1", func(ctx context.Context, tx ordering.Tx) error {
					state, err := tx.Get(ctx, "order-1")
					if err != nil {
						return err
					}
					return tx.Advance(ctx, "order-1", state.Expected())
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(workers*perWorker), lastProcessed(t, store, "order-1"))
}
