package ordering_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

func TestHandle_InOrderGapThenFill(t *testing.T) {
	h := newHarness()

	require.Equal(t, 1, h.deliver(t, "A", 1))
	require.Equal(t, []uint64{1}, h.applier.of("A"))
	require.Empty(t, h.buffered(t, "A"))

	require.Equal(t, 0, h.deliver(t, "A", 3))
	require.Equal(t, []uint64{1}, h.applier.of("A"))
	require.Equal(t, []uint64{3}, h.buffered(t, "A"))

	require.Equal(t, 2, h.deliver(t, "A", 2))
	require.Equal(t, []uint64{1, 2, 3}, h.applier.of("A"))
	require.Empty(t, h.buffered(t, "A"))
	require.Equal(t, uint64(3), h.last(t, "A"))
}

func TestHandle_AheadOfWatermarkStaysBuffered(t *testing.T) {
	h := newHarness()

	require.Equal(t, 0, h.deliver(t, "B", 5))
	require.Empty(t, h.applier.of("B"))
	require.Equal(t, []uint64{5}, h.buffered(t, "B"))

	counts, err := h.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, counts["B"])
	require.Equal(t, []uint64{5}, h.buffered(t, "B"))
	require.Equal(t, uint64(0), h.last(t, "B"))
}

func TestHandle_EveryPermutationAppliesAscending(t *testing.T) {
	const n = 5
	seqs := []uint64{1, 2, 3, 4, 5}

	var permute func(k int)
	count := 0
	permute = func(k int) {
		if k == len(seqs) {
			count++
			order := append([]uint64(nil), seqs...)
			t.Run(fmt.Sprint(order), func(t *testing.T) {
				h := newHarness()
				total := 0
				for _, seq := range order {
					total += h.deliver(t, "A", seq)
				}
				require.Equal(t, n, total)
				require.Equal(t, []uint64{1, 2, 3, 4, 5}, h.applier.of("A"))
				require.Empty(t, h.buffered(t, "A"))
				require.Equal(t, uint64(n), h.last(t, "A"))
			})
			return
		}
		for i := k; i < len(seqs); i++ {
			seqs[k], seqs[i] = seqs[i], seqs[k]
			permute(k + 1)
			seqs[k], seqs[i] = seqs[i], seqs[k]
		}
	}
	permute(0)
	require.Equal(t, 120, count)
}

func TestHandle_RedeliveryDoesNotReapply(t *testing.T) {
	h := newHarness()
	h.deliver(t, "A", 1)
	h.deliver(t, "A", 2)

	// Exact duplicate of the last applied sequence and an older one.
	require.Equal(t, 0, h.deliver(t, "A", 2))
	require.Equal(t, 0, h.deliver(t, "A", 1))

	require.Equal(t, []uint64{1, 2}, h.applier.of("A"))
	require.Equal(t, uint64(2), h.last(t, "A"))
	require.Empty(t, h.buffered(t, "A"))
}

func TestHandle_DuplicateBufferedDeliveryKeepsFirstCopy(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := event("A", 3)
	n, err := h.reorderer.Handle(ctx, first)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Same sequence, different payload.
	conflicting := event("A", 3)
	conflicting.Payload = []byte(`{"seq":"other"}`)
	n, err = h.reorderer.Handle(ctx, conflicting)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	err = h.store.InAggregateTx(ctx, "A", func(ctx context.Context, tx ordering.Tx) error {
		pending, err := tx.ListByAggregate(ctx, "A")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, first.Payload, pending[0].Payload)
		return nil
	})
	require.NoError(t, err)
}

func TestHandle_ApplyFailureOnDeliveryRollsBack(t *testing.T) {
	h := newHarness()
	h.deliver(t, "A", 1)
	h.deliver(t, "A", 3)
	h.applier.fail(2, true)

	n, err := h.reorderer.Handle(context.Background(), event("A", 2))
	require.ErrorIs(t, err, ordering.ErrBusinessLogic)
	require.ErrorIs(t, err, errApply)
	var applyErr *ordering.ApplyError
	require.True(t, errors.As(err, &applyErr))
	require.Equal(t, uint64(2), applyErr.SequenceNumber)
	require.Equal(t, 0, n)

	require.Equal(t, uint64(1), h.last(t, "A"))
	require.Equal(t, []uint64{3}, h.buffered(t, "A"))

	// Redelivery after the downstream recovered.
	h.applier.fail(2, false)
	require.Equal(t, 2, h.deliver(t, "A", 2))
	require.Equal(t, []uint64{1, 2, 3}, h.applier.of("A"))
}

func TestHandle_ApplyFailureDuringDrainRollsBackWholeScope(t *testing.T) {
	h := newHarness()
	h.deliver(t, "A", 2)
	h.deliver(t, "A", 3)
	h.applier.fail(3, true)

	_, err := h.reorderer.Handle(context.Background(), event("A", 1))
	require.ErrorIs(t, err, ordering.ErrBusinessLogic)

	require.Equal(t, uint64(0), h.last(t, "A"))
	require.Equal(t, []uint64{2, 3}, h.buffered(t, "A"))
}

func TestHandle_InvalidEvent(t *testing.T) {
	h := newHarness()

	_, err := h.reorderer.Handle(context.Background(), ordering.Event{AggregateID: " ", SequenceNumber: 1})
	require.ErrorIs(t, err, ordering.ErrInvalidEvent)
}

func TestHandle_SequenceZeroIsStale(t *testing.T) {
	h := newHarness()

	n, err := h.reorderer.Handle(context.Background(), event("A", 0))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, uint64(0), h.last(t, "A"))
	require.Empty(t, h.applier.of("A"))
	require.Empty(t, h.buffered(t, "A"))

	h.deliver(t, "A", 1)
	n, err = h.reorderer.Handle(context.Background(), event("A", 0))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, uint64(1), h.last(t, "A"))
	require.Equal(t, []uint64{1}, h.applier.of("A"))
}

// conflictingStore makes Advance fail with ErrSequenceConflict a fixed number of times.
type conflictingStore struct {
	ordering.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) InAggregateTx(ctx context.Context, aggregateID string, fn func(ctx context.Context, tx ordering.Tx) error) error {
	return s.Store.InAggregateTx(ctx, aggregateID, func(ctx context.Context, tx ordering.Tx) error {
		return fn(ctx, &conflictingTx{Tx: tx, store: s})
	})
}

type conflictingTx struct {
	ordering.Tx
	store *conflictingStore
}

func (t *conflictingTx) Advance(ctx context.Context, aggregateID string, next uint64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return ordering.ErrSequenceConflict
	}
	return t.Tx.Advance(ctx, aggregateID, next)
}

func TestHandle_SequenceConflictIsRetried(t *testing.T) {
	store := &conflictingStore{Store: memory.New(), conflicts: 2}
	applier := newRecorder()
	r := ordering.NewReorderer(store, applier, discardLogger(), ordering.ReordererConfig{MaxConflictRetries: 3})

	n, err := r.Handle(context.Background(), event("A", 1))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	// Rolled-back attempts still reached the applier; that is the at-least-once window.
	require.Equal(t, []uint64{1, 1, 1}, applier.of("A"))
}

func TestHandle_SequenceConflictExhausted(t *testing.T) {
	store := &conflictingStore{Store: memory.New(), conflicts: 10}
	r := ordering.NewReorderer(store, newRecorder(), discardLogger(), ordering.ReordererConfig{MaxConflictRetries: 2})

	_, err := r.Handle(context.Background(), event("A", 1))
	require.ErrorIs(t, err, ordering.ErrSequenceConflict)
}

type brokenStore struct {
	ordering.Store
	err error
}

func (s brokenStore) InAggregateTx(context.Context, string, func(context.Context, ordering.Tx) error) error {
	return s.err
}

func TestHandle_StorageFailureIsClassified(t *testing.T) {
	r := ordering.NewReorderer(brokenStore{err: errors.New("connection refused")}, newRecorder(), discardLogger(), ordering.ReordererConfig{})

	_, err := r.Handle(context.Background(), event("A", 1))
	require.ErrorIs(t, err, ordering.ErrStorage)
	require.NotErrorIs(t, err, ordering.ErrBusinessLogic)
}

func TestHandle_CancelledContextLeavesNoState(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.reorderer.Handle(ctx, event("A", 1))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(0), h.last(t, "A"))
	require.Empty(t, h.applier.of("A"))
}

func TestHandle_ConcurrentDeliveriesAndSweeps(t *testing.T) {
	const (
		aggregates = 6
		perAgg     = 40
	)
	h := newHarness()
	rng := rand.New(rand.NewSource(42))

	type delivery struct {
		aggregateID string
		seq         uint64
	}
	var deliveries []delivery
	for a := 0; a < aggregates; a++ {
		id := fmt.Sprintf("order-%d", a)
		for seq := uint64(1); seq <= perAgg; seq++ {
			deliveries = append(deliveries, delivery{id, seq})
			if rng.Intn(4) == 0 {
				deliveries = append(deliveries, delivery{id, seq}) // at-least-once redelivery
			}
		}
	}
	rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

	ctx, cancel := context.WithCancel(context.Background())
	sweeps := make(chan struct{})
	go func() {
		defer close(sweeps)
		for ctx.Err() == nil {
			_, _ = h.sweeper.SweepOnce(ctx)
		}
	}()

	work := make(chan delivery)
	errs := make(chan error, len(deliveries))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				if _, err := h.reorderer.Handle(context.Background(), event(d.aggregateID, d.seq)); err != nil {
					errs <- fmt.Errorf("%s/%d: %w", d.aggregateID, d.seq, err)
				}
			}
		}()
	}
	for _, d := range deliveries {
		work <- d
	}
	close(work)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	cancel()
	<-sweeps

	_, err := h.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)

	want := make([]uint64, perAgg)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	for a := 0; a < aggregates; a++ {
		id := fmt.Sprintf("order-%d", a)
		require.Equal(t, want, h.applier.of(id), id)
		require.Empty(t, h.buffered(t, id), id)
		require.Equal(t, uint64(perAgg), h.last(t, id), id)
	}
}
