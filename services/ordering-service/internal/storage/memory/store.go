// Package memory is an in-process ordering store. Each aggregate has its own mutex, so
// scopes on different aggregates run concurrently.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
)

type aggregate struct {
	mu     sync.Mutex
	last   uint64
	buffer map[uint64]ordering.BufferedEvent
}

func (a *aggregate) snapshot() (uint64, map[uint64]ordering.BufferedEvent) {
	buffer := make(map[uint64]ordering.BufferedEvent, len(a.buffer))
	for seq, evt := range a.buffer {
		buffer[seq] = evt
	}
	return a.last, buffer
}

type Store struct {
	mu         sync.Mutex
	aggregates map[string]*aggregate
}

var _ ordering.Store = (*Store)(nil)

func New() *Store {
	return &Store{aggregates: make(map[string]*aggregate)}
}

func (s *Store) aggregate(id string) *aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[id]
	if !ok {
		a = &aggregate{buffer: make(map[uint64]ordering.BufferedEvent)}
		s.aggregates[id] = a
	}
	return a
}

func (s *Store) InAggregateTx(ctx context.Context, aggregateID string, fn func(ctx context.Context, tx ordering.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a := s.aggregate(aggregateID)
	a.mu.Lock()
	defer a.mu.Unlock()

	last, buffer := a.snapshot()
	tx := &tx{id: aggregateID, agg: a}
	err := fn(ctx, tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		a.last, a.buffer = last, buffer
		return err
	}
	return nil
}

func (s *Store) BufferedAggregates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	for id, a := range s.all() {
		a.mu.Lock()
		if len(a.buffer) > 0 {
			ids = append(ids, id)
		}
		a.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) BufferStats(ctx context.Context) (ordering.BufferStats, error) {
	if err := ctx.Err(); err != nil {
		return ordering.BufferStats{}, err
	}
	var stats ordering.BufferStats
	for _, a := range s.all() {
		a.mu.Lock()
		if len(a.buffer) > 0 {
			stats.Aggregates++
		}
		for _, evt := range a.buffer {
			stats.Events++
			if stats.OldestBufferedAt.IsZero() || evt.BufferedAt.Before(stats.OldestBufferedAt) {
				stats.OldestBufferedAt = evt.BufferedAt
			}
		}
		a.mu.Unlock()
	}
	return stats, nil
}

func (s *Store) all() map[string]*aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*aggregate, len(s.aggregates))
	for id, a := range s.aggregates {
		out[id] = a
	}
	return out
}

// tx is only valid while InAggregateTx holds the aggregate's mutex.
type tx struct {
	id  string
	agg *aggregate
}

func (t *tx) Get(_ context.Context, aggregateID string) (ordering.AggregateSequenceState, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.AggregateSequenceState{}, err
	}
	return ordering.AggregateSequenceState{AggregateID: aggregateID, LastProcessedSequence: t.agg.last}, nil
}

func (t *tx) Advance(_ context.Context, aggregateID string, next uint64) error {
	if err := t.check(aggregateID); err != nil {
		return err
	}
	if next != t.agg.last+1 {
		return ordering.ErrSequenceConflict
	}
	t.agg.last = next
	return nil
}

func (t *tx) Put(_ context.Context, evt ordering.BufferedEvent) error {
	if err := t.check(evt.AggregateID); err != nil {
		return err
	}
	if _, ok := t.agg.buffer[evt.SequenceNumber]; ok {
		return ordering.ErrDuplicateBufferedSequence
	}
	if evt.BufferedAt.IsZero() {
		evt.BufferedAt = time.Now().UTC()
	}
	evt.Payload = append([]byte(nil), evt.Payload...)
	t.agg.buffer[evt.SequenceNumber] = evt
	return nil
}

func (t *tx) TakeNext(_ context.Context, aggregateID string, expected uint64) (ordering.BufferedEvent, bool, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	evt, ok := t.agg.buffer[expected]
	if !ok {
		return ordering.BufferedEvent{}, false, nil
	}
	delete(t.agg.buffer, expected)
	return evt, true, nil
}

func (t *tx) ListByAggregate(_ context.Context, aggregateID string) ([]ordering.BufferedEvent, error) {
	if err := t.check(aggregateID); err != nil {
		return nil, err
	}
	out := make([]ordering.BufferedEvent, 0, len(t.agg.buffer))
	for _, evt := range t.agg.buffer {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (t *tx) check(aggregateID string) error {
	if aggregateID != t.id {
		return errForeignAggregate{scope: t.id, got: aggregateID}
	}
	return nil
}

type errForeignAggregate struct {
	scope string
	got   string
}

func (e errForeignAggregate) Error() string {
	return "memory store: scope of aggregate " + e.scope + " used for " + e.got
}
