package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventorder/libs/db"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
)

//go:embed schema.sql
var schema string

// Migrate creates the service tables if they do not exist.
func Migrate(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Store keeps sequence state and buffered events in Postgres. The per-aggregate scope is a
// transaction holding a row lock on the aggregate's state row.
type Store struct {
	pool *db.Pool
}

var _ ordering.Store = (*Store)(nil)

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

type ctxKey struct{}

// TxFromContext returns the transaction of the enclosing InAggregateTx scope so business
// logic can commit its writes together with the sequence advance.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(pgx.Tx)
	return tx, ok
}

func (s *Store) InAggregateTx(ctx context.Context, aggregateID string, fn func(ctx context.Context, tx ordering.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO aggregate_sequence_state (aggregate_id)
		VALUES ($1)
		ON CONFLICT (aggregate_id) DO NOTHING
	`, aggregateID)
	if err != nil {
		return err
	}

	var last int64
	err = tx.QueryRow(ctx, `
		SELECT last_processed_sequence
		FROM aggregate_sequence_state
		WHERE aggregate_id = $1
		FOR UPDATE
	`, aggregateID).Scan(&last)
	if err != nil {
		return err
	}

	scoped := &scopedTx{tx: tx, aggregateID: aggregateID}
	if err := fn(context.WithValue(ctx, ctxKey{}, tx), scoped); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) BufferedAggregates(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT aggregate_id
		FROM buffered_events
		ORDER BY aggregate_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

func (s *Store) BufferStats(ctx context.Context) (ordering.BufferStats, error) {
	var (
		stats  ordering.BufferStats
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(DISTINCT aggregate_id), min(buffered_at)
		FROM buffered_events
	`).Scan(&stats.Events, &stats.Aggregates, &oldest)
	if err != nil {
		return ordering.BufferStats{}, err
	}
	if oldest != nil {
		stats.OldestBufferedAt = *oldest
	}
	return stats, nil
}

type scopedTx struct {
	tx          pgx.Tx
	aggregateID string
}

func (t *scopedTx) Get(ctx context.Context, aggregateID string) (ordering.AggregateSequenceState, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.AggregateSequenceState{}, err
	}
	var last int64
	err := t.tx.QueryRow(ctx, `
		SELECT last_processed_sequence
		FROM aggregate_sequence_state
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&last)
	if err != nil {
		return ordering.AggregateSequenceState{}, err
	}
	return ordering.AggregateSequenceState{AggregateID: aggregateID, LastProcessedSequence: uint64(last)}, nil
}

func (t *scopedTx) Advance(ctx context.Context, aggregateID string, next uint64) error {
	if err := t.check(aggregateID); err != nil {
		return err
	}
	seq, err := toBigint(next)
	if err != nil || next == 0 {
		return ordering.ErrSequenceConflict
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE aggregate_sequence_state
		SET last_processed_sequence = $2,
		    updated_at = now()
		WHERE aggregate_id = $1 AND last_processed_sequence = $3
	`, aggregateID, seq, seq-1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ordering.ErrSequenceConflict
	}
	return nil
}

func (t *scopedTx) Put(ctx context.Context, evt ordering.BufferedEvent) error {
	if err := t.check(evt.AggregateID); err != nil {
		return err
	}
	seq, err := toBigint(evt.SequenceNumber)
	if err != nil {
		return err
	}
	if evt.BufferedAt.IsZero() {
		evt.BufferedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO buffered_events (id, aggregate_id, sequence_number, event_type, payload, buffered_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (aggregate_id, sequence_number) DO NOTHING
	`, evt.ID, evt.AggregateID, seq, evt.EventType, nonNil(evt.Payload), evt.BufferedAt, evt.Traceparent, evt.Tracestate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ordering.ErrDuplicateBufferedSequence
	}
	return nil
}

func (t *scopedTx) TakeNext(ctx context.Context, aggregateID string, expected uint64) (ordering.BufferedEvent, bool, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	seq, err := toBigint(expected)
	if err != nil {
		return ordering.BufferedEvent{}, false, nil
	}
	evt := ordering.BufferedEvent{AggregateID: aggregateID, SequenceNumber: expected}
	err = t.tx.QueryRow(ctx, `
		DELETE FROM buffered_events
		WHERE aggregate_id = $1 AND sequence_number = $2
		RETURNING id::text, event_type, payload, buffered_at, traceparent, tracestate
	`, aggregateID, seq).Scan(&evt.ID, &evt.EventType, &evt.Payload, &evt.BufferedAt, &evt.Traceparent, &evt.Tracestate)
	if errors.Is(err, pgx.ErrNoRows) {
		return ordering.BufferedEvent{}, false, nil
	}
	if err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	return evt, true, nil
}

func (t *scopedTx) ListByAggregate(ctx context.Context, aggregateID string) ([]ordering.BufferedEvent, error) {
	if err := t.check(aggregateID); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, sequence_number, event_type, payload, buffered_at, traceparent, tracestate
		FROM buffered_events
		WHERE aggregate_id = $1
		ORDER BY sequence_number
	`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ordering.BufferedEvent
	for rows.Next() {
		var (
			evt ordering.BufferedEvent
			seq int64
		)
		if err := rows.Scan(&evt.ID, &seq, &evt.EventType, &evt.Payload, &evt.BufferedAt, &evt.Traceparent, &evt.Tracestate); err != nil {
			return nil, err
		}
		evt.AggregateID = aggregateID
		evt.SequenceNumber = uint64(seq)
		events = append(events, evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func (t *scopedTx) check(aggregateID string) error {
	if aggregateID != t.aggregateID {
		return fmt.Errorf("postgres store: scope of aggregate %q used for %q", t.aggregateID, aggregateID)
	}
	return nil
}

func toBigint(seq uint64) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, fmt.Errorf("sequence %d exceeds bigint range", seq)
	}
	return int64(seq), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
