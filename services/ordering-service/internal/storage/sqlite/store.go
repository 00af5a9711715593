// Package sqlite stores ordering state in a local SQLite file. All scopes share one
// connection, so they are serialized globally rather than per aggregate.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type Store struct {
	sqlDB *sql.DB
}

var _ ordering.Store = (*Store)(nil)

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) InAggregateTx(ctx context.Context, aggregateID string, fn func(ctx context.Context, tx ordering.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO aggregate_sequence_state (aggregate_id, last_processed_sequence, updated_at)
VALUES (?, 0, ?)
ON CONFLICT (aggregate_id) DO NOTHING
`, aggregateID, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}

	if err := fn(ctx, &scopedTx{tx: tx, aggregateID: aggregateID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) BufferedAggregates(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
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
	return ids, rows.Err()
}

func (s *Store) BufferStats(ctx context.Context) (ordering.BufferStats, error) {
	var (
		stats  ordering.BufferStats
		oldest sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT count(*), count(DISTINCT aggregate_id), min(buffered_at)
FROM buffered_events
`).Scan(&stats.Events, &stats.Aggregates, &oldest)
	if err != nil {
		return ordering.BufferStats{}, err
	}
	if oldest.Valid {
		stats.OldestBufferedAt = time.UnixMilli(oldest.Int64).UTC()
	}
	return stats, nil
}

type scopedTx struct {
	tx          *sql.Tx
	aggregateID string
}

func (t *scopedTx) Get(ctx context.Context, aggregateID string) (ordering.AggregateSequenceState, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.AggregateSequenceState{}, err
	}
	var last int64
	err := t.tx.QueryRowContext(ctx, `
SELECT last_processed_sequence
FROM aggregate_sequence_state
WHERE aggregate_id = ?
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
	if next == 0 || next > math.MaxInt64 {
		return ordering.ErrSequenceConflict
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE aggregate_sequence_state
SET last_processed_sequence = ?, updated_at = ?
WHERE aggregate_id = ? AND last_processed_sequence = ?
`, int64(next), time.Now().UTC().UnixMilli(), aggregateID, int64(next)-1)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ordering.ErrSequenceConflict
	}
	return nil
}

func (t *scopedTx) Put(ctx context.Context, evt ordering.BufferedEvent) error {
	if err := t.check(evt.AggregateID); err != nil {
		return err
	}
	if evt.SequenceNumber > math.MaxInt64 {
		return fmt.Errorf("sequence %d exceeds integer range", evt.SequenceNumber)
	}
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("buffered event id is required")
	}
	if evt.BufferedAt.IsZero() {
		evt.BufferedAt = time.Now().UTC()
	}
	payload := evt.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO buffered_events (id, aggregate_id, sequence_number, event_type, payload, buffered_at, traceparent, tracestate)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (aggregate_id, sequence_number) DO NOTHING
`, evt.ID, evt.AggregateID, int64(evt.SequenceNumber), evt.EventType, payload, evt.BufferedAt.UTC().UnixMilli(), evt.Traceparent, evt.Tracestate)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ordering.ErrDuplicateBufferedSequence
	}
	return nil
}

func (t *scopedTx) TakeNext(ctx context.Context, aggregateID string, expected uint64) (ordering.BufferedEvent, bool, error) {
	if err := t.check(aggregateID); err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	if expected > math.MaxInt64 {
		return ordering.BufferedEvent{}, false, nil
	}
	evt := ordering.BufferedEvent{AggregateID: aggregateID, SequenceNumber: expected}
	var bufferedAt int64
	err := t.tx.QueryRowContext(ctx, `
SELECT id, event_type, payload, buffered_at, traceparent, tracestate
FROM buffered_events
WHERE aggregate_id = ? AND sequence_number = ?
`, aggregateID, int64(expected)).Scan(&evt.ID, &evt.EventType, &evt.Payload, &bufferedAt, &evt.Traceparent, &evt.Tracestate)
	if errors.Is(err, sql.ErrNoRows) {
		return ordering.BufferedEvent{}, false, nil
	}
	if err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM buffered_events WHERE id = ?`, evt.ID); err != nil {
		return ordering.BufferedEvent{}, false, err
	}
	evt.BufferedAt = time.UnixMilli(bufferedAt).UTC()
	return evt, true, nil
}

func (t *scopedTx) ListByAggregate(ctx context.Context, aggregateID string) ([]ordering.BufferedEvent, error) {
	if err := t.check(aggregateID); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, sequence_number, event_type, payload, buffered_at, traceparent, tracestate
FROM buffered_events
WHERE aggregate_id = ?
ORDER BY sequence_number
`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ordering.BufferedEvent
	for rows.Next() {
		var (
			evt        ordering.BufferedEvent
			seq        int64
			bufferedAt int64
		)
		if err := rows.Scan(&evt.ID, &seq, &evt.EventType, &evt.Payload, &bufferedAt, &evt.Traceparent, &evt.Tracestate); err != nil {
			return nil, err
		}
		evt.AggregateID = aggregateID
		evt.SequenceNumber = uint64(seq)
		evt.BufferedAt = time.UnixMilli(bufferedAt).UTC()
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (t *scopedTx) check(aggregateID string) error {
	if aggregateID != t.aggregateID {
		return fmt.Errorf("sqlite store: scope of aggregate %q used for %q", t.aggregateID, aggregateID)
	}
	return nil
}
