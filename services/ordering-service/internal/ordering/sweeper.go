package ordering

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Lease elects one sweeping instance per tick. A nil Lease means every instance sweeps.
type Lease interface {
	// Acquire reports whether the lease is held. release must be called when held is true.
	Acquire(ctx context.Context) (release func(context.Context), held bool, err error)
}

// Sweeper periodically drains buffered runs that no delivery will unblock, for example when
// the instance that applied the closing event crashed before its own drain.
type Sweeper struct {
	drainer
	store    Store
	metrics  *Metrics
	interval time.Duration
	lease    Lease
	now      func() time.Time
}

type SweeperConfig struct {
	Interval time.Duration
	Lease    Lease
	Metrics  *Metrics
}

func NewSweeper(store Store, applier Applier, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		drainer:  drainer{applier: applier, logger: logger},
		store:    store,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		lease:    cfg.Lease,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done. Passes never overlap.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithName("ordering-buffer-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}

	s.logger.Info("buffer sweeper started", "interval", s.interval.String())
	scheduler.Start()

	<-ctx.Done()
	s.logger.Info("buffer sweeper stopping")
	return scheduler.Shutdown()
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.lease != nil {
		release, held, err := s.lease.Acquire(ctx)
		switch {
		case err != nil:
			// Lease backend errors fail open.
			s.logger.Warn("sweep lease unavailable, sweeping anyway", "err", err)
		case !held:
			s.logger.Debug("sweep lease held elsewhere, skipping tick")
			return
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	counts, err := s.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("buffer sweep failed", "err", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		s.logger.Info("buffer sweep applied events", "applied", total, "aggregates", len(counts))
	}
}

// SweepOnce drains every aggregate that holds buffered events and returns the number of
// events applied per inspected aggregate. Each drained event commits on its own, so a pass
// interrupted by cancellation or a failing aggregate keeps what it already applied.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]int, error) {
	ctx, span := tracer.Start(ctx, "ordering.sweep")
	defer span.End()

	aggregates, err := s.store.BufferedAggregates(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}

	counts := make(map[string]int, len(aggregates))
	var errs []error
	for _, aggregateID := range aggregates {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, err := s.sweepAggregate(ctx, aggregateID)
		counts[aggregateID] = n
		s.metrics.addApplied(ctx, sourceSweep, n)
		if err != nil {
			s.logger.Error("buffer sweep of aggregate failed",
				"aggregate_id", aggregateID,
				"applied", n,
				"err", err,
			)
			errs = append(errs, err)
		}
	}

	if stats, err := s.store.BufferStats(ctx); err != nil {
		s.logger.Warn("buffer stats unavailable", "err", err)
	} else {
		s.metrics.recordBufferStats(ctx, stats, s.now())
	}

	span.SetAttributes(
		attribute.Int("ordering.aggregates", len(aggregates)),
	)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return counts, err
	}
	return counts, nil
}

func (s *Sweeper) sweepAggregate(ctx context.Context, aggregateID string) (int, error) {
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		var progressed bool
		err := s.store.InAggregateTx(ctx, aggregateID, func(ctx context.Context, tx Tx) error {
			ok, err := s.step(ctx, tx, aggregateID)
			if err != nil {
				return err
			}
			progressed = ok
			if !ok {
				return s.inspect(ctx, tx, aggregateID)
			}
			return nil
		})
		if err != nil {
			return applied, classify(err)
		}
		if !progressed {
			return applied, nil
		}
		applied++
		trace.SpanFromContext(ctx).AddEvent("buffered event applied",
			trace.WithAttributes(attribute.String("ordering.aggregate_id", aggregateID)))
	}
}

// inspect runs after a miss: it discards buffered copies the watermark has already passed
// and reports the remaining gap.
func (s *Sweeper) inspect(ctx context.Context, tx Tx, aggregateID string) error {
	state, err := tx.Get(ctx, aggregateID)
	if err != nil {
		return err
	}
	pending, err := tx.ListByAggregate(ctx, aggregateID)
	if err != nil {
		return err
	}

	var blocked []BufferedEvent
	for _, b := range pending {
		if b.SequenceNumber > state.LastProcessedSequence {
			blocked = append(blocked, b)
			continue
		}
		if _, _, err := tx.TakeNext(ctx, aggregateID, b.SequenceNumber); err != nil {
			return err
		}
		s.logger.Warn("stale buffered event discarded",
			"aggregate_id", aggregateID,
			"sequence", b.SequenceNumber,
			"last_processed", state.LastProcessedSequence,
		)
	}
	if len(blocked) == 0 {
		return nil
	}

	oldest := blocked[0].BufferedAt
	for _, b := range blocked[1:] {
		if b.BufferedAt.Before(oldest) {
			oldest = b.BufferedAt
		}
	}
	s.logger.Info("aggregate blocked on missing sequence",
		"aggregate_id", aggregateID,
		"expected", state.Expected(),
		"first_buffered", blocked[0].SequenceNumber,
		"buffered", len(blocked),
		"oldest_age_s", int64(s.now().Sub(oldest).Seconds()),
	)
	return nil
}
