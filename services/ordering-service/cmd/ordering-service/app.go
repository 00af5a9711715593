package main

import (
	"context"
	"log/slog"

	"github.com/md-rashed-zaman/eventorder/libs/db"
	"github.com/md-rashed-zaman/eventorder/libs/runtime"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/outbox"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/projection"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/memory"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/sqlite"
)

// backend is the opened store plus what the rest of the process needs from it.
type backend struct {
	store ordering.Store
	pool  *db.Pool // postgres only
	ready []runtime.ReadyCheck
	close func()
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case driverPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: postgres.NewStore(pool),
			pool:  pool,
			ready: []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
			close: pool.Close,
		}, nil
	case driverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: store,
			ready: []runtime.ReadyCheck{{Name: "db", Check: store.Ping}},
			close: func() {
				if err := store.Close(); err != nil {
					logger.Error("sqlite close failed", "err", err)
				}
			},
		}, nil
	default:
		logger.Warn("using in-memory store, sequence state is lost on restart")
		return &backend{store: memory.New(), close: func() {}}, nil
	}
}

// applier returns the business logic. With Postgres, applied events are logged to
// order_event_log and, when enabled, announced through the outbox.
func (b *backend) applier(cfg Config, logger *slog.Logger) *projection.Projector {
	var enqueuer projection.Enqueuer
	if b.pool != nil && cfg.OutboxEnabled {
		enqueuer = outbox.NewRepository(b.pool)
	}
	return projection.New(logger, enqueuer)
}
