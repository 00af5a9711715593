package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Lease is a single-attempt distributed lock used to elect one instance per tick.
type Lease struct {
	rs   *redsync.Redsync
	name string
	ttl  time.Duration
}

func NewLease(client *redis.Client, name string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{
		rs:   redsync.New(goredis.NewPool(client)),
		name: name,
		ttl:  ttl,
	}
}

// Acquire tries once. Contention reports held=false with a nil error; anything else is a
// backend failure.
func (l *Lease) Acquire(ctx context.Context) (func(context.Context), bool, error) {
	mutex := l.rs.NewMutex(l.name,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	release := func(ctx context.Context) {
		_, _ = mutex.UnlockContext(ctx)
	}
	return release, true, nil
}
