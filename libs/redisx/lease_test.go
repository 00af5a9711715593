package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseExclusive(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	a := NewLease(client, "ordering:sweep", time.Minute)
	b := NewLease(client, "ordering:sweep", time.Minute)

	release, held, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	_, held, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, held)

	release(ctx)
	releaseB, held, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)
	releaseB(ctx)
}

func TestLeaseExpires(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	_, held, err := NewLease(client, "ordering:sweep", 2*time.Second).Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(3 * time.Second)
	_, held, err = NewLease(client, "ordering:sweep", 2*time.Second).Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)
}

func TestLeaseBackendDown(t *testing.T) {
	mr, client := newClient(t)
	mr.Close()

	_, held, _ := NewLease(client, "ordering:sweep", time.Minute).Acquire(context.Background())
	require.False(t, held)
}

func TestOpenAndReady(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := Open(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, ReadyCheck(client)(ctx))
	require.Error(t, ReadyCheck(nil)(ctx))

	_, err = Open(ctx, "")
	require.Error(t, err)
}
