package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedis(client, ttl)
	require.NoError(t, err)
	return l, mr
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, mr := newRedis(t, time.Minute)

	release, ok, err := l.TryAcquire(ctx, "capture")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists(keyPrefix+"capture"))

	_, ok, err = l.TryAcquire(ctx, "capture")
	require.NoError(t, err)
	require.False(t, ok)

	other, ok, err := l.TryAcquire(ctx, "dispatch")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists(keyPrefix+"capture"))

	_, ok, err = l.TryAcquire(ctx, "capture")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLeaseExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, mr := newRedis(t, time.Second)

	release, ok, err := l.TryAcquire(ctx, "sweep")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	again, ok, err := l.TryAcquire(ctx, "sweep")
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder must not delete the new holder's lease.
	require.ErrorIs(t, release(ctx), ErrNotHeld)
	require.True(t, mr.Exists(keyPrefix+"sweep"))
	require.NoError(t, again(ctx))
}

func TestRedisLeaseConnectionError(t *testing.T) {
	t.Parallel()

	l, mr := newRedis(t, time.Minute)
	mr.Close()

	_, ok, err := l.TryAcquire(context.Background(), "capture")
	require.Error(t, err)
	require.False(t, ok)
}

func TestNoopAlwaysGrants(t *testing.T) {
	t.Parallel()

	release, ok, err := Noop{}.TryAcquire(context.Background(), "capture")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(context.Background()))
}

func TestNewRedisRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedis(nil, 0)
	require.Error(t, err)
}
