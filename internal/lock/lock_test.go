package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "window:1-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "window:1-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	other, ok, err := l.TryLock(ctx, "window:3-4", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))

	again, ok, err := l.TryLock(ctx, "window:1-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key can be taken again")
	require.NoError(t, again(ctx))
}

func TestLocal(t *testing.T) {
	exerciseLocker(t, NewLocal())
}

func TestLocalUnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	unlock, ok, err := l.TryLock(context.Background(), "k", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, unlock(context.Background()))
	require.NoError(t, unlock(context.Background()))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedis(t *testing.T) {
	_, rdb := newTestRedis(t)
	exerciseLocker(t, NewRedis(rdb, nil))
}

func TestRedisExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedis(rdb, nil)
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale(ctx))

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not drop the new holder's lock")
}
