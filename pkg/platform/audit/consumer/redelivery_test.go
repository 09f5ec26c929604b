package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()

	n, err := tr.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = tr.Increment(ctx, "a")
	assert.Equal(t, 2, n)
	n, _ = tr.Increment(ctx, "b")
	assert.Equal(t, 1, n)

	require.NoError(t, tr.Forget(ctx, "a"))
	assert.Equal(t, 1, tr.Len())
	n, _ = tr.Increment(ctx, "a")
	assert.Equal(t, 1, n)
}

func TestRedisTracker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tr := NewRedisTracker(client, time.Hour)

	n, err := tr.Increment(ctx, "id:m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tr.Increment(ctx, "id:m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, mr.Exists(redisKeyPrefix+"id:m1"))
	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+"id:m1"))

	require.NoError(t, tr.Forget(ctx, "id:m1"))
	assert.False(t, mr.Exists(redisKeyPrefix+"id:m1"))
}

func TestRedisTracker_Expiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tr := NewRedisTracker(client, time.Minute)
	_, err := tr.Increment(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	n, err := tr.Increment(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale count expired")
}

func TestRedisTracker_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	_, err := NewRedisTracker(client, 0).Increment(context.Background(), "k")
	assert.Error(t, err)
}
