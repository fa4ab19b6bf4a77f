package retry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLockExclusiveAndNamesHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := NewRunLock(client, Config{LockTTL: 90 * time.Second})
	ctx := context.Background()

	holder, ok, err := lock.Acquire(ctx, "retry-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(holder, "retry-a:"))
	assert.Equal(t, 90*time.Second, mr.TTL(runLockKey))

	_, ok, err = lock.Acquire(ctx, "retry-b")
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retry-a", owner)

	// Another worker cannot free a run it does not hold.
	require.NoError(t, lock.Release(ctx, "retry-b:nonce"))
	assert.True(t, mr.Exists(runLockKey))

	require.NoError(t, lock.Release(ctx, holder))
	assert.False(t, mr.Exists(runLockKey))

	owner, err = lock.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRunLockExpiresWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := NewRunLock(client, Config{})
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "retry-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DefaultConfig().LockTTL, mr.TTL(runLockKey))

	mr.FastForward(DefaultConfig().LockTTL)
	_, ok, err = lock.Acquire(ctx, "retry-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLockWithoutRedis(t *testing.T) {
	assert.Nil(t, NewRunLock(nil, Config{}))

	var lock *RunLock
	_, _, err := lock.Acquire(context.Background(), "retry-a")
	assert.Error(t, err)
	assert.NoError(t, lock.Release(context.Background(), "x"))
}
