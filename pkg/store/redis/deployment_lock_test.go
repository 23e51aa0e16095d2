package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, WrapClient(client)
}

func TestDistributedLock_SingleInstance(t *testing.T) {
	_, rc := newTestClient(t)
	lock := NewDeploymentLock(rc, "dep-1")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	err = lock.Unlock(ctx)
	assert.NoError(t, err)
	assert.False(t, lock.IsHeld())
}

func TestDistributedLock_MultipleInstances(t *testing.T) {
	_, rc := newTestClient(t)
	lock1 := NewDeploymentLock(rc, "dep-1")
	lock2 := NewDeploymentLock(rc, "dep-1")
	other := NewDeploymentLock(rc, "dep-2")
	ctx := context.Background()

	acquired1, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired1)

	acquired2, err := lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.False(t, acquired2, "second replica must not drive the same deployment")

	acquiredOther, err := other.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquiredOther, "locks are per deployment")

	// releasing a lock we never held leaves the owner's key alone
	require.NoError(t, lock2.Unlock(ctx))
	acquired2, _ = lock2.TryLock(ctx)
	assert.False(t, acquired2)

	require.NoError(t, lock1.Unlock(ctx))
	acquired2, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired2, "lock is free after the owner releases it")
	require.NoError(t, lock2.Unlock(ctx))
	require.NoError(t, other.Unlock(ctx))
}

func TestDistributedLock_AutoExpire(t *testing.T) {
	mr, rc := newTestClient(t)
	lock1 := NewDeploymentLock(rc, "dep-expire")
	lock2 := NewDeploymentLock(rc, "dep-expire")
	ctx := context.Background()

	acquired1, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired1)

	mr.FastForward(lockTTL + time.Second)

	acquired2, err := lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired2, "lock should be available after TTL expiration")
	require.NoError(t, lock2.Unlock(ctx))
}

func TestDistributedLock_RenewalDetectsLoss(t *testing.T) {
	mr, rc := newTestClient(t)
	lock := NewDeploymentLock(rc, "dep-renew")
	lock.renewEvery = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	cancel() // renewal keeps running after the caller's context ends

	time.Sleep(30 * time.Millisecond)
	assert.True(t, lock.IsHeld())
	ttl := mr.TTL(deploymentLockPrefix + "dep-renew")
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, mr.Set(deploymentLockPrefix+"dep-renew", "someone-else"))
	require.Eventually(t, func() bool { return !lock.IsHeld() }, time.Second, 5*time.Millisecond)
}

func TestDistributedLock_NilClient(t *testing.T) {
	lock := NewDistributedLock(nil, "lock:nil")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	assert.NoError(t, lock.Unlock(ctx))
	assert.False(t, lock.IsHeld())
}
