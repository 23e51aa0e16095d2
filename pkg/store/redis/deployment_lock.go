package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"robofleet/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	deploymentLockPrefix = "lock:deployment:"
	lockTTL              = 30 * time.Second
	lockAcquireTimeout   = 5 * time.Second
	lockExtendInterval   = 10 * time.Second
)

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// DistributedLock SET NX lock owned by one fleetd replica, renewed in the
// background until Unlock or until renewal fails.
type DistributedLock struct {
	client     *redis.Client
	lockKey    string
	lockValue  string // unique per holder so nobody releases a lock they do not own
	ttl        time.Duration
	renewEvery time.Duration

	mu           sync.Mutex
	isHeld       bool
	stopRenew    chan struct{}
	renewStopped bool
}

// NewDistributedLock creates a lock on lockKey
func NewDistributedLock(client *redis.Client, lockKey string) *DistributedLock {
	return &DistributedLock{
		client:     client,
		lockKey:    lockKey,
		lockValue:  lockKey + "-" + uuid.New().String(),
		ttl:        lockTTL,
		renewEvery: lockExtendInterval,
		stopRenew:  make(chan struct{}),
	}
}

// NewDeploymentLock lock guarding the timers of one deployment
func NewDeploymentLock(redisClient *RedisClient, deploymentID string) *DistributedLock {
	return NewDistributedLock(redisClient.GetClient(), deploymentLockPrefix+deploymentID)
}

// TryLock attempts to acquire the lock without waiting for the current holder
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.lockKey)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	// fresh channel per acquisition so TryLock/Unlock can cycle
	l.stopRenew = make(chan struct{})
	l.renewStopped = false
	stop := l.stopRenew
	l.mu.Unlock()

	// renewal outlives the request that acquired the lock
	go l.renewLock(context.WithoutCancel(ctx), stop)

	logger.DebugCtx(ctx, "lock %s acquired", l.lockKey)
	return true, nil
}

// Unlock releases the lock if this instance still owns it
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld {
		l.mu.Unlock()
		return nil
	}
	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}
	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, unlockScript, []string{l.lockKey}, l.lockValue).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if result == 1 {
		logger.DebugCtx(ctx, "lock %s released", l.lockKey)
	} else {
		logger.WarnCtx(ctx, "lock %s was already released or held by another instance", l.lockKey)
	}
	return nil
}

// IsHeld reports whether this instance believes it owns the lock
func (l *DistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

func (l *DistributedLock) renewLock(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			result, err := l.client.Eval(ctx, renewScript,
				[]string{l.lockKey},
				l.lockValue,
				l.ttl.Milliseconds()).Int64()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.lockKey, err)
				l.markLost()
				return
			}
			if result == 0 {
				logger.WarnCtx(ctx, "lock %s renewal failed, lock lost", l.lockKey)
				l.markLost()
				return
			}
			logger.DebugCtx(ctx, "lock %s renewed", l.lockKey)
		}
	}
}

func (l *DistributedLock) markLost() {
	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()
}
