package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lease provides enrollment-level mutual exclusion so a due enrollment is
// processed by exactly one worker at a time, even when scan cycles overlap
// or multiple engine instances run. The TTL bounds leases orphaned by a
// crashed worker.
type Lease interface {
	Acquire(ctx context.Context, enrollmentID uint, ttl time.Duration) (bool, error)
	Release(ctx context.Context, enrollmentID uint) error
}

func leaseKey(enrollmentID uint) string {
	return fmt.Sprintf("cadence:lease:enrollment:%d", enrollmentID)
}

// RedisLease implements Lease via SETNX with expiry; safe across engine
// instances.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (rl *RedisLease) Acquire(ctx context.Context, enrollmentID uint, ttl time.Duration) (bool, error) {
	return rl.client.SetNX(ctx, leaseKey(enrollmentID), "1", ttl).Result()
}

func (rl *RedisLease) Release(ctx context.Context, enrollmentID uint) error {
	return rl.client.Del(ctx, leaseKey(enrollmentID)).Err()
}

// LocalLease is the in-process fallback used when redis is disabled,
// mirroring the rate limiter's redis-if-enabled storage selection. Only
// safe for single-instance deployments.
type LocalLease struct {
	mu   sync.Mutex
	held map[uint]time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[uint]time.Time)}
}

func (ll *LocalLease) Acquire(_ context.Context, enrollmentID uint, ttl time.Duration) (bool, error) {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	if expiry, ok := ll.held[enrollmentID]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	ll.held[enrollmentID] = time.Now().Add(ttl)
	return true, nil
}

func (ll *LocalLease) Release(_ context.Context, enrollmentID uint) error {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	delete(ll.held, enrollmentID)
	return nil
}
