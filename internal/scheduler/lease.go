package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease lets one replica at a time run a periodic scan.
type Lease interface {
	// Acquire takes the lease for ttl. It returns false without error when
	// another holder owns it.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)

	// Release gives the lease up if this holder still owns it.
	Release(ctx context.Context) error
}

// --- MemoryLease ---

// MemoryLease is a process-local Lease. Suitable for tests and
// single-instance deployments.
type MemoryLease struct {
	mu        sync.Mutex
	held      bool
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryLease creates a new in-memory lease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{now: time.Now}
}

// Acquire takes the lease unless it is held and unexpired.
func (l *MemoryLease) Acquire(_ context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.held && now.Before(l.expiresAt) {
		return false, nil
	}
	l.held = true
	l.expiresAt = now.Add(ttl)
	return true, nil
}

// Release frees the lease.
func (l *MemoryLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

// HealthCheck always succeeds for the in-memory lease.
func (l *MemoryLease) HealthCheck(context.Context) error {
	return nil
}

// --- RedisLease ---

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Redis-backed Lease using SET NX PX with a per-holder token.
type RedisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

// NewRedisLease creates a lease on key.
func NewRedisLease(client redis.Cmdable, key string) *RedisLease {
	return &RedisLease{client: client, key: key, token: uuid.New().String()}
}

// Acquire sets the key if absent. Re-acquiring while already the holder
// extends the lease.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %q: %w", l.key, err)
	}
	if holder != l.token {
		return false, nil
	}
	if err := l.client.PExpire(ctx, l.key, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis pexpire %q: %w", l.key, err)
	}
	return true, nil
}

// Release deletes the key if this holder still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %q: %w", l.key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (l *RedisLease) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// --- NoLease ---

// NoLease always grants the lease. Used when every replica should scan.
type NoLease struct{}

// Acquire always succeeds.
func (NoLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }

// Release does nothing.
func (NoLease) Release(context.Context) error { return nil }
