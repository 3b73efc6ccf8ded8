package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the mutex key only when the caller still owns it, so
// a slow holder can never release a successor's mutex.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// RedisMutex implements AdvisoryMutex on a shared Redis instance, making the
// acquire gate effective across the whole cluster.
type RedisMutex struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisMutex connects to Redis and verifies connectivity.
func NewRedisMutex(addr, password string, db int) (*RedisMutex, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisMutex{rdb: rdb, keyPrefix: "signalswap:lock:rule:"}, nil
}

// TryAcquire takes the per-rule mutex with SET NX and a TTL matching the lock
// row, so an abandoned mutex evaporates with its lock.
func (m *RedisMutex) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, m.keyPrefix+key, owner, ttl).Result()
}

// Release frees the mutex if owner still holds it.
func (m *RedisMutex) Release(ctx context.Context, key, owner string) error {
	return m.rdb.Eval(ctx, releaseScript, []string{m.keyPrefix + key}, owner).Err()
}

// Close shuts down the underlying client.
func (m *RedisMutex) Close() error { return m.rdb.Close() }
