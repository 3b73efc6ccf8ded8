package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryMutex implements AdvisoryMutex in process memory. Used when
// REDIS_ADDR is unset (single-node deployments); the Postgres lock rows still
// protect against other processes.
type MemoryMutex struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryMutex creates an in-process advisory mutex.
func NewMemoryMutex() *MemoryMutex {
	return &MemoryMutex{locks: make(map[string]memoryLock)}
}

// TryAcquire takes the mutex for key unless a live holder exists. Expired
// entries are reclaimed lazily.
func (m *MemoryMutex) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.expiresAt.After(time.Now()) && l.owner != owner {
		return false, nil
	}
	m.locks[key] = memoryLock{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// Release frees the mutex if owner still holds it.
func (m *MemoryMutex) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.owner == owner {
		delete(m.locks, key)
	}
	return nil
}
