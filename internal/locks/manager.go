// Package locks serializes rule execution cluster-wide. A per-rule advisory
// mutex (Redis when available, in-process otherwise) gates acquire attempts,
// and a Postgres lock row with a TTL is the durable source of truth that
// survives process crashes.
package locks

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalswap/backend/internal/database"
)

// TTL is the lifetime of a lock row. A crashed holder's lock becomes
// reclaimable after this long.
const TTL = 5 * time.Minute

// AdvisoryMutex is the short-lived per-key mutex taken around the lock-row
// insert. It blocks only other acquire attempts for the same key and stays
// held for the lock's lifetime once acquired.
type AdvisoryMutex interface {
	// TryAcquire returns true if the caller now holds the mutex for key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the mutex if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Result reports the outcome of an acquire attempt. A held lock is a normal
// outcome, not an error.
type Result struct {
	Acquired bool
	// HeldBy names the observed owner when Acquired is false.
	HeldBy string
}

// Manager implements the per-rule distributed mutex.
type Manager struct {
	store  *database.LockStore
	mutex  AdvisoryMutex
	owner  string
	logger *log.Logger

	mu   sync.Mutex
	held map[string]struct{} // rule IDs this process currently holds
}

// NewManager creates a lock manager. The owner identity is host:pid plus a
// short nonce so two managers on one host never collide.
func NewManager(store *database.LockStore, mutex AdvisoryMutex) *Manager {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String()[:8])
	return &Manager{
		store:  store,
		mutex:  mutex,
		owner:  owner,
		logger: log.New(log.Writer(), "[LOCKS] ", log.LstdFlags),
		held:   make(map[string]struct{}),
	}
}

// Owner returns this process's lock identity.
func (m *Manager) Owner() string { return m.owner }

// Acquire attempts to take the per-rule lock. Store errors are returned after
// releasing the advisory mutex; callers treat them as "not acquired".
func (m *Manager) Acquire(ctx context.Context, ruleID string) (Result, error) {
	// Opportunistically reclaim anything past its TTL.
	if _, err := m.store.ReclaimExpired(ctx); err != nil {
		return Result{}, err
	}

	ok, err := m.mutex.TryAcquire(ctx, ruleID, m.owner, TTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		holder, err := m.store.Owner(ctx, ruleID)
		if err != nil {
			return Result{}, err
		}
		if holder == "" {
			holder = "unknown"
		}
		return Result{Acquired: false, HeldBy: holder}, nil
	}

	if err := m.store.TryInsert(ctx, ruleID, m.owner, TTL); err != nil {
		m.mutex.Release(ctx, ruleID, m.owner)
		return Result{}, err
	}

	holder, err := m.store.Owner(ctx, ruleID)
	if err != nil {
		m.mutex.Release(ctx, ruleID, m.owner)
		return Result{}, err
	}
	if holder != m.owner {
		m.mutex.Release(ctx, ruleID, m.owner)
		return Result{Acquired: false, HeldBy: holder}, nil
	}

	m.mu.Lock()
	m.held[ruleID] = struct{}{}
	m.mu.Unlock()
	return Result{Acquired: true}, nil
}

// Release frees the lock for ruleID. The row is deleted only if this process
// owns it; the advisory mutex is always released.
func (m *Manager) Release(ctx context.Context, ruleID string) error {
	_, err := m.store.Release(ctx, ruleID, m.owner)

	if merr := m.mutex.Release(ctx, ruleID, m.owner); merr != nil && err == nil {
		err = merr
	}

	m.mu.Lock()
	delete(m.held, ruleID)
	m.mu.Unlock()
	return err
}

// ReleaseAllOwned frees every lock this process holds. Called on shutdown.
func (m *Manager) ReleaseAllOwned(ctx context.Context) error {
	m.mu.Lock()
	held := make([]string, 0, len(m.held))
	for id := range m.held {
		held = append(held, id)
	}
	m.held = make(map[string]struct{})
	m.mu.Unlock()

	for _, id := range held {
		m.mutex.Release(ctx, id, m.owner)
	}

	n, err := m.store.ReleaseAllOwned(ctx, m.owner)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Printf("🔓 released %d lock(s) on shutdown", n)
	}
	return nil
}

// CleanupExpired deletes lock rows past their TTL. Safe to run periodically
// from any process.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.ReclaimExpired(ctx)
}
