package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signalswap/backend/internal/core"
)

// LockStore owns the execution_locks rows. Expired rows are logically
// non-existent; ReclaimExpired deletes them so the primary key on rule_id
// only ever constrains live locks.
type LockStore struct {
	db *DB
}

// NewLockStore creates a lock store.
func NewLockStore(db *DB) *LockStore {
	return &LockStore{db: db}
}

// ReclaimExpired deletes every lock row past its TTL.
func (s *LockStore) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim expired locks: %v", core.ErrStoreFailure, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TryInsert attempts to insert a live lock row for ruleID. It never
// overwrites: on conflict the existing row wins and the caller reads back the
// owner to find out who holds it.
func (s *LockStore) TryInsert(ctx context.Context, ruleID, owner string, ttl time.Duration) error {
	_, err := s.db.conn.ExecContext(ctx, `
        INSERT INTO execution_locks (rule_id, owner_id, acquired_at, expires_at)
        VALUES ($1, $2, now(), now() + $3::interval)
        ON CONFLICT (rule_id) DO NOTHING`,
		ruleID, owner, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: insert lock: %v", core.ErrStoreFailure, err)
	}
	return nil
}

// Owner returns who currently holds the live lock for ruleID, or "" if none.
func (s *LockStore) Owner(ctx context.Context, ruleID string) (string, error) {
	var owner string
	err := s.db.conn.QueryRowContext(ctx, `
        SELECT owner_id FROM execution_locks
        WHERE rule_id = $1 AND expires_at >= now()`, ruleID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read lock owner: %v", core.ErrStoreFailure, err)
	}
	return owner, nil
}

// Release deletes the lock row only if owner matches. Returns whether a row
// was deleted.
func (s *LockStore) Release(ctx context.Context, ruleID, owner string) (bool, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE rule_id = $1 AND owner_id = $2`,
		ruleID, owner)
	if err != nil {
		return false, fmt.Errorf("%w: release lock: %v", core.ErrStoreFailure, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseAllOwned deletes every lock held by owner. Runs during shutdown so a
// sibling process can resume immediately.
func (s *LockStore) ReleaseAllOwned(ctx context.Context, owner string) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE owner_id = $1`, owner)
	if err != nil {
		return 0, fmt.Errorf("%w: release all owned locks: %v", core.ErrStoreFailure, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
