package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMutex_MutualExclusion(t *testing.T) {
	m := NewMemoryMutex()
	ctx := context.Background()

	ok, err := m.TryAcquire(ctx, "rule-1", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.TryAcquire(ctx, "rule-1", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a live lock blocks other owners")

	// A different key is independent.
	ok, err = m.TryAcquire(ctx, "rule-2", "bob", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryMutex_ReentrantForSameOwner(t *testing.T) {
	m := NewMemoryMutex()
	ctx := context.Background()

	ok, _ := m.TryAcquire(ctx, "rule-1", "alice", time.Minute)
	require.True(t, ok)
	ok, _ = m.TryAcquire(ctx, "rule-1", "alice", time.Minute)
	assert.True(t, ok, "the holder may refresh its own lock")
}

func TestMemoryMutex_ReleaseIsOwnerChecked(t *testing.T) {
	m := NewMemoryMutex()
	ctx := context.Background()

	ok, _ := m.TryAcquire(ctx, "rule-1", "alice", time.Minute)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "rule-1", "bob"))
	ok, _ = m.TryAcquire(ctx, "rule-1", "bob", time.Minute)
	assert.False(t, ok, "a non-owner release must not free the lock")

	require.NoError(t, m.Release(ctx, "rule-1", "alice"))
	ok, _ = m.TryAcquire(ctx, "rule-1", "bob", time.Minute)
	assert.True(t, ok)
}

func TestMemoryMutex_ExpiredLockReclaimable(t *testing.T) {
	m := NewMemoryMutex()
	ctx := context.Background()

	ok, _ := m.TryAcquire(ctx, "rule-1", "alice", 10*time.Millisecond)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = m.TryAcquire(ctx, "rule-1", "bob", time.Minute)
	assert.True(t, ok, "an expired lock is claimable by a new owner")
}

func TestMemoryMutex_SingleWinnerUnderContention(t *testing.T) {
	m := NewMemoryMutex()
	ctx := context.Background()

	var wins sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := string(rune('a' + n))
			if ok, _ := m.TryAcquire(ctx, "rule-1", owner, time.Minute); ok {
				wins.Store(owner, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 1, count, "exactly one contender may win the lock")
}
