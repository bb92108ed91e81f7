package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordexlabs/ordex/pkg/errors"
)

func TestMemoryManager_AcquireRelease(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, OrderKey("ORD-1"), 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Second caller times out while the lease is held.
	_, err = m.TryAcquire(ctx, OrderKey("ORD-1"), 30*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.True(t, errors.IsConcurrency(err))

	require.NoError(t, m.Release(ctx, lease))

	// Free again after release.
	lease2, err := m.TryAcquire(ctx, OrderKey("ORD-1"), 30*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease2))
}

func TestMemoryManager_LeaseExpiresServerSide(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	stale, err := m.TryAcquire(ctx, OrderKey("ORD-1"), 10*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)

	// A crashed holder never releases; expiry frees the key.
	lease, err := m.TryAcquire(ctx, OrderKey("ORD-1"), 200*time.Millisecond, time.Second)
	require.NoError(t, err)

	// The stale lease's release must not free the new holder's lock.
	require.NoError(t, m.Release(ctx, stale))
	_, err = m.TryAcquire(ctx, OrderKey("ORD-1"), 30*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, m.Release(ctx, lease))
}

func TestMemoryManager_ReleaseTwiceIsSafe(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, OrderKey("ORD-1"), 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease))
	require.NoError(t, m.Release(ctx, lease))
	require.NoError(t, m.Release(ctx, nil))
}

func TestMemoryManager_MutualExclusion(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	var inSection atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.TryAcquire(ctx, OrderKey("ORD-X"), 2*time.Second, time.Second)
			if err != nil {
				return
			}
			cur := inSection.Add(1)
			if cur > maxSeen.Load() {
				maxSeen.Store(cur)
			}
			time.Sleep(time.Millisecond)
			inSection.Add(-1)
			assert.NoError(t, m.Release(ctx, lease))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "critical section must never overlap")
}
