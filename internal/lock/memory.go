package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager implements Manager for tests and single-node mode. Leases
// expire lazily: an expired entry is treated as free on the next acquire.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memLease
	poll  time.Duration
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryManager creates an in-memory lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]memLease),
		poll:  5 * time.Millisecond,
	}
}

// TryAcquire polls the table until the key is free or wait elapses.
func (m *MemoryManager) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		m.mu.Lock()
		cur, held := m.locks[key]
		if !held || time.Now().After(cur.expiresAt) {
			exp := time.Now().Add(lease)
			m.locks[key] = memLease{token: token, expiresAt: exp}
			m.mu.Unlock()
			return &Lease{Key: key, Token: token, ExpiresAt: exp}, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(m.poll):
		}
	}
}

// Release frees the key if the token still matches.
func (m *MemoryManager) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, held := m.locks[lease.Key]; held && cur.token == lease.Token {
		delete(m.locks, lease.Key)
	}
	return nil
}
