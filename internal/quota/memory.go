package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger implements Ledger for tests and single-node mode. Expiry is
// lazy: an expired entry reads as zero and restarts on the next increment.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[string]*memCounter
}

type memCounter struct {
	value     float64
	expiresAt time.Time
}

// NewMemoryLedger creates an in-memory quota ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counters: make(map[string]*memCounter)}
}

func (l *MemoryLedger) live(key string) *memCounter {
	c, ok := l.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		c = &memCounter{}
		l.counters[key] = c
	}
	return c
}

// IncrBy adds delta and refreshes the TTL.
func (l *MemoryLedger) IncrBy(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.live(key)
	c.value += delta
	c.expiresAt = time.Now().Add(ttl)
	return c.value, nil
}

// DecrBy subtracts delta, clamped at zero. The TTL is left untouched.
func (l *MemoryLedger) DecrBy(_ context.Context, key string, delta float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.live(key)
	c.value -= delta
	if c.value < 0 {
		c.value = 0
	}
	return c.value, nil
}

// Get reads the counter, zero when absent or expired.
func (l *MemoryLedger) Get(_ context.Context, key string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, nil
	}
	return c.value, nil
}
