// Package lock provides distributed mutual exclusion with lease expiry. A
// lease auto-expires server-side, which is the sole liveness guarantee when a
// holder crashes mid critical section.
package lock

import (
	"context"
	"time"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// ErrNotAcquired is returned when the wait timeout elapses before the lock
// becomes free.
var ErrNotAcquired = errors.Concurrency(errors.CodeLockNotAcquired, "lock not acquired within wait timeout")

// Lease is a time-bounded exclusive hold on a key. The token fences release:
// a lease that already expired and was re-acquired by someone else cannot
// release the new holder's lock.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// OrderKey builds the lock key for an order.
func OrderKey(orderID string) string {
	return "lock:order:" + orderID
}

// Manager is a lease-based mutual exclusion primitive.
type Manager interface {
	// TryAcquire polls for the lock until wait elapses. On success the
	// returned lease is valid for the lease duration. Failure to acquire
	// returns ErrNotAcquired.
	TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error)
	// Release frees the lease if still held by its token. Releasing an
	// expired or already-released lease is a safe no-op.
	Release(ctx context.Context, lease *Lease) error
}
