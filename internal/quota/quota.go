// Package quota provides the TTL-bounded usage counters backing risk
// admission. Counters approximate a rolling window: they accumulate until the
// key expires, then restart from zero. All mutations are atomic increments,
// never read-modify-write.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Key builders for the three counter families. Only the risk admission
// service may write these keys.

// NotionalKey is the reserved notional counter for a user.
func NotionalKey(userID string) string {
	return "quota:notional:" + userID
}

// PositionKey is the reserved position counter for a user and symbol.
func PositionKey(userID, symbol string) string {
	return fmt.Sprintf("quota:position:%s:%s", userID, symbol)
}

// OrderCountKey is the reserved order-count counter for a user.
func OrderCountKey(userID string) string {
	return "quota:order_count:" + userID
}

// Ledger is a key-scoped counter store with expiry.
type Ledger interface {
	// IncrBy atomically adds delta to the counter and refreshes its TTL,
	// returning the new value. A missing counter starts at zero.
	IncrBy(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	// DecrBy atomically subtracts delta, clamping the counter at zero. A
	// release after the window expired simply leaves the new window at zero.
	DecrBy(ctx context.Context, key string, delta float64) (float64, error)
	// Get returns the current counter value, zero when absent or expired.
	Get(ctx context.Context, key string) (float64, error)
}
