package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// decrScript decrements and clamps at zero in one round trip so a concurrent
// reader never observes a negative reservation.
var decrScript = redis.NewScript(`
local v = redis.call("INCRBYFLOAT", KEYS[1], "-" .. ARGV[1])
if tonumber(v) < 0 then
	redis.call("SET", KEYS[1], "0", "KEEPTTL")
	return "0"
end
return v
`)

// RedisLedger implements Ledger on Redis string counters.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a Redis-backed quota ledger.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// IncrBy adds delta and refreshes the TTL in a pipeline.
func (l *RedisLedger) IncrBy(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := l.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Dependency(errors.CodeCacheError, err, "quota incr %s", key)
	}
	return incr.Val(), nil
}

// DecrBy subtracts delta, clamped at zero.
func (l *RedisLedger) DecrBy(ctx context.Context, key string, delta float64) (float64, error) {
	s, err := decrScript.Run(ctx, l.client, []string{key}, strconv.FormatFloat(delta, 'f', -1, 64)).Text()
	if err != nil {
		return 0, errors.Dependency(errors.CodeCacheError, err, "quota decr %s", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Internal(errors.CodeCacheError, err, "quota decr %s: bad counter value %q", key, s)
	}
	return v, nil
}

// Get reads the counter, zero when absent.
func (l *RedisLedger) Get(ctx context.Context, key string) (float64, error) {
	s, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Dependency(errors.CodeCacheError, err, "quota get %s", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Internal(errors.CodeCacheError, err, "quota get %s: bad counter value %q", key, s)
	}
	return v, nil
}
