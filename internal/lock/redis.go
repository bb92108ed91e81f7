package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/pkg/errors"
)

// acquirePollInterval is how often a blocked caller re-attempts SET NX.
const acquirePollInterval = 100 * time.Millisecond

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager with SET NX PX leases.
type RedisManager struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisManager creates a Redis-backed lock manager.
func NewRedisManager(client *redis.Client, logger *zap.Logger) *RedisManager {
	return &RedisManager{client: client, logger: logger}
}

// TryAcquire attempts SET NX with the lease TTL, polling until wait elapses.
func (m *RedisManager) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, errors.Dependency(errors.CodeCacheError, err, "lock acquire %s", key)
		}
		if ok {
			return &Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(lease)}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release deletes the key if the token still matches.
func (m *RedisManager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, m.client, []string{lease.Key}, lease.Token).Int()
	if err != nil {
		return errors.Dependency(errors.CodeCacheError, err, "lock release %s", lease.Key)
	}
	if n == 0 {
		// Expired or taken over. Not an error: the server-side TTL already
		// freed the resource.
		m.logger.Debug("release on expired lease", zap.String("key", lease.Key))
	}
	return nil
}
