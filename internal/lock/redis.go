package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
)

var log = logging.Logger("meridian-lock")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// DefaultGuardTTL bounds how long a crashed holder can block a key.
const DefaultGuardTTL = 2 * time.Minute

// RedisGuard is a Guard shared by every process using the same Redis. Keys
// expire after the TTL so a crashed holder cannot block a customer forever.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard storing keys under prefix.
func NewRedisGuard(client redis.Cmdable, prefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	if g.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}

	fullKey := g.prefix + key
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, fullKey, token, g.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// Release must succeed even if the caller's context is done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.client.Eval(ctx, releaseScript, []string{fullKey}, token).Err(); err != nil {
			log.Warnf("Failed to release guard %s: %v", fullKey, err)
		}
	}, true, nil
}
