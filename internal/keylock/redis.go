package keylock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	defaultRedisTTL   = 2 * time.Minute
	defaultRetryDelay = 50 * time.Millisecond
	redisKeyPrefix    = "cartera:lock:"
)

// Redis is a Locker shared by every process talking to the same Redis.
// The TTL bounds how long a crashed holder keeps a scope blocked.
type Redis struct {
	client     *redis.Client
	script     *redis.Script
	ttl        time.Duration
	retryDelay time.Duration
	log        *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client:     client,
		script:     redis.NewScript(lockReleaseScript),
		ttl:        ttl,
		retryDelay: defaultRetryDelay,
		log:        log.Named("keylock.redis"),
	}
}

// TryLock makes a single attempt and reports whether the lock was taken.
func (r *Redis) TryLock(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	if r == nil || r.client == nil || key == "" || token == "" {
		return nil
	}
	return r.script.Run(ctx, r.client, []string{redisKeyPrefix + key}, token).Err()
}

// Lock polls TryLock until it succeeds or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(r.retryDelay)
	defer ticker.Stop()

	for {
		token, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.Release(releaseCtx, key, token); err != nil {
					r.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
