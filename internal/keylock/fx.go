package keylock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cartera/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("keylock",
	fx.Provide(New),
)

// New returns a Redis-backed Locker when REDIS_ADDR is set, otherwise an
// in-process one.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Locker, error) {
	if !cfg.Redis.Enabled() {
		log.Info("using in-process scope locks")
		return NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("using redis scope locks", zap.String("addr", cfg.Redis.Addr))
	return NewRedis(client, 0, log), nil
}
