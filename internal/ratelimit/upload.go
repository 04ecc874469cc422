package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cartera/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyUpload = "cartera:upload:%s:%s"

// UploadLimiter throttles uploads per client and dataset. A nil limiter
// allows everything.
type UploadLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUploadLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*UploadLimiter, error) {
	limit := cfg.Upload
	if limit.RatePerMinute <= 0 {
		return nil, nil
	}
	if !cfg.Redis.Enabled() {
		log.Warn("upload rate limit configured without REDIS_ADDR, uploads are not limited")
		return nil, nil
	}
	if limit.Burst <= 0 {
		return nil, errors.New("upload burst must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return newUploadLimiter(NewTokenBucket(client), limit.RatePerMinute, limit.Burst), nil
}

func newUploadLimiter(bucket *TokenBucket, perMinute float64, burst int) *UploadLimiter {
	return &UploadLimiter{
		bucket: bucket,
		rate:   perMinute / 60,
		burst:  burst,
	}
}

func (l *UploadLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UploadLimiter) Allow(ctx context.Context, dataset, client string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, uploadKey(dataset, client), l.rate, l.burst)
}

func uploadKey(dataset, client string) string {
	return fmt.Sprintf(keyUpload, strings.ToLower(strings.TrimSpace(dataset)), strings.TrimSpace(client))
}
