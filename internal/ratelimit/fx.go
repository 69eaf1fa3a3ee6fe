package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billsync/internal/config"
	"go.uber.org/fx"
)

// NewRedisClient returns nil when rate limiting is disabled; TokenBucket and
// Locker degrade to nil and callers fall back to unlimited/unlocked.
func NewRedisClient(cfg config.Config) *redis.Client {
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewTokenBucket),
	fx.Provide(NewLocker),
)
