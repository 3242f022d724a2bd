// Package cache owns the optional Redis connection and its startup probe.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eugenenazirov/site-server/internal/config"
)

// StartedKey is written once per process start.
const StartedKey = "redis:started"

// NewClient creates a client for cfg. It does not dial until the first command.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Probe writes StartedKey and reads it back, logging the outcome. The caller
// decides whether a failure matters; the server keeps serving either way.
func Probe(ctx context.Context, client redis.Cmdable, logger *zap.Logger) (string, error) {
	if err := client.Set(ctx, StartedKey, "true", 0).Err(); err != nil {
		logger.Error("redis probe failed", zap.String("op", "set"), zap.Error(err))
		return "", fmt.Errorf("set %s: %w", StartedKey, err)
	}

	value, err := client.Get(ctx, StartedKey).Result()
	if err != nil {
		logger.Error("redis probe failed", zap.String("op", "get"), zap.Error(err))
		return "", fmt.Errorf("get %s: %w", StartedKey, err)
	}

	logger.Info("redis connected", zap.String("result", value))
	return value, nil
}
