package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"ponte/config"
)

// InitRedis creates and verifies a Redis client from the gateway
// configuration. The connection is validated with a ping so a bad
// address is reported at startup rather than on the first throttled
// request.
func InitRedis(logger *slog.Logger, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	if err := Ping(context.Background(), client); err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	logger.Info("Connected to Redis", "host", cfg.Host, "port", cfg.Port)
	return client, nil
}

// Ping verifies that the Redis server is reachable.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return client.Ping(ctx).Err()
}
