package factories

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/e2b-dev/memsync/packages/memsync/internal/cfg"
)

var ErrRedisDisabled = errors.New("redis is disabled")

func NewRedisClient(ctx context.Context, config cfg.BusConfig) (redis.UniversalClient, error) {
	var redisClient redis.UniversalClient

	switch {
	case config.RedisClusterURL != "":
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        []string{config.RedisClusterURL},
			MinIdleConns: 1,
		})
	case config.RedisURL != "":
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}

		opts.MinIdleConns = 1
		redisClient = redis.NewClient(opts)
	default:
		return nil, ErrRedisDisabled
	}

	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instrument redis tracing: %w", err), CloseCleanly(redisClient))
	}

	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instrument redis metrics: %w", err), CloseCleanly(redisClient))
	}

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to ping redis: %w", err), CloseCleanly(redisClient))
	}

	return redisClient, nil
}

func CloseCleanly(client redis.UniversalClient) error {
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}

	return nil
}
