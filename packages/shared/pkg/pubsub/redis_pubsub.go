package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
)

type RedisPubSub[PayloadT any] struct {
	redisClient redis.UniversalClient
	queueName   string
	codec       Codec[PayloadT]
	logger      *zap.Logger
}

func NewRedisPubSub[PayloadT any](logger *zap.Logger, redisClient redis.UniversalClient, queueName string, codec Codec[PayloadT]) *RedisPubSub[PayloadT] {
	return &RedisPubSub[PayloadT]{
		redisClient: redisClient,
		queueName:   queueName,
		codec:       codec,
		logger:      logger,
	}
}

func (r *RedisPubSub[PayloadT]) Publish(ctx context.Context, payload PayloadT) error {
	if r.redisClient == nil {
		return fmt.Errorf("redis client is not initialized")
	}

	data, err := r.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", r.queueName, err)
	}

	return r.redisClient.Publish(ctx, r.queueName, data).Err()
}

func (r *RedisPubSub[PayloadT]) Subscribe(ctx context.Context, pubSubQueue chan<- PayloadT) error {
	if r.redisClient == nil {
		return fmt.Errorf("redis client is not initialized")
	}

	redisPubSub := r.redisClient.Subscribe(ctx, r.queueName)
	defer redisPubSub.Close()

	// Wait for the subscription to be confirmed so nothing published after this point is missed.
	if _, err := redisPubSub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.queueName, err)
	}

	redisPubSubChan := redisPubSub.Channel()

	// Loop forever until the context is done,
	// receiving messages from Redis and sending them to pubSubQueue.
	for {
		select {
		case msg, ok := <-redisPubSubChan:
			if !ok {
				return nil
			}

			t, err := r.codec.Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed payload",
					logger.WithTopic(r.queueName),
					zap.Int("size", len(msg.Payload)),
					zap.Error(fmt.Errorf("%w: %w", ErrDecode, err)),
				)

				continue
			}

			select {
			case pubSubQueue <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close is a no-op, the redis client is owned by the caller and shared between queues.
func (r *RedisPubSub[PayloadT]) Close() error {
	return nil
}
