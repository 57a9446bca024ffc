package pubsub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
)

// MemoryBroker fans out encoded payloads to in-process subscribers.
// It mirrors Redis pub/sub semantics: payloads published with no subscriber are lost.
type MemoryBroker struct {
	mu     sync.RWMutex
	queues map[string]map[chan []byte]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribers returns the number of active subscriptions on the queue.
func (b *MemoryBroker) Subscribers(queueName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.queues[queueName])
}

func (b *MemoryBroker) add(queueName string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.queues[queueName] == nil {
		b.queues[queueName] = make(map[chan []byte]struct{})
	}

	b.queues[queueName][ch] = struct{}{}
}

func (b *MemoryBroker) remove(queueName string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queues[queueName], ch)
}

func (b *MemoryBroker) publish(ctx context.Context, queueName string, data []byte) error {
	b.mu.RLock()
	subscribers := make([]chan []byte, 0, len(b.queues[queueName]))
	for ch := range b.queues[queueName] {
		subscribers = append(subscribers, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

type MemoryPubSub[PayloadT any] struct {
	broker    *MemoryBroker
	queueName string
	codec     Codec[PayloadT]
	logger    *zap.Logger
}

func NewMemoryPubSub[PayloadT any](logger *zap.Logger, broker *MemoryBroker, queueName string, codec Codec[PayloadT]) *MemoryPubSub[PayloadT] {
	return &MemoryPubSub[PayloadT]{
		broker:    broker,
		queueName: queueName,
		codec:     codec,
		logger:    logger,
	}
}

func (m *MemoryPubSub[PayloadT]) Publish(ctx context.Context, payload PayloadT) error {
	data, err := m.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", m.queueName, err)
	}

	return m.PublishRaw(ctx, data)
}

// PublishRaw publishes bytes without encoding them, which lets tests inject malformed payloads.
func (m *MemoryPubSub[PayloadT]) PublishRaw(ctx context.Context, data []byte) error {
	return m.broker.publish(ctx, m.queueName, data)
}

func (m *MemoryPubSub[PayloadT]) Subscribe(ctx context.Context, pubSubQueue chan<- PayloadT) error {
	ch := make(chan []byte, 1024)

	m.broker.add(m.queueName, ch)
	defer m.broker.remove(m.queueName, ch)

	for {
		select {
		case data := <-ch:
			t, err := m.codec.Decode(data)
			if err != nil {
				m.logger.Warn("dropping malformed payload",
					logger.WithTopic(m.queueName),
					zap.Int("size", len(data)),
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

func (m *MemoryPubSub[PayloadT]) Close() error {
	return nil
}
