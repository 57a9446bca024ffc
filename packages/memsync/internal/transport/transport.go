package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/message"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/shared/pkg/pubsub"
)

const DefaultTopicPrefix = "memsync"

// Topics are the bus channels shared by one master and its clients.
type Topics struct {
	Memory  string
	Control string
	// Lease is the key of the master lease, not a channel.
	Lease string
}

func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	return Topics{
		Memory:  prefix + "/master/memory_delta",
		Control: prefix + "/control",
		Lease:   prefix + "/master/lease",
	}
}

// Bus carries sync messages from the master and control messages from clients.
type Bus struct {
	Topics  Topics
	Memory  pubsub.PubSub[message.SyncMessage]
	Control pubsub.PubSub[message.ControlMessage]

	codec *message.Codec
}

func NewRedisBus(logger *zap.Logger, client redis.UniversalClient, topics Topics, compress bool, m *metrics.Metrics) (*Bus, error) {
	codec, err := newCountingCodec(topics.Memory, compress, m)
	if err != nil {
		return nil, err
	}

	return &Bus{
		Topics:  topics,
		Memory:  pubsub.NewRedisPubSub[message.SyncMessage](logger, client, topics.Memory, codec),
		Control: pubsub.NewRedisPubSub[message.ControlMessage](logger, client, topics.Control, pubsub.JSONCodec[message.ControlMessage]{}),
		codec:   codec.Codec,
	}, nil
}

// NewMemoryBus connects to an in-process broker. Buses created on the same broker see each other's messages.
func NewMemoryBus(logger *zap.Logger, broker *pubsub.MemoryBroker, topics Topics, compress bool, m *metrics.Metrics) (*Bus, error) {
	codec, err := newCountingCodec(topics.Memory, compress, m)
	if err != nil {
		return nil, err
	}

	return &Bus{
		Topics:  topics,
		Memory:  pubsub.NewMemoryPubSub[message.SyncMessage](logger, broker, topics.Memory, codec),
		Control: pubsub.NewMemoryPubSub[message.ControlMessage](logger, broker, topics.Control, pubsub.JSONCodec[message.ControlMessage]{}),
		codec:   codec.Codec,
	}, nil
}

func (b *Bus) Close() error {
	if err := b.Memory.Close(); err != nil {
		return fmt.Errorf("failed to close memory topic: %w", err)
	}

	if err := b.Control.Close(); err != nil {
		return fmt.Errorf("failed to close control topic: %w", err)
	}

	return b.codec.Close()
}

// countingCodec records the size of every encoded frame.
type countingCodec struct {
	*message.Codec

	topic   string
	metrics *metrics.Metrics
}

func newCountingCodec(topic string, compress bool, m *metrics.Metrics) (*countingCodec, error) {
	codec, err := message.NewCodec(compress)
	if err != nil {
		return nil, err
	}

	if m == nil {
		m = metrics.NewNoop()
	}

	return &countingCodec{
		Codec:   codec,
		topic:   topic,
		metrics: m,
	}, nil
}

func (c *countingCodec) Encode(msg message.SyncMessage) ([]byte, error) {
	data, err := c.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	c.metrics.Published(context.Background(), c.topic, len(data))

	return data, nil
}
