package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDecode wraps payloads that could not be decoded by the codec.
// Subscribers drop such payloads and keep receiving.
var ErrDecode = errors.New("failed to decode payload")

type PubSub[T any] interface {
	Publish(ctx context.Context, payload T) error
	// Subscribe blocks, delivering decoded payloads to pubSubQueue until ctx is done.
	Subscribe(ctx context.Context, pubSubQueue chan<- T) error
	Close() error
}

// Codec converts payloads to and from the bytes carried by the bus.
type Codec[T any] interface {
	Encode(payload T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(payload T) ([]byte, error) {
	return json.Marshal(payload)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var t T
	err := json.Unmarshal(data, &t)

	return t, err
}
