package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type event struct {
	Name string `json:"name"`
}

func TestMemoryPubSubSkipsMalformedPayloads(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	ps := NewMemoryPubSub[event](zap.NewNop(), broker, "events", JSONCodec[event]{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	received := make(chan event, 2)
	done := make(chan error, 1)
	go func() {
		done <- ps.Subscribe(ctx, received)
	}()

	require.Eventually(t, func() bool {
		return broker.Subscribers("events") == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ps.PublishRaw(ctx, []byte("{not json")))
	require.NoError(t, ps.Publish(ctx, event{Name: "first"}))

	select {
	case e := <-received:
		assert.Equal(t, "first", e.Name)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, broker.Subscribers("events"))
}

func TestMemoryPubSubWithoutSubscribers(t *testing.T) {
	t.Parallel()

	ps := NewMemoryPubSub[event](zap.NewNop(), NewMemoryBroker(), "events", JSONCodec[event]{})

	require.NoError(t, ps.Publish(t.Context(), event{Name: "lost"}))
	require.NoError(t, ps.Close())
}

func TestMemoryPubSubFanOut(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	publisher := NewMemoryPubSub[event](zap.NewNop(), broker, "events", JSONCodec[event]{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	channels := []chan event{make(chan event, 1), make(chan event, 1)}
	for _, ch := range channels {
		subscriber := NewMemoryPubSub[event](zap.NewNop(), broker, "events", JSONCodec[event]{})
		go func() {
			_ = subscriber.Subscribe(ctx, ch)
		}()
	}

	require.Eventually(t, func() bool {
		return broker.Subscribers("events") == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, event{Name: "both"}))

	for _, ch := range channels {
		select {
		case e := <-ch:
			assert.Equal(t, "both", e.Name)
		case <-time.After(time.Second):
			t.Fatal("event was not delivered")
		}
	}
}
