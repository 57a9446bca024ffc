package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory/testutils"
	"github.com/e2b-dev/memsync/packages/memsync/internal/transport"
	redis_utils "github.com/e2b-dev/memsync/packages/shared/pkg/redis"
)

func TestMasterLease(t *testing.T) {
	t.Parallel()

	logger := testutils.NewTestLogger(t)
	redisClient := redis_utils.SetupInstance(t)
	topics := transport.NewTopics("lease")

	first, err := transport.AcquireMaster(t.Context(), logger, redisClient, topics, "first", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", first.Holder())

	_, err = transport.AcquireMaster(t.Context(), logger, redisClient, topics, "second", time.Second)
	require.ErrorIs(t, err, transport.ErrMasterTaken)

	// Refreshing keeps the lease past its ttl.
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, first.Keep(ctx))

	_, err = transport.AcquireMaster(t.Context(), logger, redisClient, topics, "second", time.Second)
	require.ErrorIs(t, err, transport.ErrMasterTaken)

	require.NoError(t, first.Release(t.Context()))
	require.NoError(t, first.Release(t.Context()))

	second, err := transport.AcquireMaster(t.Context(), logger, redisClient, topics, "second", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, second.Release(context.Background()))
	})
}

func TestMasterLeaseLost(t *testing.T) {
	t.Parallel()

	logger := testutils.NewTestLogger(t)
	redisClient := redis_utils.SetupInstance(t)
	topics := transport.NewTopics("lost")

	lease, err := transport.AcquireMaster(t.Context(), logger, redisClient, topics, "master", 300*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, redisClient.Del(t.Context(), topics.Lease).Err())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, lease.Keep(ctx), transport.ErrLeaseLost)
}
