package delta_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/memsync/packages/memsync/internal/delta"
	"github.com/e2b-dev/memsync/packages/memsync/internal/memory/testutils"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/memsync/internal/snapshot"
)

const pageSize = 4096

type fixture struct {
	accessor *testutils.Accessor
	regions  *region.Set
	baseline *snapshot.Manager
	engine   *delta.Engine
}

func newFixture(t *testing.T, addrs ...uint64) *fixture {
	t.Helper()

	logger := testutils.NewTestLogger(t)

	accessor := testutils.NewAccessor(pageSize)
	regions := region.NewSet(pageSize)
	for _, addr := range addrs {
		accessor.MapZero(addr, pageSize)
		regions.Add(addr)
	}

	baseline := snapshot.NewManager(logger, accessor, pageSize)

	return &fixture{
		accessor: accessor,
		regions:  regions,
		baseline: baseline,
		engine:   delta.NewEngine(logger, accessor, regions, baseline, nil),
	}
}

func TestDetectChangesScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000, 0x2000)
	require.Equal(t, 2, f.baseline.CreateInitial(t.Context(), f.regions))

	f.accessor.Poke(0x200A, []byte{0xFF})

	changes := f.engine.DetectChanges(t.Context())
	require.Len(t, changes, 1)

	record, ok := changes[0x2000]
	require.True(t, ok)
	assert.Equal(t, []delta.ByteChange{{Offset: 10, Value: 0xFF}}, record.Changes)
	assert.Equal(t, uint32(pageSize), record.FullSize)
	assert.False(t, record.Timestamp.IsZero())

	page, ok := f.baseline.Get(0x2000)
	require.True(t, ok)
	assert.Equal(t, byte(0xFF), page[10])

	// The peer applies the record onto its own all-zero page.
	peer := make([]byte, pageSize)
	delta.Apply(peer, record)

	expected := make([]byte, pageSize)
	expected[10] = 0xFF
	assert.Equal(t, expected, peer)

	assert.Empty(t, f.engine.DetectChanges(t.Context()))
}

func TestDetectChangesFirstObservation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000)
	f.accessor.Poke(0x1000, []byte{1, 2, 3})

	assert.Empty(t, f.engine.DetectChanges(t.Context()))
	assert.Equal(t, 1, f.baseline.Len())

	f.accessor.Poke(0x1001, []byte{5})

	changes := f.engine.DetectChanges(t.Context())
	assert.Equal(t, []delta.ByteChange{{Offset: 1, Value: 5}}, changes[0x1000].Changes)
}

func TestDetectChangesRemovesUnreadablePages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000, 0x2000)
	require.Equal(t, 2, f.baseline.CreateInitial(t.Context(), f.regions))

	f.accessor.Poke(0x1000, []byte{0xAA})
	f.accessor.Poke(0x2000, []byte{0xBB})
	f.accessor.SetUnreadable(0x2000, true)

	changes := f.engine.DetectChanges(t.Context())
	require.Len(t, changes, 1)
	assert.Contains(t, changes, uint64(0x1000))

	assert.False(t, f.regions.Contains(0x2000))
	_, ok := f.baseline.Get(0x2000)
	assert.False(t, ok)

	f.accessor.SetUnreadable(0x2000, false)
	f.accessor.Poke(0x2000, []byte{0xCC})

	assert.NotContains(t, f.engine.DetectChanges(t.Context()), uint64(0x2000))
}

func TestDetectChangesReadsInOneBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000, 0x2000, 0x3000)
	require.Equal(t, 3, f.baseline.CreateInitial(t.Context(), f.regions))

	f.accessor.Poke(0x3001, []byte{0x01})

	batches := f.accessor.Batches.Load()
	changes := f.engine.DetectChanges(t.Context())

	assert.Equal(t, batches+1, f.accessor.Batches.Load())
	require.Len(t, changes, 1)
	assert.Equal(t, []delta.ByteChange{{Offset: 1, Value: 0x01}}, changes[0x3000].Changes)
}

func TestDetectChangesCanceledKeepsPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.Empty(t, f.engine.DetectChanges(ctx))
	assert.True(t, f.regions.Contains(0x1000))
}

func TestRunAndStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x1000)
	require.Equal(t, 1, f.baseline.CreateInitial(t.Context(), f.regions))

	var mu sync.Mutex
	var received []map[uint64]delta.ChangeRecord

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Run(t.Context(), time.Millisecond, func(_ context.Context, changes map[uint64]delta.ChangeRecord) {
			mu.Lock()
			defer mu.Unlock()

			received = append(received, changes)
		})
	}()

	require.Eventually(t, f.engine.Running, time.Second, time.Millisecond)

	f.accessor.Poke(0x1004, []byte{0x42})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) > 0
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, f.engine.Run(t.Context(), time.Millisecond, nil), delta.ErrAlreadyRunning)

	f.engine.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []delta.ByteChange{{Offset: 4, Value: 0x42}}, received[0][0x1000].Changes)

	stats := f.engine.Stats()
	assert.Positive(t, stats.Passes)
	assert.Equal(t, uint64(1), stats.TotalChanges)
	assert.Equal(t, uint64(2), stats.ApproxBytesSent)
	assert.Equal(t, 1, stats.MonitoredPages)
	assert.Equal(t, 1, stats.ActivePages)
	assert.False(t, stats.LastPass.IsZero())
}
