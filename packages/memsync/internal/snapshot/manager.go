package snapshot

import (
	"context"
	"math/bits"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
	"github.com/e2b-dev/memsync/packages/shared/pkg/smap"
	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/memsync/packages/memsync/internal/snapshot")

const lockStripes = 256

// Manager holds the baseline: the last known contents of every monitored page.
// Stored buffers are never modified in place, Put replaces them.
type Manager struct {
	logger   *zap.Logger
	accessor memory.Accessor
	pageSize uint64

	pages *smap.Map[uint64, []byte]
	locks [lockStripes]sync.Mutex
}

func NewManager(logger *zap.Logger, accessor memory.Accessor, pageSize uint64) *Manager {
	return &Manager{
		logger:   logger,
		accessor: accessor,
		pageSize: pageSize,
		pages:    smap.NewUint64[[]byte](uint(bits.TrailingZeros64(pageSize))),
	}
}

func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// CreateInitial reads every page of regions into the baseline and returns the number of pages stored.
// Pages that cannot be read are removed from regions.
func (m *Manager) CreateInitial(ctx context.Context, regions *region.Set) int {
	ctx, span := tracer.Start(ctx, "create-initial-snapshot")
	defer span.End()

	addrs := regions.Addresses()

	stored := 0
	for _, read := range memory.ReadPages(ctx, m.accessor, addrs, uint32(m.pageSize)) {
		if read.Err != nil {
			m.logger.Debug("dropping unreadable page", logger.WithPageAddress(read.Addr), zap.Error(read.Err))
			regions.Remove(read.Addr)

			continue
		}

		unlock := m.Lock(read.Addr)
		m.pages.Insert(read.Addr, read.Data)
		unlock()

		stored++
	}

	telemetry.SetAttributes(ctx,
		attribute.Int("snapshot.pages.requested", len(addrs)),
		attribute.Int("snapshot.pages.stored", stored),
	)

	m.logger.Info("initial snapshot created", zap.Int("pages", stored), zap.Int("dropped", len(addrs)-stored))

	return stored
}

// Get returns the baseline of the page. The returned buffer must not be modified.
func (m *Manager) Get(addr uint64) ([]byte, bool) {
	return m.pages.Get(addr)
}

// Put replaces the baseline of the page. The manager takes ownership of data.
func (m *Manager) Put(addr uint64, data []byte) {
	m.pages.Insert(addr, data)
}

func (m *Manager) Remove(addr uint64) {
	m.pages.Remove(addr)
}

func (m *Manager) Len() int {
	return m.pages.Count()
}

// Pages returns a copy of the baseline map. The buffers are shared and must not be modified.
func (m *Manager) Pages() map[uint64][]byte {
	return m.pages.Items()
}

func (m *Manager) Clear() {
	m.pages.Clear()
}

// Lock serializes read-compare-put and read-patch-write-put sequences on a page.
// It returns the function releasing the lock.
func (m *Manager) Lock(addr uint64) func() {
	mu := &m.locks[memory.PageIdx(addr, m.pageSize)%lockStripes]
	mu.Lock()

	return mu.Unlock
}
