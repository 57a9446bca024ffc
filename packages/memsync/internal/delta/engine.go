package delta

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/memsync/internal/snapshot"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
)

const (
	DefaultInterval = 16 * time.Millisecond

	// Rough wire cost of a single byte change, used for the bytes sent estimate.
	bytesPerChange = 2
)

var ErrAlreadyRunning = errors.New("delta engine is already running")

// Sink receives the non-empty result of every detection pass.
type Sink func(ctx context.Context, changes map[uint64]ChangeRecord)

type Stats struct {
	TotalChanges      uint64
	Passes            uint64
	LastPass          time.Time
	ApproxBytesSent   uint64
	MonitoredPages    int
	ActivePages       int
	AvgChangesPerPass float64
}

// Engine periodically compares the monitored pages with the baseline.
type Engine struct {
	logger   *zap.Logger
	accessor memory.Accessor
	regions  *region.Set
	baseline *snapshot.Manager
	metrics  *metrics.Metrics

	running      atomic.Bool
	totalChanges atomic.Uint64
	passes       atomic.Uint64
	lastPass     atomic.Int64
}

func NewEngine(logger *zap.Logger, accessor memory.Accessor, regions *region.Set, baseline *snapshot.Manager, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}

	return &Engine{
		logger:   logger,
		accessor: accessor,
		regions:  regions,
		baseline: baseline,
		metrics:  m,
	}
}

// DetectChanges reads every monitored page once and returns the pages that changed since
// their last observation. Pages seen for the first time only establish the baseline.
// Pages that cannot be read are dropped from the monitored set and the baseline.
func (e *Engine) DetectChanges(ctx context.Context) map[uint64]ChangeRecord {
	now := time.Now()
	changes := make(map[uint64]ChangeRecord)

	var reads []memory.PageRead
	if ctx.Err() == nil {
		reads = memory.ReadPages(ctx, e.accessor, e.regions.Addresses(), uint32(e.baseline.PageSize()))
	}

	changed := 0
	for _, read := range reads {
		if ctx.Err() != nil {
			break
		}

		record, ok := e.detectPage(ctx, read, now)
		if !ok {
			continue
		}

		changes[read.Addr] = record
		changed += len(record.Changes)
	}

	e.passes.Add(1)
	e.totalChanges.Add(uint64(changed))
	e.lastPass.Store(now.UnixNano())
	e.metrics.DeltaPass(ctx, changed)

	return changes
}

func (e *Engine) detectPage(ctx context.Context, read memory.PageRead, now time.Time) (ChangeRecord, bool) {
	addr := read.Addr

	unlock := e.baseline.Lock(addr)
	defer unlock()

	if read.Err != nil {
		e.logger.Debug("page lost", logger.WithPageAddress(addr), zap.Error(read.Err))

		e.regions.Remove(addr)
		e.baseline.Remove(addr)
		e.metrics.PageLost(ctx)

		return ChangeRecord{}, false
	}

	current := read.Data

	old, ok := e.baseline.Get(addr)
	if !ok {
		e.baseline.Put(addr, current)

		return ChangeRecord{}, false
	}

	if bytes.Equal(old, current) {
		return ChangeRecord{}, false
	}

	e.baseline.Put(addr, current)

	record := Compute(old, current)
	record.Timestamp = now

	return record, !record.Empty()
}

// Run detects changes every interval until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context, interval time.Duration, sink Sink) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !e.running.Load() {
				return nil
			}

			changes := e.DetectChanges(ctx)
			if len(changes) > 0 {
				sink(ctx, changes)
			}
		}
	}
}

// Stop makes Run return after the current pass.
func (e *Engine) Stop() {
	e.running.Store(false)
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) Stats() Stats {
	stats := Stats{
		TotalChanges:   e.totalChanges.Load(),
		Passes:         e.passes.Load(),
		MonitoredPages: e.regions.Len(),
		ActivePages:    e.baseline.Len(),
	}

	stats.ApproxBytesSent = stats.TotalChanges * bytesPerChange

	if last := e.lastPass.Load(); last != 0 {
		stats.LastPass = time.Unix(0, last)
	}

	if stats.Passes > 0 {
		stats.AvgChangesPerPass = float64(stats.TotalChanges) / float64(stats.Passes)
	}

	return stats
}
