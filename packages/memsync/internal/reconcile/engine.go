package reconcile

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/delta"
	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/message"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/memsync/internal/snapshot"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
)

// Result describes what applying a message did.
type Result struct {
	// Pages is the number of pages written.
	Pages int
	// Bytes is the number of bytes written for full snapshots and the number of byte changes applied for deltas.
	Bytes int
	// Failed is the number of pages that could not be applied.
	Failed   int
	Failures []*PageError
}

func (r *Result) fail(err *PageError) {
	r.Failed++
	r.Failures = append(r.Failures, err)
}

// Engine writes received snapshots and deltas into the local process and keeps the baseline in step.
// Messages must be applied one at a time, and deltas only after the first full snapshot.
type Engine struct {
	logger   *zap.Logger
	accessor memory.Accessor
	regions  *region.Set
	baseline *snapshot.Manager
	metrics  *metrics.Metrics
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

// Apply applies msg page by page. Page failures are logged and reported in the result.
// The error is non-nil only for unknown message types or when ctx is done before all pages were applied.
func (e *Engine) Apply(ctx context.Context, msg message.SyncMessage) (Result, error) {
	var result Result

	switch m := msg.(type) {
	case *message.FullSnapshot:
		result = e.applyFullSnapshot(ctx, m)
	case *message.DeltaBatch:
		result = e.applyDeltaBatch(ctx, m)
	default:
		return Result{}, fmt.Errorf("cannot apply %T: %w", msg, message.ErrMalformedMessage)
	}

	e.metrics.Reconciled(ctx, string(msg.Type()), result.Pages, result.Failed)

	return result, ctx.Err()
}

func (e *Engine) applyFullSnapshot(ctx context.Context, msg *message.FullSnapshot) Result {
	var result Result

	for _, addr := range slices.Sorted(maps.Keys(msg.Pages)) {
		if ctx.Err() != nil {
			break
		}

		data := msg.Pages[addr]

		if err := e.writePage(ctx, addr, data); err != nil {
			result.fail(err)

			continue
		}

		result.Pages++
		result.Bytes += len(data)
	}

	return result
}

// checkAligned keeps unaligned peer addresses out of the baseline, whose keys must all be page starts.
func (e *Engine) checkAligned(addr uint64) *PageError {
	if memory.IsAligned(addr, e.baseline.PageSize()) {
		return nil
	}

	e.logger.Warn("rejecting unaligned page", logger.WithPageAddress(addr))

	return &PageError{Addr: addr, Op: OpCheck, Err: ErrPageMisaligned}
}

func (e *Engine) writePage(ctx context.Context, addr uint64, data []byte) *PageError {
	if err := e.checkAligned(addr); err != nil {
		return err
	}

	unlock := e.baseline.Lock(addr)
	defer unlock()

	if err := e.accessor.WriteBytes(ctx, addr, data); err != nil {
		e.logger.Warn("failed to write page", logger.WithPageAddress(addr), zap.Error(err))

		return &PageError{Addr: addr, Op: OpWrite, Err: err}
	}

	e.baseline.Put(addr, data)

	if !e.regions.Contains(addr) {
		e.regions.Add(addr)
	}

	return nil
}

func (e *Engine) applyDeltaBatch(ctx context.Context, msg *message.DeltaBatch) Result {
	var result Result

	for _, addr := range slices.Sorted(maps.Keys(msg.Changes)) {
		if ctx.Err() != nil {
			break
		}

		applied, err := e.patchPage(ctx, addr, msg.Changes[addr])
		if err != nil {
			result.fail(err)

			continue
		}

		result.Pages++
		result.Bytes += applied
	}

	return result
}

// patchPage sets the record's positions on the live page contents, not on the baseline.
func (e *Engine) patchPage(ctx context.Context, addr uint64, record delta.ChangeRecord) (int, *PageError) {
	if err := e.checkAligned(addr); err != nil {
		return 0, err
	}

	size := record.FullSize
	if size == 0 {
		size = uint32(e.baseline.PageSize())
	}

	unlock := e.baseline.Lock(addr)
	defer unlock()

	current, err := e.accessor.ReadBytes(ctx, addr, size)
	if err != nil {
		e.logger.Warn("failed to read page", logger.WithPageAddress(addr), zap.Error(err))

		return 0, &PageError{Addr: addr, Op: OpRead, Err: err}
	}

	applied := delta.Apply(current, record)

	if err := e.accessor.WriteBytes(ctx, addr, current); err != nil {
		e.logger.Warn("failed to write page", logger.WithPageAddress(addr), zap.Error(err))

		return 0, &PageError{Addr: addr, Op: OpWrite, Err: err}
	}

	e.baseline.Put(addr, current)

	return applied, nil
}
