package chunker

import (
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/e2b-dev/memsync/packages/memsync/internal/message"
)

const DefaultBatchSize = 100

// Chunk splits pages into full snapshot messages of at most batchSize pages each, in ascending
// address order. A batchSize <= 0 uses DefaultBatchSize. The sequence can be consumed repeatedly
// and yields the same batches as long as pages is not modified.
func Chunk(pages map[uint64][]byte, batchSize int, ts time.Time) iter.Seq[*message.FullSnapshot] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return func(yield func(*message.FullSnapshot) bool) {
		addrs := slices.Sorted(maps.Keys(pages))

		for batch := range slices.Chunk(addrs, batchSize) {
			msg := &message.FullSnapshot{
				Timestamp: ts,
				Pages:     make(map[uint64][]byte, len(batch)),
			}

			for _, addr := range batch {
				msg.Pages[addr] = pages[addr]
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// Count returns the number of batches Chunk yields for n pages.
func Count(n, batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return (n + batchSize - 1) / batchSize
}
