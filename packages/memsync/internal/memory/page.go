package memory

import "iter"

const (
	DefaultPageSize = 2 << 11
)

// PageOf returns the address of the page containing addr.
func PageOf(addr, pageSize uint64) uint64 {
	return addr / pageSize * pageSize
}

func IsAligned(addr, pageSize uint64) bool {
	return addr%pageSize == 0
}

func PageIdx(addr, pageSize uint64) uint64 {
	return addr / pageSize
}

func PageAddr(idx, pageSize uint64) uint64 {
	return idx * pageSize
}

func TotalPages(size, pageSize uint64) uint64 {
	return (size + pageSize - 1) / pageSize
}

// Pages yields the address of every page overlapping [start, end).
func Pages(start, end, pageSize uint64) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for addr := PageOf(start, pageSize); addr < end; addr += pageSize {
			if !yield(addr) {
				return
			}
		}
	}
}
