package region

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
)

// Set is the set of monitored page addresses.
// Pages are stored by index, so iteration is always in ascending address order.
type Set struct {
	mu       sync.RWMutex
	pages    *roaring64.Bitmap
	pageSize uint64
}

func NewSet(pageSize uint64) *Set {
	return &Set{
		pages:    roaring64.New(),
		pageSize: pageSize,
	}
}

func (s *Set) PageSize() uint64 {
	return s.pageSize
}

// Add adds the page containing addr.
func (s *Set) Add(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages.Add(memory.PageIdx(addr, s.pageSize))
}

// AddRange adds every page overlapping [start, end).
func (s *Set) AddRange(start, end uint64) {
	if end <= start {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages.AddRange(memory.PageIdx(start, s.pageSize), memory.PageIdx(end+s.pageSize-1, s.pageSize))
}

// AddCritical adds the pages containing each of the given arbitrary addresses.
func (s *Set) AddCritical(addrs ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range addrs {
		s.pages.Add(memory.PageIdx(addr, s.pageSize))
	}
}

func (s *Set) Remove(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages.Remove(memory.PageIdx(addr, s.pageSize))
}

func (s *Set) Contains(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pages.Contains(memory.PageIdx(addr, s.pageSize))
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int(s.pages.GetCardinality())
}

// Addresses returns the page addresses in ascending order.
// The result is a copy, so the set can be mutated while iterating it.
func (s *Set) Addresses() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]uint64, 0, s.pages.GetCardinality())
	it := s.pages.Iterator()
	for it.HasNext() {
		addrs = append(addrs, memory.PageAddr(it.Next(), s.pageSize))
	}

	return addrs
}

func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages.Clear()
}
