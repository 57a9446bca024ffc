package smap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Map is a sharded concurrent map keyed by K.
type Map[K comparable, V any] struct {
	m cmap.ConcurrentMap[K, V]
}

// NewUint64 creates a map keyed by unsigned integers, sharded by the key's low bits
// after shift is applied. Page addresses share their low bits, so callers pass the
// page shift to spread pages evenly across shards.
func NewUint64[V any](shift uint) *Map[uint64, V] {
	return &Map[uint64, V]{
		m: cmap.NewWithCustomShardingFunction[uint64, V](func(key uint64) uint32 {
			return uint32(key >> shift)
		}),
	}
}

func (m *Map[K, V]) Remove(key K) {
	m.m.Remove(key)
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.m.Get(key)
}

func (m *Map[K, V]) Insert(key K, value V) {
	m.m.Set(key, value)
}

func (m *Map[K, V]) Items() map[K]V {
	return m.m.Items()
}

func (m *Map[K, V]) Count() int {
	return m.m.Count()
}

func (m *Map[K, V]) Clear() {
	m.m.Clear()
}
