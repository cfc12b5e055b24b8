package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a sharded, string-keyed HashMap backed by concurrent-map.
// Reads and writes of unrelated keys do not contend on the same shard lock.
//
// concurrent-map sizes every map, and routes every lookup, through the
// package-global cmap.SHARD_COUNT, so that global must never be written:
// a map created under one shard count panics on lookups after the global
// changes. All maps share the library's default shard count.
type ConcurrentMap[V any] struct {
	backend cmap.ConcurrentMap[string, V]
}

func NewConcurrentMap[V any]() *ConcurrentMap[V] {
	return &ConcurrentMap[V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[V]) Delete(key string) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[V]) Load(key string) (ret V, ok bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[V]) LoadAndDelete(key string) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key string, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[V]) LoadOrStore(key string, value V) (V, bool) {
	set := m.backend.SetIfAbsent(key, value)
	if set {
		return value, false
	}

	return m.Load(key)
}

func (m *ConcurrentMap[V]) Range(cb func(string, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(item.Key, item.Val)
		}
		// iterate over all items to drain the channel
	}
}

func (m *ConcurrentMap[V]) Store(key string, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[V]) Len() int {
	return m.backend.Count()
}
