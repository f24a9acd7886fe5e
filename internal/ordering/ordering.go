// Package ordering provides map and sort helpers with reproducible
// iteration order. Anything that feeds a fingerprint goes through here
// instead of ranging over a native map.
package ordering

import "sort"

// Map is a string-keyed map whose Keys, Entries, and ToMap views are
// always in byte-lexicographic key order regardless of insertion order.
type Map[V any] struct {
	items map[string]V
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{items: make(map[string]V)}
}

// FromMap builds a Map from a native map. Round-trips losslessly with
// ToMap.
func FromMap[V any](src map[string]V) *Map[V] {
	m := NewMap[V]()
	for k, v := range src {
		m.items[k] = v
	}
	return m
}

func (m *Map[V]) Set(key string, value V) {
	m.items[key] = value
}

func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[V]) Delete(key string) {
	delete(m.items, key)
}

func (m *Map[V]) Len() int {
	return len(m.items)
}

// Keys returns the keys in sorted order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is one key/value pair from a sorted traversal.
type Entry[V any] struct {
	Key   string
	Value V
}

// Entries returns key/value pairs in sorted key order.
func (m *Map[V]) Entries() []Entry[V] {
	keys := m.Keys()
	out := make([]Entry[V], len(keys))
	for i, k := range keys {
		out[i] = Entry[V]{Key: k, Value: m.items[k]}
	}
	return out
}

// Range calls fn for each pair in sorted key order, stopping if fn
// returns false.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, k := range m.Keys() {
		if !fn(k, m.items[k]) {
			return
		}
	}
}

// ToMap exports a native map copy.
func (m *Map[V]) ToMap() map[string]V {
	out := make(map[string]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of src in sorted order without mutating it.
func SortedKeys[V any](src map[string]V) []string {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedEntries returns src's pairs in sorted key order.
func SortedEntries[V any](src map[string]V) []Entry[V] {
	keys := SortedKeys(src)
	out := make([]Entry[V], len(keys))
	for i, k := range keys {
		out[i] = Entry[V]{Key: k, Value: src[k]}
	}
	return out
}

// StableSort returns a sorted copy of items. Ties keep their original
// relative order; the input is never mutated.
func StableSort[T any](items []T, less func(a, b T) bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}
