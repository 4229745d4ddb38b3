/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xmaps provides map types not covered by the standard library.
//
// Ordered is a generic map that remembers insertion order, so entries can be
// addressed both by key and by ordinal position. Built-in Go maps iterate in
// randomized order, which is not usable when an access path must name "the N-th
// key" stably across executions.
package xmaps

// Ordered is a map from K to V with stable insertion order.
// The zero value is not usable, create it with New.
type Ordered[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// New creates an empty Ordered map.
func New[K comparable, V any]() *Ordered[K, V] {
	return &Ordered[K, V]{values: make(map[K]V)}
}

// Len returns the number of entries.
func (m *Ordered[K, V]) Len() int { return len(m.keys) }

// Set inserts or updates the value for key. First insertion defines the key's
// ordinal position; updates don't move it.
func (m *Ordered[K, V]) Set(key K, value V) {
	if _, found := m.values[key]; !found {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// GetOk returns the value for key and whether it was present.
func (m *Ordered[K, V]) GetOk(key K) (V, bool) {
	value, found := m.values[key]
	return value, found
}

// Has returns whether key is present.
func (m *Ordered[K, V]) Has(key K) bool {
	_, found := m.values[key]
	return found
}

// Delete removes key, preserving the order of the remaining keys.
// Deleting an absent key is a no-op.
func (m *Ordered[K, V]) Delete(key K) {
	if _, found := m.values[key]; !found {
		return
	}
	delete(m.values, key)
	for ii, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:ii], m.keys[ii+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The returned slice is owned by the
// map, don't modify it.
func (m *Ordered[K, V]) Keys() []K { return m.keys }

// IndexOfKey returns the ordinal position of key, or -1 if absent.
func (m *Ordered[K, V]) IndexOfKey(key K) int {
	for ii, k := range m.keys {
		if k == key {
			return ii
		}
	}
	return -1
}

// Range calls fn for each entry in insertion order, stopping early if fn
// returns false.
func (m *Ordered[K, V]) Range(fn func(key K, value V) bool) {
	for _, key := range m.keys {
		if !fn(key, m.values[key]) {
			return
		}
	}
}

// KeyAt returns the ordinal-th key in insertion order.
// It implements sources.OrderedKeys.
func (m *Ordered[K, V]) KeyAt(ordinal int) (any, bool) {
	if ordinal < 0 || ordinal >= len(m.keys) {
		return nil, false
	}
	return m.keys[ordinal], true
}

// Get returns the value under an untyped key.
// It implements sources.Getter, so Index sources resolve through Ordered maps.
func (m *Ordered[K, V]) Get(key any) (any, bool) {
	typedKey, ok := key.(K)
	if !ok {
		return nil, false
	}
	value, found := m.values[typedKey]
	if !found {
		return nil, false
	}
	return value, true
}
