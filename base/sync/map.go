// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides typed wrappers around the standard sync package.
package sync

import (
	"iter"
	"sync"
)

// Map is a typed sync.Map.
// The zero value is an empty map ready to use.
type Map[K comparable, V any] struct {
	m sync.Map
}

// Store sets the value for a key.
func (sm *Map[K, V]) Store(k K, v V) {
	sm.m.Store(k, v)
}

// Load returns the value stored for a key.
func (sm *Map[K, V]) Load(k K) (v V, ok bool) {
	vAny, ok := sm.m.Load(k)
	if !ok {
		return
	}
	return vAny.(V), true
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// loaded is true if the value was loaded.
func (sm *Map[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	vAny, loaded := sm.m.LoadOrStore(k, v)
	return vAny.(V), loaded
}

// LoadAndDelete deletes the value for a key, returning the previous value if any.
func (sm *Map[K, V]) LoadAndDelete(k K) (v V, loaded bool) {
	vAny, loaded := sm.m.LoadAndDelete(k)
	if !loaded {
		return
	}
	return vAny.(V), true
}

// Delete the value for a key.
func (sm *Map[K, V]) Delete(k K) {
	sm.m.Delete(k)
}

// Empty returns true if the map has no entry.
func (sm *Map[K, V]) Empty() bool {
	for range sm.All() {
		return false
	}
	return true
}

// Len returns the number of entries in the map.
// The result is only a snapshot if the map is modified concurrently.
func (sm *Map[K, V]) Len() (n int) {
	for range sm.All() {
		n++
	}
	return
}

// All iterates over the entries of the map in an unspecified order.
func (sm *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		sm.m.Range(func(k, v any) bool {
			return yield(k.(K), v.(V))
		})
	}
}
