// Copyright 2026 The gVisor Authors.
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

package memslot

import (
	"fmt"

	"gvisor.dev/memslot/pkg/bitmap"
)

// SlotTable is a fixed-capacity arena of backend slots indexed by small
// integers. Backends use one per address space.
//
// SlotTable is not synchronized.
type SlotTable[T any] struct {
	entries []T
	used    *bitmap.Bitmap
	live    int
}

// NewSlotTable returns an empty table of the given capacity.
func NewSlotTable[T any](capacity int) *SlotTable[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid slot table capacity %d", capacity))
	}
	return &SlotTable[T]{
		entries: make([]T, capacity),
		used:    bitmap.New(uint64(capacity)),
	}
}

// Alloc stores v at the lowest free index and returns the index, or
// ErrNoSlots.
func (t *SlotTable[T]) Alloc(v T) (int, error) {
	i, ok := t.used.FirstZero(0)
	if !ok {
		return 0, ErrNoSlots
	}
	t.used.SetBit(i)
	t.entries[i] = v
	t.live++
	return int(i), nil
}

// Get returns the entry at index i.
func (t *SlotTable[T]) Get(i int) (T, bool) {
	if !t.valid(i) {
		var zero T
		return zero, false
	}
	return t.entries[i], true
}

// Set replaces the entry at live index i.
func (t *SlotTable[T]) Set(i int, v T) {
	if !t.valid(i) {
		panic(fmt.Sprintf("slot %d is not allocated", i))
	}
	t.entries[i] = v
}

// Free releases index i and returns its entry.
func (t *SlotTable[T]) Free(i int) (T, bool) {
	var zero T
	if !t.valid(i) {
		return zero, false
	}
	v := t.entries[i]
	t.entries[i] = zero
	t.used.ClearBit(uint64(i))
	t.live--
	return v, true
}

// Len returns the number of live entries.
func (t *SlotTable[T]) Len() int {
	return t.live
}

// Cap returns the capacity of the table.
func (t *SlotTable[T]) Cap() int {
	return len(t.entries)
}

// ForEach calls fn for each live entry in index order until fn returns false.
func (t *SlotTable[T]) ForEach(fn func(int, T) bool) {
	t.used.ForEach(func(i uint64) bool {
		return fn(int(i), t.entries[i])
	})
}

func (t *SlotTable[T]) valid(i int) bool {
	return i >= 0 && i < len(t.entries) && t.used.Test(uint64(i))
}
