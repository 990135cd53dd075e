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
	"sync/atomic"

	"gvisor.dev/memslot/pkg/hostarch"
)

// DefaultMaxSlotSize is the initial maximum slot size: the largest page
// aligned size, so regions are never split.
const DefaultMaxSlotSize = ^uint64(0) &^ uint64(hostarch.PageMask)

var maxSlotSize atomic.Uint64

func init() {
	maxSlotSize.Store(DefaultMaxSlotSize)
}

// MaxSlotSize returns the maximum size of a single slot.
func MaxSlotSize() uint64 {
	return maxSlotSize.Load()
}

// SetMaxSlotSize sets the maximum size of a single slot for all listeners.
// Slots that already exist are not split again; the limit applies to regions
// mapped from now on.
func SetMaxSlotSize(size uint64) error {
	if err := checkSlotSize(size); err != nil {
		return err
	}
	maxSlotSize.Store(size)
	return nil
}

func checkSlotSize(size uint64) error {
	if size == 0 || size&uint64(hostarch.PageMask) != 0 {
		return fmt.Errorf("max slot size %#x must be a non-zero multiple of the page size", size)
	}
	return nil
}

// Layout returns the slots a region is mapped with under the current maximum
// slot size. r must be a valid region.
func Layout(r Region) []SlotDesc {
	r.validate()
	return split(r, MaxSlotSize())
}

// LayoutWithLimit returns the slots r would be mapped with if the maximum
// slot size were limit. The current maximum is not changed.
func LayoutWithLimit(r Region, limit uint64) ([]SlotDesc, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := checkSlotSize(limit); err != nil {
		return nil, err
	}
	return split(r, limit), nil
}

// split divides r into page aligned slot descriptors of at most limit bytes,
// in ascending address order.
func split(r Region, limit uint64) []SlotDesc {
	remaining := r.Pages() << hostarch.PageShift
	n := remaining / limit
	if remaining%limit != 0 {
		n++
	}
	descs := make([]SlotDesc, 0, n)
	gpa, hva := r.Start, r.HostAddr
	for remaining > 0 {
		size := min(remaining, limit)
		descs = append(descs, SlotDesc{
			GuestAddr: gpa,
			Size:      size,
			HostAddr:  hva,
			Flags:     r.Flags,
		})
		gpa += hostarch.Addr(size)
		hva += uintptr(size)
		remaining -= size
	}
	return descs
}
