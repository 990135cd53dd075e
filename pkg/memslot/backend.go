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
	"errors"
	"fmt"

	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
)

var (
	// ErrNoSlots is returned by Backend.CreateSlot when the slot table of
	// the address space is full.
	ErrNoSlots = errors.New("no free memory slots")

	// ErrInvalidRange is returned for slot ranges the backend rejects, and
	// for dirty logs that do not cover their slot.
	ErrInvalidRange = errors.New("invalid memory slot range")
)

// SlotDesc describes a slot to create.
type SlotDesc struct {
	// GuestAddr is the guest-physical start of the slot.
	GuestAddr hostarch.Addr

	// Size is the page aligned length of the slot.
	Size uint64

	// HostAddr is the host virtual address backing GuestAddr.
	HostAddr uintptr

	Flags Flags
}

// Pages returns the number of pages in the slot.
func (d SlotDesc) Pages() uint64 {
	return d.Size >> hostarch.PageShift
}

// Range returns the guest-physical range of d.
func (d SlotDesc) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: d.GuestAddr, End: d.GuestAddr + hostarch.Addr(d.Size)}
}

// String implements fmt.Stringer.String.
func (d SlotDesc) String() string {
	return fmt.Sprintf("[%v, %v) host %#x flags %v", d.GuestAddr, d.GuestAddr+hostarch.Addr(d.Size), d.HostAddr, d.Flags)
}

// DirtyLog is a backend's dirty page bitmap.
type DirtyLog struct {
	// Bits has one bit per guest page, set if the page was written.
	// Backends may set bits concurrently with AtomicSet; readers drain them
	// with bitmap.CopyAndClearWithOffsetAtomic.
	Bits *bitmap.Bitmap

	// FirstPage is the guest page number of bit 0 of Bits.
	FirstPage uint64
}

// Range returns the guest-physical range covered by l.
func (l DirtyLog) Range() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: hostarch.Addr(l.FirstPage << hostarch.PageShift),
		End:   hostarch.Addr((l.FirstPage + l.Bits.Len()) << hostarch.PageShift),
	}
}

// Backend is the slot table of a virtualization backend.
//
// Calls are synchronous and may block. Indices are unique per address space
// while the slot is live, and are allocated lowest first.
type Backend interface {
	// CreateSlot maps a new slot, returning its index. It returns
	// ErrNoSlots if the table is full.
	CreateSlot(asID int, desc SlotDesc) (int, error)

	// UpdateSlot changes the size or flags of a live slot.
	UpdateSlot(asID, index int, size uint64, flags Flags) error

	// DeleteSlot unmaps a slot and releases its index.
	DeleteSlot(asID, index int) error

	// FetchDirtyBitmap returns the dirty log covering a slot with
	// FlagLogDirty set.
	FetchDirtyBitmap(asID, index int) (DirtyLog, error)

	// ClearDirtyBitmap re-arms dirty tracking for the pages set in mask,
	// which uses the coordinates of the last DirtyLog returned for the
	// slot.
	ClearDirtyBitmap(asID, index int, mask *bitmap.Bitmap) error
}
