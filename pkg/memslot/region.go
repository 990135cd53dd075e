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

// Package memslot maps a dynamic set of guest-physical memory regions onto
// the fixed-capacity memory slot table of a virtualization backend, and
// tracks the pages written through those slots.
//
// A Listener owns the slots of one address space. It consumes region events
// in order, splits regions wider than the maximum slot size, and collects the
// backend's dirty logs into per-slot bitmaps that CollectAll assembles into a
// single bitmap for the whole address space.
package memslot

import (
	"fmt"
	"strings"

	"gvisor.dev/memslot/pkg/hostarch"
)

// Flags are the attributes of a region, carried onto each of its slots.
type Flags uint32

const (
	// FlagLogDirty enables dirty page tracking.
	FlagLogDirty Flags = 1 << iota

	// FlagReadOnly maps the region read-only. Guest writes exit to the VMM.
	FlagReadOnly
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var s []string
	if f&FlagLogDirty != 0 {
		s = append(s, "log-dirty")
	}
	if f&FlagReadOnly != 0 {
		s = append(s, "readonly")
	}
	if rest := f &^ (FlagLogDirty | FlagReadOnly); rest != 0 {
		s = append(s, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(s, "|")
}

// Region is a contiguous range of guest-physical memory backed by host
// memory.
//
// The host memory is owned by the memory model. Slots only reference it.
type Region struct {
	// Start is the guest-physical address of the region. It must be page
	// aligned.
	Start hostarch.Addr

	// Size is the length of the region in bytes. Slots cover it rounded up
	// to the page size.
	Size uint64

	// HostAddr is the host virtual address backing Start. It must be page
	// aligned.
	HostAddr uintptr

	// Flags are the region's attributes.
	Flags Flags
}

// Pages returns the number of pages covered by r.
func (r Region) Pages() uint64 {
	return hostarch.PagesRoundUp(r.Size)
}

// End returns the page aligned end of r.
func (r Region) End() hostarch.Addr {
	return r.Start + hostarch.Addr(r.Pages()<<hostarch.PageShift)
}

// Range returns the page aligned guest-physical range of r.
func (r Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Start, End: r.End()}
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) host %#x flags %v", r.Start, r.Start+hostarch.Addr(r.Size), r.HostAddr, r.Flags)
}

// Validate returns an error if r cannot be mapped.
func (r Region) Validate() error {
	if !r.Start.IsPageAligned() {
		return fmt.Errorf("region start %v is not page aligned", r.Start)
	}
	if r.HostAddr&uintptr(hostarch.PageMask) != 0 {
		return fmt.Errorf("region %v host address is not page aligned", r)
	}
	if r.Size == 0 || r.Size > DefaultMaxSlotSize {
		return fmt.Errorf("region at %v has invalid size %#x", r.Start, r.Size)
	}
	if _, ok := r.Start.ToRange(r.Pages() << hostarch.PageShift); !ok {
		return fmt.Errorf("region %v wraps the address space", r)
	}
	return nil
}

// validate panics if r violates the region contract.
func (r Region) validate() {
	if err := r.Validate(); err != nil {
		panic(err.Error())
	}
}

// EventKind identifies a region lifecycle event.
type EventKind uint8

const (
	// RegionAdded announces a new region.
	RegionAdded EventKind = iota

	// RegionRemoved announces that a region is gone.
	RegionRemoved

	// RegionResized changes the size of a region. Its start is unchanged.
	RegionResized

	// FlagsChanged changes the flags of a region.
	FlagsChanged
)

// String implements fmt.Stringer.String.
func (k EventKind) String() string {
	switch k {
	case RegionAdded:
		return "add"
	case RegionRemoved:
		return "remove"
	case RegionResized:
		return "resize"
	case FlagsChanged:
		return "flags"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Event is a region lifecycle event.
type Event struct {
	Kind EventKind

	// Region is the region as it was before the event, except for
	// RegionAdded where it is the new region. Regions are identified by
	// their start address.
	Region Region

	// NewSize is the size after a RegionResized event.
	NewSize uint64

	// NewFlags are the flags after a FlagsChanged event.
	NewFlags Flags
}

// EventHandler consumes region events.
type EventHandler interface {
	// HandleEvent applies ev. Events of one address space are delivered
	// one at a time, in order.
	HandleEvent(ev Event) error
}

// RegionSource is the memory model of one address space.
type RegionSource interface {
	// Regions returns the current regions.
	Regions() []Region

	// Subscribe delivers all future events to h.
	Subscribe(h EventHandler)

	// Unsubscribe stops delivering events to h.
	Unsubscribe(h EventHandler)
}
