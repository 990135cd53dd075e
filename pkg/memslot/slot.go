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
	"sync"

	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/pkg/poison"
)

// slotState is the lifecycle state of a slot. A slot that is absent has no
// slot struct at all.
type slotState uint8

const (
	// slotLive slots are mapped by the backend.
	slotLive slotState = iota

	// slotPendingDestroy slots are being collected for the last time
	// before deletion. The state never outlives a listener call.
	slotPendingDestroy
)

// slot is one backend slot. All fields but mu, dirty, and untracked are
// protected by the owning Listener's mu.
type slot struct {
	start    hostarch.Addr
	size     uint64
	hostAddr uintptr
	index    int
	flags    Flags
	oldFlags Flags
	state    slotState

	// mu serializes collections of this slot.
	mu sync.Mutex

	// dirty holds the pages collected from the backend and not yet handed
	// out by CollectAll. It is nil unless flags has FlagLogDirty.
	// Protected by mu.
	dirty *bitmap.Bitmap

	// untracked marks poisoned pages. Their dirty bits are dropped on
	// collection. It is nil if the slot has no poisoned page. Protected by
	// mu.
	untracked *bitmap.Bitmap
}

// SlotInfo is a snapshot of a live slot.
type SlotInfo struct {
	Index    int
	Start    hostarch.Addr
	Size     uint64
	HostAddr uintptr
	Flags    Flags
	OldFlags Flags

	// Untracked lists the guest addresses of pages excluded from dirty
	// tracking.
	Untracked []hostarch.Addr
}

func newSlot(desc SlotDesc, index int, reg *poison.Registry) *slot {
	s := &slot{
		start:    desc.GuestAddr,
		size:     desc.Size,
		hostAddr: desc.HostAddr,
		index:    index,
		flags:    desc.Flags,
		oldFlags: desc.Flags,
	}
	if s.flags&FlagLogDirty != 0 {
		s.dirty = bitmap.New(s.pages())
	}
	s.untracked = untrackedPages(desc, reg)
	return s
}

// untrackedPages returns the mask of poisoned pages of desc, or nil.
func untrackedPages(desc SlotDesc, reg *poison.Registry) *bitmap.Bitmap {
	hva := hostarch.Addr(desc.HostAddr)
	pages := reg.InRange(hostarch.AddrRange{Start: hva, End: hva + hostarch.Addr(desc.Size)})
	if len(pages) == 0 {
		return nil
	}
	mask := bitmap.New(desc.Pages())
	for _, p := range pages {
		i := uint64(p-hva) >> hostarch.PageShift
		mask.SetBit(i)
		log.Debugf("Page %v of slot %v is poisoned and will not be tracked", desc.GuestAddr+hostarch.Addr(i<<hostarch.PageShift), desc)
	}
	return mask
}

func (s *slot) pages() uint64 {
	return s.size >> hostarch.PageShift
}

func (s *slot) addrRange() hostarch.AddrRange {
	return s.desc().Range()
}

func (s *slot) end() hostarch.Addr {
	return s.addrRange().End
}

func (s *slot) desc() SlotDesc {
	return SlotDesc{
		GuestAddr: s.start,
		Size:      s.size,
		HostAddr:  s.hostAddr,
		Flags:     s.flags,
	}
}

func (s *slot) String() string {
	return fmt.Sprintf("slot %d %v", s.index, s.desc())
}

func (s *slot) info() SlotInfo {
	si := SlotInfo{
		Index:    s.index,
		Start:    s.start,
		Size:     s.size,
		HostAddr: s.hostAddr,
		Flags:    s.flags,
		OldFlags: s.oldFlags,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.untracked != nil {
		s.untracked.ForEach(func(i uint64) bool {
			si.Untracked = append(si.Untracked, s.start+hostarch.Addr(i<<hostarch.PageShift))
			return true
		})
	}
	return si
}

// takeDirty returns the collected pages and resets them, or nil if the slot
// is not tracking dirty pages.
func (s *slot) takeDirty() *bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty == nil {
		return nil
	}
	b := s.dirty
	s.dirty = bitmap.New(s.pages())
	return b
}
