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

// Package sim provides an in-memory virtualization backend and memory model.
//
// The backend keeps a fixed-capacity slot table per address space and a
// dirty log per slot that simulated vCPUs set concurrently, the way a
// hypervisor sets bits from its page fault handler. Faults can be injected
// into any backend operation.
package sim

import (
	"fmt"
	"sync"

	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/memslot"
)

// logAlign is the page alignment of the first bit of a dirty log.
const logAlign = bitmap.WordBits

// Op is a backend operation.
type Op int

// Backend operations.
const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
	OpFetch
	OpClear
)

// String implements fmt.Stringer.String.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpFetch:
		return "fetch"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Call records a backend operation.
type Call struct {
	Op    Op
	ASID  int
	Index int

	// Pages is the number of pages of the mask for OpClear.
	Pages uint64
}

type fault struct {
	op    Op
	after int
	err   error
}

type simSlot struct {
	desc memslot.SlotDesc

	// log is the dirty log of the slot. Its first page is the slot's first
	// page rounded down to logAlign, so that unaligned slots report a
	// non-zero offset.
	log memslot.DirtyLog

	// cleared counts the pages re-armed by ClearDirtyBitmap.
	cleared uint64
}

func (s *simSlot) contains(gpa hostarch.Addr) bool {
	return s.desc.Range().Contains(gpa)
}

func newLog(desc memslot.SlotDesc) memslot.DirtyLog {
	first := desc.GuestAddr.PageNumber()
	aligned := first &^ (logAlign - 1)
	return memslot.DirtyLog{
		Bits:      bitmap.New(first - aligned + desc.Pages()),
		FirstPage: aligned,
	}
}

// Backend is an in-memory implementation of memslot.Backend.
type Backend struct {
	capacity int

	// mu protects the fields below. Dirty logs are set with atomics under
	// mu held for reading.
	mu     sync.RWMutex
	spaces map[int]*memslot.SlotTable[*simSlot]
	faults []fault
	calls  []Call
}

// NewBackend returns a backend with capacity slots per address space.
func NewBackend(capacity int) *Backend {
	return &Backend{
		capacity: capacity,
		spaces:   make(map[int]*memslot.SlotTable[*simSlot]),
	}
}

// InjectFault makes the call to op following after successful ones fail with
// err. Each injected fault fires once.
func (b *Backend) InjectFault(op Op, after int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault{op: op, after: after, err: err})
}

// Calls returns the operations performed so far.
func (b *Backend) Calls() []Call {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Call(nil), b.calls...)
}

// ResetCalls forgets the recorded operations.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Slots returns the live slot descriptors of asID by index.
func (b *Backend) Slots(asID int) map[int]memslot.SlotDesc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	descs := make(map[int]memslot.SlotDesc)
	if t, ok := b.spaces[asID]; ok {
		t.ForEach(func(i int, s *simSlot) bool {
			descs[i] = s.desc
			return true
		})
	}
	return descs
}

// Cleared returns the number of pages re-armed for slot index of asID.
func (b *Backend) Cleared(asID, index int) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.slot(asID, index); ok {
		return s.cleared
	}
	return 0
}

// Touch records a guest write to gpa in address space asID, as a vCPU would.
// It returns false if no writable slot maps gpa.
func (b *Backend) Touch(asID int, gpa hostarch.Addr) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.spaces[asID]
	if !ok {
		return false
	}
	mapped := false
	t.ForEach(func(_ int, s *simSlot) bool {
		if !s.contains(gpa) {
			return true
		}
		if s.desc.Flags&memslot.FlagReadOnly == 0 {
			mapped = true
			if s.desc.Flags&memslot.FlagLogDirty != 0 {
				s.log.Bits.AtomicSet(gpa.PageNumber() - s.log.FirstPage)
			}
		}
		return false
	})
	return mapped
}

// call records op and returns an injected fault, if one is due.
//
// Preconditions: b.mu is held for writing.
func (b *Backend) call(op Op, asID, index int) error {
	b.calls = append(b.calls, Call{Op: op, ASID: asID, Index: index})
	for i := range b.faults {
		f := &b.faults[i]
		if f.op != op {
			continue
		}
		if f.after > 0 {
			f.after--
			continue
		}
		err := f.err
		b.faults = append(b.faults[:i], b.faults[i+1:]...)
		return err
	}
	return nil
}

// Preconditions: b.mu is held.
func (b *Backend) slot(asID, index int) (*simSlot, bool) {
	t, ok := b.spaces[asID]
	if !ok {
		return nil, false
	}
	return t.Get(index)
}

// CreateSlot implements memslot.Backend.CreateSlot.
func (b *Backend) CreateSlot(asID int, desc memslot.SlotDesc) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpCreate, asID, -1); err != nil {
		return 0, err
	}
	ar, ok := desc.GuestAddr.ToRange(desc.Size)
	if desc.Size == 0 || !ok || !ar.IsPageAligned() {
		return 0, fmt.Errorf("slot %v: %w", desc, memslot.ErrInvalidRange)
	}
	t, ok := b.spaces[asID]
	if !ok {
		t = memslot.NewSlotTable[*simSlot](b.capacity)
		b.spaces[asID] = t
	}
	var overlap bool
	t.ForEach(func(_ int, s *simSlot) bool {
		overlap = s.desc.Range().Overlaps(ar)
		return !overlap
	})
	if overlap {
		return 0, fmt.Errorf("slot range %v overlaps a live slot: %w", ar, memslot.ErrInvalidRange)
	}
	s := &simSlot{desc: desc}
	if desc.Flags&memslot.FlagLogDirty != 0 {
		s.log = newLog(desc)
	}
	index, err := t.Alloc(s)
	if err != nil {
		return 0, err
	}
	b.calls[len(b.calls)-1].Index = index
	return index, nil
}

// UpdateSlot implements memslot.Backend.UpdateSlot.
func (b *Backend) UpdateSlot(asID, index int, size uint64, flags memslot.Flags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpUpdate, asID, index); err != nil {
		return err
	}
	s, ok := b.slot(asID, index)
	if !ok {
		return fmt.Errorf("updating slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	if size == 0 || size&hostarch.PageMask != 0 {
		return fmt.Errorf("resizing slot %d to %#x: %w", index, size, memslot.ErrInvalidRange)
	}
	old := s.desc
	s.desc.Size = size
	s.desc.Flags = flags
	switch {
	case flags&memslot.FlagLogDirty == 0:
		s.log = memslot.DirtyLog{}
	case old.Flags&memslot.FlagLogDirty == 0 || old.Size != size:
		// Logging restarts from scratch, as when a hypervisor slot is
		// recreated.
		s.log = newLog(s.desc)
	}
	return nil
}

// DeleteSlot implements memslot.Backend.DeleteSlot.
func (b *Backend) DeleteSlot(asID, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpDelete, asID, index); err != nil {
		return err
	}
	t, ok := b.spaces[asID]
	if !ok {
		return fmt.Errorf("deleting slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	if _, ok := t.Free(index); !ok {
		return fmt.Errorf("deleting slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	return nil
}

// FetchDirtyBitmap implements memslot.Backend.FetchDirtyBitmap.
//
// The returned log is the live one: vCPUs keep setting bits in it.
func (b *Backend) FetchDirtyBitmap(asID, index int) (memslot.DirtyLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpFetch, asID, index); err != nil {
		return memslot.DirtyLog{}, err
	}
	s, ok := b.slot(asID, index)
	if !ok || s.log.Bits == nil {
		return memslot.DirtyLog{}, fmt.Errorf("slot %d of address space %d has no dirty log: %w", index, asID, memslot.ErrInvalidRange)
	}
	return s.log, nil
}

// ClearDirtyBitmap implements memslot.Backend.ClearDirtyBitmap.
//
// Collection already drained the live log, so there is nothing left to clear;
// the pages are only counted.
func (b *Backend) ClearDirtyBitmap(asID, index int, mask *bitmap.Bitmap) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpClear, asID, index); err != nil {
		return err
	}
	b.calls[len(b.calls)-1].Pages = mask.Count()
	s, ok := b.slot(asID, index)
	if !ok || s.log.Bits == nil || mask.Len() != s.log.Bits.Len() {
		return fmt.Errorf("clearing slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	s.cleared += mask.Count()
	return nil
}
