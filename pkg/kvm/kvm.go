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

//go:build linux

// Package kvm implements memslot.Backend on top of a KVM virtual machine.
//
// Slots are KVM user memory regions. A slot of address space as with index i
// has the KVM slot id as<<16 | i. When the kernel supports
// KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2 it is enabled, so that fetching the dirty
// log and re-arming write protection are separate steps.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/cleanup"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/pkg/memslot"
)

// defaultMemSlots is the slot count KVM guarantees when KVM_CAP_NR_MEMSLOTS
// is not reported.
const defaultMemSlots = 32

// Capabilities are the memory slot capabilities of the host.
type Capabilities struct {
	// MemSlots is the number of slots per address space.
	MemSlots int

	// AddressSpaces is the number of address spaces.
	AddressSpaces int

	// ManualDirtyLogProtect is true if dirty logs can be cleared separately
	// from fetching them.
	ManualDirtyLogProtect bool
}

// Backend is a KVM virtual machine used as a memslot.Backend.
type Backend struct {
	deviceFD int
	vmFD     int
	caps     Capabilities

	// manualProtect is true if KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2 was
	// enabled for the VM.
	manualProtect bool

	// mu protects spaces.
	mu     sync.Mutex
	spaces map[int]*memslot.SlotTable[memslot.SlotDesc]
}

// New creates a virtual machine on the KVM device at path.
func New(path string) (*Backend, error) {
	f, err := os.OpenFile(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	deviceFD, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("error duplicating KVM device: %w", err)
	}
	cu := cleanup.Make(func() { unix.Close(deviceFD) })
	defer cu.Clean()

	var (
		vm    uintptr
		errno unix.Errno
	)
	for {
		vm, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(deviceFD), _KVM_CREATE_VM, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return nil, fmt.Errorf("creating VM: %w", errno)
		}
		break
	}
	vmFD := int(vm)
	cu.Add(func() { unix.Close(vmFD) })

	b := &Backend{
		deviceFD: deviceFD,
		vmFD:     vmFD,
		caps:     probe(deviceFD, vmFD),
		spaces:   make(map[int]*memslot.SlotTable[memslot.SlotDesc]),
	}
	if b.caps.ManualDirtyLogProtect {
		if errno := enableCapability(vmFD, _KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2, _KVM_DIRTY_LOG_MANUAL_PROTECT_ENABLE); errno != 0 {
			log.Warningf("Enabling manual dirty log protection failed, dirty logs are cleared on fetch: %v", errno)
		} else {
			b.manualProtect = true
		}
	}
	log.Infof("KVM VM created: %d slots, %d address spaces, manual dirty log protection %t", b.caps.MemSlots, b.caps.AddressSpaces, b.manualProtect)
	cu.Release()
	return b, nil
}

// Probe returns the capabilities of the KVM device at path without creating
// a virtual machine.
func Probe(path string) (Capabilities, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return Capabilities{}, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer unix.Close(fd)
	return probe(fd, fd), nil
}

// probe queries capabilities on the VM file descriptor, falling back to the
// device for kernels without KVM_CAP_CHECK_EXTENSION_VM.
func probe(deviceFD, vmFD int) Capabilities {
	check := func(c uintptr) int {
		if v, errno := checkExtension(vmFD, c); errno == 0 {
			return v
		}
		v, errno := checkExtension(deviceFD, c)
		if errno != 0 {
			return 0
		}
		return v
	}
	caps := Capabilities{
		MemSlots:              check(_KVM_CAP_NR_MEMSLOTS),
		AddressSpaces:         check(_KVM_CAP_MULTI_ADDRESS_SPACE),
		ManualDirtyLogProtect: check(_KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2)&_KVM_DIRTY_LOG_MANUAL_PROTECT_ENABLE != 0,
	}
	if caps.MemSlots <= 0 {
		caps.MemSlots = defaultMemSlots
	}
	if caps.AddressSpaces <= 0 {
		caps.AddressSpaces = 1
	}
	return caps
}

// Capabilities returns the capabilities of the VM.
func (b *Backend) Capabilities() Capabilities {
	return b.caps
}

// Close releases the VM.
func (b *Backend) Close() error {
	return errors.Join(unix.Close(b.vmFD), unix.Close(b.deviceFD))
}

// slotID returns the KVM slot id of index in address space asID.
func slotID(asID, index int) uint32 {
	return uint32(asID)<<16 | uint32(index)
}

func kvmFlags(flags memslot.Flags) uint32 {
	var f uint32
	if flags&memslot.FlagLogDirty != 0 {
		f |= _KVM_MEM_LOG_DIRTY_PAGES
	}
	if flags&memslot.FlagReadOnly != 0 {
		f |= _KVM_MEM_READONLY
	}
	return f
}

// regionError translates a KVM_SET_USER_MEMORY_REGION failure.
func regionError(op string, desc memslot.SlotDesc, errno unix.Errno) error {
	switch errno {
	case unix.EEXIST, unix.EINVAL:
		return fmt.Errorf("%s slot %v: %w: %w", op, desc, errno, memslot.ErrInvalidRange)
	case unix.ENOMEM, unix.ENOSPC:
		return fmt.Errorf("%s slot %v: %w: %w", op, desc, errno, memslot.ErrNoSlots)
	default:
		return fmt.Errorf("%s slot %v: %w", op, desc, errno)
	}
}

// Preconditions: b.mu is held.
func (b *Backend) table(asID int) (*memslot.SlotTable[memslot.SlotDesc], error) {
	if asID < 0 || asID >= b.caps.AddressSpaces {
		return nil, fmt.Errorf("address space %d out of range [0, %d): %w", asID, b.caps.AddressSpaces, memslot.ErrInvalidRange)
	}
	t, ok := b.spaces[asID]
	if !ok {
		t = memslot.NewSlotTable[memslot.SlotDesc](b.caps.MemSlots)
		b.spaces[asID] = t
	}
	return t, nil
}

// Preconditions: b.mu is held.
func (b *Backend) lookup(asID, index int) (memslot.SlotDesc, bool) {
	t, ok := b.spaces[asID]
	if !ok {
		return memslot.SlotDesc{}, false
	}
	return t.Get(index)
}

func (b *Backend) set(asID, index int, desc memslot.SlotDesc) unix.Errno {
	return b.setMemoryRegion(&userMemoryRegion{
		slot:          slotID(asID, index),
		flags:         kvmFlags(desc.Flags),
		guestPhysAddr: uint64(desc.GuestAddr),
		memorySize:    desc.Size,
		userspaceAddr: uint64(desc.HostAddr),
	})
}

func (b *Backend) unset(asID, index int) unix.Errno {
	return b.setMemoryRegion(&userMemoryRegion{slot: slotID(asID, index)})
}

// CreateSlot implements memslot.Backend.CreateSlot.
func (b *Backend) CreateSlot(asID int, desc memslot.SlotDesc) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.table(asID)
	if err != nil {
		return 0, err
	}
	index, err := t.Alloc(desc)
	if err != nil {
		return 0, err
	}
	if errno := b.set(asID, index, desc); errno != 0 {
		t.Free(index)
		return 0, regionError("creating", desc, errno)
	}
	return index, nil
}

// UpdateSlot implements memslot.Backend.UpdateSlot.
//
// KVM cannot resize a slot or toggle its read-only flag in place, so those
// updates delete the slot and create it again under the same id. Writes
// logged between the two calls are lost.
func (b *Backend) UpdateSlot(asID, index int, size uint64, flags memslot.Flags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.lookup(asID, index)
	if !ok {
		return fmt.Errorf("updating slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	desc := old
	desc.Size = size
	desc.Flags = flags
	if size != old.Size || (flags^old.Flags)&memslot.FlagReadOnly != 0 {
		if errno := b.unset(asID, index); errno != 0 {
			return regionError("deleting", old, errno)
		}
		if errno := b.set(asID, index, desc); errno != 0 {
			// Put the old slot back so that the table matches KVM.
			if errno := b.set(asID, index, old); errno != 0 {
				log.Warningf("Restoring slot %v of address space %d failed: %v", old, asID, errno)
				b.spaces[asID].Free(index)
			}
			return regionError("recreating", desc, errno)
		}
	} else if errno := b.set(asID, index, desc); errno != 0 {
		return regionError("updating", desc, errno)
	}
	b.spaces[asID].Set(index, desc)
	return nil
}

// DeleteSlot implements memslot.Backend.DeleteSlot.
func (b *Backend) DeleteSlot(asID, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	desc, ok := b.lookup(asID, index)
	if !ok {
		return fmt.Errorf("deleting slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	if errno := b.unset(asID, index); errno != 0 {
		return regionError("deleting", desc, errno)
	}
	b.spaces[asID].Free(index)
	return nil
}

// FetchDirtyBitmap implements memslot.Backend.FetchDirtyBitmap.
//
// The log is a snapshot: bit 0 is the first page of the slot. Without manual
// protection, fetching re-arms write protection for every returned page.
func (b *Backend) FetchDirtyBitmap(asID, index int) (memslot.DirtyLog, error) {
	b.mu.Lock()
	desc, ok := b.lookup(asID, index)
	b.mu.Unlock()
	if !ok || desc.Flags&memslot.FlagLogDirty == 0 {
		return memslot.DirtyLog{}, fmt.Errorf("slot %d of address space %d has no dirty log: %w", index, asID, memslot.ErrInvalidRange)
	}
	bits := bitmap.New(desc.Pages())
	if errno := b.getDirtyLog(slotID(asID, index), bits.Words()); errno != 0 {
		return memslot.DirtyLog{}, fmt.Errorf("fetching dirty log of slot %v: %w", desc, errno)
	}
	return memslot.DirtyLog{
		Bits:      bits,
		FirstPage: desc.GuestAddr.PageNumber(),
	}, nil
}

// ClearDirtyBitmap implements memslot.Backend.ClearDirtyBitmap.
func (b *Backend) ClearDirtyBitmap(asID, index int, mask *bitmap.Bitmap) error {
	if !b.manualProtect {
		return nil
	}
	b.mu.Lock()
	desc, ok := b.lookup(asID, index)
	b.mu.Unlock()
	if !ok || mask.Len() != desc.Pages() {
		return fmt.Errorf("clearing slot %d of address space %d: %w", index, asID, memslot.ErrInvalidRange)
	}
	for _, c := range clearChunks(mask) {
		if errno := b.clearDirtyLog(slotID(asID, index), c.first, uint32(c.bits.Len()), c.bits.Words()); errno != 0 {
			return fmt.Errorf("clearing pages [%d, %d) of slot %v: %w", c.first, c.first+c.bits.Len(), desc, errno)
		}
	}
	return nil
}

// clearChunk is one KVM_CLEAR_DIRTY_LOG call.
type clearChunk struct {
	// first is the slot-relative page of bit 0 of bits.
	first uint64
	bits  *bitmap.Bitmap
}

// maxClearPages bounds the pages of a single clear, which KVM takes as a
// 32-bit count.
const maxClearPages = 1 << 31

// clearChunks splits mask into clears that start on a clearAlign boundary and
// span the set bits of mask. Each chunk ends on a clearAlign boundary or at
// the end of the slot, as KVM requires.
func clearChunks(mask *bitmap.Bitmap) []clearChunk {
	var chunks []clearChunk
	pages := mask.Len()
	for pos := uint64(0); pos < pages; {
		first, ok := mask.FirstOne(pos)
		if !ok {
			break
		}
		first &^= clearAlign - 1
		end := min(first+maxClearPages, pages)
		// Stop the chunk at the first clean aligned block after first.
		for block := first + clearAlign; block < end; block += clearAlign {
			if !mask.AnySet(block, min(clearAlign, pages-block)) {
				end = block
				break
			}
		}
		bits := bitmap.New(end - first)
		bitmap.CopyWithSrcOffset(bits, mask, first, end-first)
		chunks = append(chunks, clearChunk{first: first, bits: bits})
		pos = end
	}
	return chunks
}
