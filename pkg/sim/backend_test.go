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

package sim

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/memslot"
)

func desc(start, size uint64, flags memslot.Flags) memslot.SlotDesc {
	return memslot.SlotDesc{
		GuestAddr: hostarch.Addr(start),
		Size:      size,
		Flags:     flags,
	}
}

func TestCapacity(t *testing.T) {
	b := NewBackend(2)
	for i := 0; i < 2; i++ {
		index, err := b.CreateSlot(0, desc(uint64(i)*hostarch.PageSize, hostarch.PageSize, 0))
		if err != nil || index != i {
			t.Fatalf("CreateSlot #%d = %d, %v", i, index, err)
		}
	}
	if _, err := b.CreateSlot(0, desc(8*hostarch.PageSize, hostarch.PageSize, 0)); !errors.Is(err, memslot.ErrNoSlots) {
		t.Fatalf("CreateSlot on a full table = %v, want ErrNoSlots", err)
	}
	// Address spaces have separate tables.
	if _, err := b.CreateSlot(1, desc(0, hostarch.PageSize, 0)); err != nil {
		t.Fatalf("CreateSlot in address space 1: %v", err)
	}

	// The lowest free index is reused.
	if err := b.DeleteSlot(0, 0); err != nil {
		t.Fatalf("DeleteSlot: %v", err)
	}
	if index, err := b.CreateSlot(0, desc(0, hostarch.PageSize, 0)); err != nil || index != 0 {
		t.Fatalf("CreateSlot after delete = %d, %v; want 0, nil", index, err)
	}
}

func TestOverlapRejected(t *testing.T) {
	b := NewBackend(8)
	if _, err := b.CreateSlot(0, desc(0, 4*hostarch.PageSize, 0)); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	if _, err := b.CreateSlot(0, desc(3*hostarch.PageSize, hostarch.PageSize, 0)); !errors.Is(err, memslot.ErrInvalidRange) {
		t.Errorf("overlapping CreateSlot = %v, want ErrInvalidRange", err)
	}
}

func TestTouchAndFetch(t *testing.T) {
	b := NewBackend(8)
	// Page 70 is not aligned to the log, so the log starts at page 64.
	index, err := b.CreateSlot(0, desc(70*hostarch.PageSize, 10*hostarch.PageSize, memslot.FlagLogDirty))
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	if !b.Touch(0, 72*hostarch.PageSize+5) {
		t.Errorf("Touch of a mapped page failed")
	}
	if b.Touch(0, 80*hostarch.PageSize) {
		t.Errorf("Touch past the slot succeeded")
	}
	dl, err := b.FetchDirtyBitmap(0, index)
	if err != nil {
		t.Fatalf("FetchDirtyBitmap: %v", err)
	}
	if dl.FirstPage != 64 {
		t.Errorf("FirstPage = %d, want 64", dl.FirstPage)
	}
	if diff := cmp.Diff([]uint64{8}, dl.Bits.ToSlice()); diff != "" {
		t.Errorf("dirty log mismatch (-want +got):\n%s", diff)
	}

	mask := bitmap.New(dl.Bits.Len())
	mask.SetBit(8)
	if err := b.ClearDirtyBitmap(0, index, mask); err != nil {
		t.Fatalf("ClearDirtyBitmap: %v", err)
	}
	if got := b.Cleared(0, index); got != 1 {
		t.Errorf("Cleared() = %d, want 1", got)
	}
}

func TestReadOnlyTouch(t *testing.T) {
	b := NewBackend(8)
	if _, err := b.CreateSlot(0, desc(0, hostarch.PageSize, memslot.FlagReadOnly|memslot.FlagLogDirty)); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	if b.Touch(0, 0) {
		t.Errorf("write to a read-only slot succeeded")
	}
}

func TestInjectFault(t *testing.T) {
	b := NewBackend(8)
	errBoom := errors.New("boom")
	b.InjectFault(OpCreate, 1, errBoom)
	if _, err := b.CreateSlot(0, desc(0, hostarch.PageSize, 0)); err != nil {
		t.Fatalf("first CreateSlot: %v", err)
	}
	if _, err := b.CreateSlot(0, desc(hostarch.PageSize, hostarch.PageSize, 0)); !errors.Is(err, errBoom) {
		t.Fatalf("second CreateSlot = %v, want injected fault", err)
	}
	if _, err := b.CreateSlot(0, desc(hostarch.PageSize, hostarch.PageSize, 0)); err != nil {
		t.Fatalf("third CreateSlot: %v", err)
	}

	want := []Call{
		{Op: OpCreate, Index: 0},
		{Op: OpCreate, Index: -1},
		{Op: OpCreate, Index: 1},
	}
	if diff := cmp.Diff(want, b.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateRestartsLog(t *testing.T) {
	b := NewBackend(8)
	index, err := b.CreateSlot(0, desc(0, 4*hostarch.PageSize, 0))
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	if _, err := b.FetchDirtyBitmap(0, index); !errors.Is(err, memslot.ErrInvalidRange) {
		t.Errorf("FetchDirtyBitmap without logging = %v, want ErrInvalidRange", err)
	}
	if err := b.UpdateSlot(0, index, 8*hostarch.PageSize, memslot.FlagLogDirty); err != nil {
		t.Fatalf("UpdateSlot: %v", err)
	}
	b.Touch(0, 7*hostarch.PageSize)
	dl, err := b.FetchDirtyBitmap(0, index)
	if err != nil {
		t.Fatalf("FetchDirtyBitmap: %v", err)
	}
	if dl.Bits.Len() != 8 || !dl.Bits.Test(7) {
		t.Errorf("unexpected log after update: %v", dl.Bits)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	defer m.Release()
	b := NewBackend(8)
	r, err := m.Add(0x10000, 2*hostarch.PageSize, 0, memslot.FlagLogDirty)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := b.CreateSlot(0, memslot.SlotDesc{GuestAddr: r.Start, Size: 2 * hostarch.PageSize, HostAddr: r.HostAddr, Flags: r.Flags}); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	cpu := &VCPU{Memory: m, Backend: b}
	if !cpu.Write(0x10001, 42) {
		t.Fatalf("Write failed")
	}
	if v, ok := cpu.Read(0x10001); !ok || v != 42 {
		t.Errorf("Read() = %d, %t; want 42, true", v, ok)
	}
	if cpu.Write(0x20000, 1) {
		t.Errorf("Write outside of any slot succeeded")
	}
	if hva, ok := m.HostAddr(0x11000); !ok || hva != hostarch.Addr(r.HostAddr)+hostarch.PageSize {
		t.Errorf("HostAddr() = %v, %t", hva, ok)
	}
	if err := m.Resize(0x10000, 3*hostarch.PageSize); err == nil {
		t.Errorf("Resize past the reservation succeeded")
	}
}
