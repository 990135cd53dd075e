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

package memslot_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/memslot"
	"gvisor.dev/memslot/pkg/poison"
	"gvisor.dev/memslot/pkg/sim"
)

// pg returns the guest address of page n.
func pg(n uint64) hostarch.Addr {
	return hostarch.Addr(n << hostarch.PageShift)
}

func setMaxSlotSize(t *testing.T, pages uint64) {
	t.Helper()
	if err := memslot.SetMaxSlotSize(pages << hostarch.PageShift); err != nil {
		t.Fatalf("SetMaxSlotSize: %v", err)
	}
	t.Cleanup(func() {
		memslot.SetMaxSlotSize(memslot.DefaultMaxSlotSize)
	})
}

type testVM struct {
	mem      *sim.Memory
	backend  *sim.Backend
	listener *memslot.Listener
	cpu      *sim.VCPU
	poison   *poison.Registry
}

// newVM returns an unregistered listener over a fresh backend.
func newVM(t *testing.T, capacity int) *testVM {
	vm := &testVM{
		mem:     sim.NewMemory(),
		backend: sim.NewBackend(capacity),
		poison:  poison.NewRegistry(),
	}
	vm.listener = memslot.NewListener(memslot.ListenerOpts{
		Backend: vm.backend,
		Poison:  vm.poison,
	})
	vm.cpu = &sim.VCPU{Memory: vm.mem, Backend: vm.backend}
	t.Cleanup(func() {
		vm.listener.Close()
		vm.mem.Release()
	})
	return vm
}

// newRegisteredVM is newVM with the listener registered for address space 0.
func newRegisteredVM(t *testing.T, capacity int) *testVM {
	vm := newVM(t, capacity)
	if err := vm.listener.Register(vm.mem, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return vm
}

func (vm *testVM) add(t *testing.T, start hostarch.Addr, size, reserve uint64, flags memslot.Flags) memslot.Region {
	t.Helper()
	r, err := vm.mem.Add(start, size, reserve, flags)
	if err != nil {
		t.Fatalf("adding region at %v: %v", start, err)
	}
	return r
}

func (vm *testVM) write(t *testing.T, pages ...uint64) {
	t.Helper()
	for _, p := range pages {
		if !vm.cpu.Write(pg(p), byte(p)) {
			t.Fatalf("write to page %d failed", p)
		}
	}
}

func (vm *testVM) collect(t *testing.T) []uint64 {
	t.Helper()
	b, err := vm.listener.CollectAll()
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	return b.ToSlice()
}

func checkDirty(t *testing.T, vm *testVM, want []uint64) {
	t.Helper()
	if diff := cmp.Diff(want, vm.collect(t)); diff != "" {
		t.Errorf("dirty pages mismatch (-want +got):\n%s", diff)
	}
}

// checkCover verifies that slots exactly cover r, in order, without
// exceeding limit bytes each.
func checkCover(t *testing.T, slots []memslot.SlotInfo, r memslot.Region, limit uint64) {
	t.Helper()
	next := r.Start
	for _, s := range slots {
		if s.Start != next {
			t.Errorf("slot %d starts at %v, want %v", s.Index, s.Start, next)
		}
		if s.Size > limit || s.Size == 0 || s.Size%hostarch.PageSize != 0 {
			t.Errorf("slot %d has invalid size %#x", s.Index, s.Size)
		}
		if want := r.HostAddr + uintptr(s.Start-r.Start); s.HostAddr != want {
			t.Errorf("slot %d host address %#x, want %#x", s.Index, s.HostAddr, want)
		}
		next = s.Start + hostarch.Addr(s.Size)
	}
	if next != r.End() {
		t.Errorf("slots end at %v, want %v", next, r.End())
	}
}

func TestSplit(t *testing.T) {
	const maxPages = 4
	for _, tc := range []struct {
		name      string
		size      uint64
		wantSizes []uint64
	}{
		{"one page", hostarch.PageSize, []uint64{hostarch.PageSize}},
		{"exactly max", maxPages * hostarch.PageSize, []uint64{maxPages * hostarch.PageSize}},
		{"two and a half max", 10 * hostarch.PageSize, []uint64{maxPages * hostarch.PageSize, maxPages * hostarch.PageSize, 2 * hostarch.PageSize}},
		{"three max and ten bytes", 3*maxPages*hostarch.PageSize + 10, []uint64{maxPages * hostarch.PageSize, maxPages * hostarch.PageSize, maxPages * hostarch.PageSize, hostarch.PageSize}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			setMaxSlotSize(t, maxPages)
			vm := newRegisteredVM(t, 16)
			r := vm.add(t, pg(16), tc.size, 0, memslot.FlagLogDirty)

			slots := vm.listener.Slots()
			var sizes []uint64
			for i, s := range slots {
				sizes = append(sizes, s.Size)
				if s.Index != i {
					t.Errorf("slot at %v has index %d, want %d", s.Start, s.Index, i)
				}
			}
			if diff := cmp.Diff(tc.wantSizes, sizes); diff != "" {
				t.Errorf("slot sizes mismatch (-want +got):\n%s", diff)
			}
			checkCover(t, slots, r, maxPages*hostarch.PageSize)
		})
	}
}

func TestLayoutMatchesSlots(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 16)
	r := vm.add(t, pg(16), 10*hostarch.PageSize, 0, memslot.FlagLogDirty)
	var want []memslot.SlotDesc
	for _, s := range vm.listener.Slots() {
		want = append(want, memslot.SlotDesc{GuestAddr: s.Start, Size: s.Size, HostAddr: s.HostAddr, Flags: s.Flags})
	}
	if diff := cmp.Diff(want, memslot.Layout(r)); diff != "" {
		t.Errorf("Layout mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutWithLimit(t *testing.T) {
	r := memslot.Region{Start: 0x4000_0000, Size: 0x2800_0000, Flags: memslot.FlagLogDirty}
	descs, err := memslot.LayoutWithLimit(r, 0x1000_0000)
	if err != nil {
		t.Fatalf("LayoutWithLimit: %v", err)
	}
	var got []hostarch.AddrRange
	for _, d := range descs {
		got = append(got, d.Range())
	}
	want := []hostarch.AddrRange{
		{Start: 0x4000_0000, End: 0x5000_0000},
		{Start: 0x5000_0000, End: 0x6000_0000},
		{Start: 0x6000_0000, End: 0x6800_0000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LayoutWithLimit mismatch (-want +got):\n%s", diff)
	}
	if got := memslot.MaxSlotSize(); got != memslot.DefaultMaxSlotSize {
		t.Errorf("MaxSlotSize() = %#x after LayoutWithLimit", got)
	}

	for _, r := range []memslot.Region{
		{Start: 0x800, Size: hostarch.PageSize},
		{Start: 0, Size: 0},
		{Start: 0, Size: hostarch.PageSize, HostAddr: 0x10},
		{Start: ^hostarch.Addr(0) &^ hostarch.Addr(hostarch.PageMask), Size: 2 * hostarch.PageSize},
	} {
		if err := r.Validate(); err == nil {
			t.Errorf("%v.Validate() succeeded, want error", r)
		}
		if _, err := memslot.LayoutWithLimit(r, 0x1000_0000); err == nil {
			t.Errorf("LayoutWithLimit(%v) succeeded, want error", r)
		}
	}
	if _, err := memslot.LayoutWithLimit(memslot.Region{Size: hostarch.PageSize}, 0x1800); err == nil {
		t.Errorf("LayoutWithLimit with unaligned limit succeeded, want error")
	}
}

func TestMaxSlotSizeNotRetroactive(t *testing.T) {
	setMaxSlotSize(t, 8)
	vm := newRegisteredVM(t, 16)
	vm.add(t, pg(0), 8*hostarch.PageSize, 0, 0)
	setMaxSlotSize(t, 2)
	r := vm.add(t, pg(8), 4*hostarch.PageSize, 0, 0)

	slots := vm.listener.Slots()
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3: %+v", len(slots), slots)
	}
	if slots[0].Size != 8*hostarch.PageSize {
		t.Errorf("existing slot resized to %#x", slots[0].Size)
	}
	checkCover(t, slots[1:], r, 2*hostarch.PageSize)
}

func TestSetMaxSlotSizeInvalid(t *testing.T) {
	for _, size := range []uint64{0, 100, hostarch.PageSize + 1} {
		if err := memslot.SetMaxSlotSize(size); err == nil {
			t.Errorf("SetMaxSlotSize(%#x) succeeded", size)
		}
	}
	if got := memslot.MaxSlotSize(); got != memslot.DefaultMaxSlotSize {
		t.Errorf("MaxSlotSize() = %#x after invalid updates", got)
	}
}

func TestCapacityExhausted(t *testing.T) {
	const capacity = 256
	vm := newRegisteredVM(t, capacity)
	for i := uint64(0); i < capacity; i++ {
		vm.add(t, pg(i), hostarch.PageSize, 0, memslot.FlagLogDirty)
	}
	_, err := vm.mem.Add(pg(capacity), hostarch.PageSize, 0, memslot.FlagLogDirty)
	if !errors.Is(err, memslot.ErrNoSlots) {
		t.Fatalf("adding region %d = %v, want ErrNoSlots", capacity+1, err)
	}
	unmapped := vm.listener.Unmapped()
	if len(unmapped) != 1 || unmapped[0].Start != pg(capacity) {
		t.Errorf("Unmapped() = %v, want the last region", unmapped)
	}
	if got := len(vm.listener.Slots()); got != capacity {
		t.Errorf("got %d slots, want %d", got, capacity)
	}
	if got := len(vm.backend.Slots(0)); got != capacity {
		t.Errorf("backend has %d slots, want %d", got, capacity)
	}
}

func TestCapacityRollsBackPartialRegion(t *testing.T) {
	setMaxSlotSize(t, 2)
	vm := newRegisteredVM(t, 4)
	vm.add(t, pg(0), 6*hostarch.PageSize, 0, memslot.FlagLogDirty)

	// Needs 3 slots; only one is left.
	if _, err := vm.mem.Add(pg(6), 6*hostarch.PageSize, 0, memslot.FlagLogDirty); !errors.Is(err, memslot.ErrNoSlots) {
		t.Fatalf("Add = %v, want ErrNoSlots", err)
	}
	if got := len(vm.backend.Slots(0)); got != 3 {
		t.Errorf("backend has %d slots after rollback, want 3", got)
	}
	if got := len(vm.listener.Slots()); got != 3 {
		t.Errorf("listener has %d slots after rollback, want 3", got)
	}
	calls := vm.backend.Calls()
	if last := calls[len(calls)-1]; last.Op != sim.OpDelete || last.Index != 3 {
		t.Errorf("last call %+v, want deletion of slot 3", last)
	}
}

func TestRemovalRemapsUnmapped(t *testing.T) {
	vm := newRegisteredVM(t, 2)
	vm.add(t, pg(0), hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.add(t, pg(1), hostarch.PageSize, 0, memslot.FlagLogDirty)
	if _, err := vm.mem.Add(pg(2), hostarch.PageSize, 0, memslot.FlagLogDirty); !errors.Is(err, memslot.ErrNoSlots) {
		t.Fatalf("Add = %v, want ErrNoSlots", err)
	}
	if err := vm.listener.RetryUnmapped(); !errors.Is(err, memslot.ErrNoSlots) {
		t.Errorf("RetryUnmapped with a full table = %v, want ErrNoSlots", err)
	}

	if err := vm.mem.Remove(pg(0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if unmapped := vm.listener.Unmapped(); len(unmapped) != 0 {
		t.Errorf("Unmapped() = %v after freeing a slot", unmapped)
	}
	vm.write(t, 2)
	checkDirty(t, vm, []uint64{2})
}

func TestRemovalDrainsFirst(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 8*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.write(t, 1, 5)

	vm.backend.ResetCalls()
	if err := vm.mem.Remove(pg(0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	want := []sim.Call{
		{Op: sim.OpFetch, Index: 0},
		{Op: sim.OpClear, Index: 0, Pages: 1},
		{Op: sim.OpDelete, Index: 0},
		{Op: sim.OpFetch, Index: 1},
		{Op: sim.OpClear, Index: 1, Pages: 1},
		{Op: sim.OpDelete, Index: 1},
	}
	if diff := cmp.Diff(want, vm.backend.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got := len(vm.listener.Slots()); got != 0 {
		t.Errorf("got %d slots after removal", got)
	}

	// Writes before the removal are still reported.
	checkDirty(t, vm, []uint64{1, 5})
	checkDirty(t, vm, []uint64{})
}

func TestPoisonedPageNotTracked(t *testing.T) {
	vm := newVM(t, 8)
	vm.add(t, pg(0), 4*hostarch.PageSize, 0, memslot.FlagLogDirty)
	hva, ok := vm.mem.HostAddr(pg(2) + 17)
	if !ok {
		t.Fatalf("no host address for page 2")
	}
	vm.listener.PoisonPage(hva)
	if err := vm.listener.Register(vm.mem, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	slots := vm.listener.Slots()
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1", len(slots))
	}
	if diff := cmp.Diff([]hostarch.Addr{pg(2)}, slots[0].Untracked); diff != "" {
		t.Errorf("untracked pages mismatch (-want +got):\n%s", diff)
	}
	// The page is still mapped.
	vm.write(t, 2, 3)
	checkDirty(t, vm, []uint64{3})
}

func TestResizeRelocates(t *testing.T) {
	setMaxSlotSize(t, 8)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 12*hostarch.PageSize, 20*hostarch.PageSize, memslot.FlagLogDirty)
	vm.write(t, 1, 9)

	// The last slot would exceed the maximum: the region is split again.
	if err := vm.mem.Resize(pg(0), 20*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	slots := vm.listener.Slots()
	if len(slots) != 3 {
		t.Fatalf("got %d slots after growing, want 3", len(slots))
	}
	checkCover(t, slots, vm.mem.Regions()[0], 8*hostarch.PageSize)
	checkDirty(t, vm, []uint64{1, 9})

	// Shrinking the last slot happens in place. The page cut off is still
	// reported.
	vm.write(t, 17, 19)
	vm.backend.ResetCalls()
	if err := vm.mem.Resize(pg(0), 18*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	for _, c := range vm.backend.Calls() {
		if c.Op == sim.OpDelete || c.Op == sim.OpCreate {
			t.Errorf("in place resize issued %+v", c)
		}
	}
	if got := vm.listener.Slots()[2].Size; got != 2*hostarch.PageSize {
		t.Errorf("last slot size %#x, want %#x", got, 2*hostarch.PageSize)
	}
	checkDirty(t, vm, []uint64{17, 19})
}

func TestResizeShrinkDropsSlots(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 12*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.write(t, 2, 6, 10)

	if err := vm.mem.Resize(pg(0), 5*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	slots := vm.listener.Slots()
	checkCover(t, slots, vm.mem.Regions()[0], 4*hostarch.PageSize)
	if len(slots) != 2 {
		t.Errorf("got %d slots, want 2", len(slots))
	}
	checkDirty(t, vm, []uint64{2, 6, 10})
}

func TestFlagsChanged(t *testing.T) {
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 4*hostarch.PageSize, 0, 0)
	vm.write(t, 1)
	checkDirty(t, vm, []uint64{})

	if err := vm.mem.SetFlags(pg(0), memslot.FlagLogDirty); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	vm.write(t, 2)
	if err := vm.mem.SetFlags(pg(0), 0); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	s := vm.listener.Slots()[0]
	if s.Flags != 0 || s.OldFlags != memslot.FlagLogDirty {
		t.Errorf("slot flags %v, old flags %v; want none, log-dirty", s.Flags, s.OldFlags)
	}
	// Collected before logging stopped.
	checkDirty(t, vm, []uint64{2})

	vm.backend.ResetCalls()
	if err := vm.mem.SetFlags(pg(0), 0); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if calls := vm.backend.Calls(); len(calls) != 0 {
		t.Errorf("unchanged flags issued %+v", calls)
	}

	if err := vm.mem.SetFlags(pg(0), memslot.FlagReadOnly); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if vm.cpu.Write(pg(1), 1) {
		t.Errorf("write to a read-only region succeeded")
	}
}

// TestFlagsChangeRefused stops logging on a region whose first slot the
// backend refuses to update, then relocates the region. The pages logged by
// that slot must still be reported.
func TestFlagsChangeRefused(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 8*hostarch.PageSize, 12*hostarch.PageSize, memslot.FlagLogDirty)

	errBoom := errors.New("boom")
	vm.backend.InjectFault(sim.OpUpdate, 0, errBoom)
	if err := vm.mem.SetFlags(pg(0), 0); !errors.Is(err, errBoom) {
		t.Fatalf("SetFlags = %v, want injected fault", err)
	}
	slots := vm.listener.Slots()
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2", len(slots))
	}
	if slots[0].Flags != memslot.FlagLogDirty || slots[1].Flags != 0 {
		t.Fatalf("slot flags %v, %v; want log-dirty, none", slots[0].Flags, slots[1].Flags)
	}

	vm.write(t, 1)
	// The last slot would exceed the maximum: the region is split again.
	if err := vm.mem.Resize(pg(0), 12*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	checkDirty(t, vm, []uint64{1})
}

// TestFlagsChangeRefusedStartLogging is TestFlagsChangeRefused for a region
// that starts logging: the new slots do not log, and the pages of the slot
// that did are handed out once.
func TestFlagsChangeRefusedStartLogging(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 8*hostarch.PageSize, 12*hostarch.PageSize, 0)

	errBoom := errors.New("boom")
	vm.backend.InjectFault(sim.OpUpdate, 1, errBoom)
	if err := vm.mem.SetFlags(pg(0), memslot.FlagLogDirty); !errors.Is(err, errBoom) {
		t.Fatalf("SetFlags = %v, want injected fault", err)
	}

	vm.write(t, 1, 5)
	if err := vm.mem.Resize(pg(0), 12*hostarch.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	for _, s := range vm.listener.Slots() {
		if s.Flags != 0 {
			t.Errorf("slot %d flags %v, want none", s.Index, s.Flags)
		}
	}
	checkDirty(t, vm, []uint64{1})
	vm.write(t, 9)
	checkDirty(t, vm, []uint64{})
}

func TestCollectAllPlacement(t *testing.T) {
	setMaxSlotSize(t, 16)
	vm := newRegisteredVM(t, 16)
	vm.add(t, pg(3), 5*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.add(t, pg(100), 70*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.add(t, pg(200), 4*hostarch.PageSize, 0, 0)

	pages := []uint64{3, 7, 100, 115, 116, 131, 169}
	vm.write(t, pages...)
	vm.write(t, 201)

	b, err := vm.listener.CollectAll()
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if b.Len() != 170 {
		t.Errorf("bitmap covers %d pages, want 170", b.Len())
	}
	if diff := cmp.Diff(pages, b.ToSlice()); diff != "" {
		t.Errorf("dirty pages mismatch (-want +got):\n%s", diff)
	}
	checkDirty(t, vm, []uint64{})
}

func TestCollectErrorLosesNothing(t *testing.T) {
	setMaxSlotSize(t, 4)
	vm := newRegisteredVM(t, 8)
	vm.add(t, pg(0), 8*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.write(t, 1, 6)

	errBoom := errors.New("boom")
	vm.backend.InjectFault(sim.OpFetch, 0, errBoom)
	if _, err := vm.listener.CollectAll(); !errors.Is(err, errBoom) {
		t.Fatalf("CollectAll = %v, want injected fault", err)
	}
	checkDirty(t, vm, []uint64{1, 6})
}

// shortLogBackend reports dirty logs that start one page past the real one,
// so that they no longer cover the slot.
type shortLogBackend struct {
	*sim.Backend
}

func (b shortLogBackend) FetchDirtyBitmap(asID, index int) (memslot.DirtyLog, error) {
	dl, err := b.Backend.FetchDirtyBitmap(asID, index)
	if err != nil {
		return dl, err
	}
	dl.FirstPage++
	return dl, nil
}

func TestCollectRejectsShortLog(t *testing.T) {
	mem := sim.NewMemory()
	defer mem.Release()
	backend := sim.NewBackend(4)
	l := memslot.NewListener(memslot.ListenerOpts{
		Backend: shortLogBackend{backend},
		Poison:  poison.NewRegistry(),
	})
	defer l.Close()
	if err := l.Register(mem, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := mem.Add(pg(64), 4*hostarch.PageSize, 0, memslot.FlagLogDirty); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := l.CollectAll(); !errors.Is(err, memslot.ErrInvalidRange) {
		t.Errorf("CollectAll = %v, want %v", err, memslot.ErrInvalidRange)
	}
}

func TestConcurrentWritesAndCollect(t *testing.T) {
	const pages = 512
	setMaxSlotSize(t, 100)
	vm := newRegisteredVM(t, 16)
	vm.add(t, pg(0), pages*hostarch.PageSize, 0, memslot.FlagLogDirty)

	all := bitmap.New(pages)
	merge := func(b *bitmap.Bitmap) {
		if b.Len() != pages {
			t.Errorf("bitmap covers %d pages, want %d", b.Len(), pages)
			return
		}
		all.Or(b)
	}

	done := make(chan struct{})
	var collector sync.WaitGroup
	collector.Add(1)
	go func() {
		defer collector.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			b, err := vm.listener.CollectAll()
			if err != nil {
				t.Errorf("CollectAll: %v", err)
				return
			}
			merge(b)
		}
	}()

	const vcpus = 4
	var writers sync.WaitGroup
	for c := 0; c < vcpus; c++ {
		writers.Add(1)
		go func(c int) {
			defer writers.Done()
			cpu := &sim.VCPU{Memory: vm.mem, Backend: vm.backend}
			for p := uint64(c); p < pages; p += vcpus {
				cpu.Write(pg(p), 1)
			}
		}(c)
	}
	writers.Wait()
	close(done)
	collector.Wait()

	b, err := vm.listener.CollectAll()
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	merge(b)
	if got := all.Count(); got != pages {
		t.Errorf("collected %d pages, want %d", got, pages)
	}
}

func TestRegister(t *testing.T) {
	vm := newVM(t, 8)
	vm.add(t, pg(0), hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.add(t, pg(4), hostarch.PageSize, 0, memslot.FlagLogDirty)
	if err := vm.listener.Register(vm.mem, 3); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := vm.listener.ASID(); got != 3 {
		t.Errorf("ASID() = %d, want 3", got)
	}
	if got := len(vm.backend.Slots(3)); got != 2 {
		t.Errorf("existing regions mapped by %d slots, want 2", got)
	}
	if err := vm.listener.Register(vm.mem, 3); !errors.Is(err, memslot.ErrRegistered) {
		t.Errorf("second Register = %v, want ErrRegistered", err)
	}
	other := memslot.NewListener(memslot.ListenerOpts{Backend: vm.backend})
	if err := other.Register(vm.mem, 3); !errors.Is(err, memslot.ErrRegistered) {
		t.Errorf("Register of another listener = %v, want ErrRegistered", err)
	}

	vm.cpu.ASID = 3
	vm.write(t, 0)
	if err := vm.listener.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(vm.backend.Slots(3)); got != 0 {
		t.Errorf("backend has %d slots after Close", got)
	}
	// Events are no longer delivered.
	vm.add(t, pg(8), hostarch.PageSize, 0, memslot.FlagLogDirty)
	if got := len(vm.backend.Slots(3)); got != 0 {
		t.Errorf("backend has %d slots after an event past Close", got)
	}
}

func TestContractViolationsPanic(t *testing.T) {
	for _, tc := range []struct {
		name string
		ev   memslot.Event
	}{
		{
			name: "unaligned start",
			ev:   memslot.Event{Kind: memslot.RegionAdded, Region: memslot.Region{Start: 0x10, Size: hostarch.PageSize}},
		},
		{
			name: "empty",
			ev:   memslot.Event{Kind: memslot.RegionAdded, Region: memslot.Region{Start: pg(64)}},
		},
		{
			name: "overlap",
			ev:   memslot.Event{Kind: memslot.RegionAdded, Region: memslot.Region{Start: pg(1), Size: hostarch.PageSize}},
		},
		{
			name: "unknown region",
			ev:   memslot.Event{Kind: memslot.RegionRemoved, Region: memslot.Region{Start: pg(32), Size: hostarch.PageSize}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vm := newRegisteredVM(t, 8)
			vm.add(t, pg(0), 4*hostarch.PageSize, 0, 0)
			defer func() {
				if recover() == nil {
					t.Errorf("event %+v did not panic", tc.ev)
				}
			}()
			vm.listener.HandleEvent(tc.ev)
		})
	}
}

func gather(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("registering collector: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[metricKey(mf.GetName(), m)] = metricValue(mf.GetType(), m)
		}
	}
	return values
}

func metricKey(name string, m *dto.Metric) string {
	for _, l := range m.GetLabel() {
		name += fmt.Sprintf("{%s=%s}", l.GetName(), l.GetValue())
	}
	return name
}

func metricValue(typ dto.MetricType, m *dto.Metric) float64 {
	if typ == dto.MetricType_COUNTER {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestCollector(t *testing.T) {
	setMaxSlotSize(t, 2)
	vm := newRegisteredVM(t, 2)
	vm.add(t, pg(0), 4*hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.mem.Add(pg(8), hostarch.PageSize, 0, memslot.FlagLogDirty)
	vm.poison.Add(0x1000)
	vm.write(t, 0, 3)
	vm.collect(t)

	got := gather(t, memslot.NewCollector(vm.listener))
	for name, want := range map[string]float64{
		"memslot_slots{as_id=0}":                 2,
		"memslot_slot_pages{as_id=0}":            4,
		"memslot_unmapped_regions{as_id=0}":      1,
		"memslot_slots_created_total{as_id=0}":   2,
		"memslot_capacity_errors_total{as_id=0}": 1,
		"memslot_collections_total{as_id=0}":     2,
		"memslot_dirty_pages_total{as_id=0}":     2,
		"memslot_poisoned_pages":                 1,
	} {
		if got[name] != want {
			t.Errorf("%s = %v, want %v", name, got[name], want)
		}
	}
}
