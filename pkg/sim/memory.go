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
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/memslot"
)

type memRegion struct {
	region memslot.Region

	// mem is the anonymous mapping backing the region. Its length is the
	// largest size the region may be resized to.
	mem []byte
}

// Memory is a memslot.RegionSource backed by anonymous host mappings.
type Memory struct {
	// mu protects regions and handlers.
	mu       sync.Mutex
	regions  map[hostarch.Addr]*memRegion
	handlers []memslot.EventHandler

	// deliverMu orders event delivery. It is held without mu.
	deliverMu sync.Mutex
}

// NewMemory returns an empty memory model.
func NewMemory() *Memory {
	return &Memory{
		regions: make(map[hostarch.Addr]*memRegion),
	}
}

// Regions implements memslot.RegionSource.Regions.
func (m *Memory) Regions() []memslot.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := make([]memslot.Region, 0, len(m.regions))
	for _, r := range m.regions {
		rs = append(rs, r.region)
	}
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Start < rs[j].Start
	})
	return rs
}

// Subscribe implements memslot.RegionSource.Subscribe.
func (m *Memory) Subscribe(h memslot.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Unsubscribe implements memslot.RegionSource.Unsubscribe.
func (m *Memory) Unsubscribe(h memslot.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.handlers {
		if o == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// deliver hands ev to every subscriber and returns the first error.
func (m *Memory) deliver(ev memslot.Event) error {
	m.mu.Lock()
	handlers := append([]memslot.EventHandler(nil), m.handlers...)
	m.mu.Unlock()
	var first error
	for _, h := range handlers {
		if err := h.HandleEvent(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Add maps size bytes of host memory, resizable up to reserve bytes, at
// guest-physical address start and announces the region. The region is
// recorded even if a subscriber fails to map it.
func (m *Memory) Add(start hostarch.Addr, size, reserve uint64, flags memslot.Flags) (memslot.Region, error) {
	reserve = hostarch.PageRoundUp(max(size, reserve))
	mem, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return memslot.Region{}, fmt.Errorf("mapping %#x bytes for region at %v: %w", reserve, start, err)
	}
	r := memslot.Region{
		Start:    start,
		Size:     size,
		HostAddr: uintptr(unsafe.Pointer(&mem[0])),
		Flags:    flags,
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	if _, ok := m.regions[start]; ok {
		m.mu.Unlock()
		unix.Munmap(mem)
		return memslot.Region{}, fmt.Errorf("region at %v already exists", start)
	}
	m.regions[start] = &memRegion{region: r, mem: mem}
	m.mu.Unlock()
	return r, m.deliver(memslot.Event{Kind: memslot.RegionAdded, Region: r})
}

// Remove announces the removal of the region at start and releases its host
// memory.
func (m *Memory) Remove(start hostarch.Addr) error {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	r, ok := m.regions[start]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no region at %v", start)
	}
	delete(m.regions, start)
	m.mu.Unlock()

	err := m.deliver(memslot.Event{Kind: memslot.RegionRemoved, Region: r.region})
	if merr := unix.Munmap(r.mem); merr != nil && err == nil {
		err = fmt.Errorf("unmapping region at %v: %w", start, merr)
	}
	return err
}

// Resize announces a new size for the region at start.
func (m *Memory) Resize(start hostarch.Addr, size uint64) error {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	r, ok := m.regions[start]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no region at %v", start)
	}
	if size > uint64(len(r.mem)) {
		m.mu.Unlock()
		return fmt.Errorf("region at %v cannot grow past %#x bytes", start, len(r.mem))
	}
	old := r.region
	r.region.Size = size
	m.mu.Unlock()
	return m.deliver(memslot.Event{Kind: memslot.RegionResized, Region: old, NewSize: size})
}

// SetFlags announces new flags for the region at start.
func (m *Memory) SetFlags(start hostarch.Addr, flags memslot.Flags) error {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	r, ok := m.regions[start]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no region at %v", start)
	}
	old := r.region
	r.region.Flags = flags
	m.mu.Unlock()
	return m.deliver(memslot.Event{Kind: memslot.FlagsChanged, Region: old, NewFlags: flags})
}

// HostAddr returns the host address backing gpa.
func (m *Memory) HostAddr(gpa hostarch.Addr) (hostarch.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, off, ok := m.find(gpa)
	if !ok {
		return 0, false
	}
	return hostarch.Addr(r.region.HostAddr) + hostarch.Addr(off), true
}

// Preconditions: m.mu is held.
func (m *Memory) find(gpa hostarch.Addr) (*memRegion, uint64, bool) {
	for _, r := range m.regions {
		if gpa >= r.region.Start && gpa < r.region.End() {
			return r, uint64(gpa - r.region.Start), true
		}
	}
	return nil, 0, false
}

// Release unmaps the host memory of every region without announcing
// anything.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for start, r := range m.regions {
		unix.Munmap(r.mem)
		delete(m.regions, start)
	}
}

// VCPU writes guest memory of one address space.
type VCPU struct {
	Memory  *Memory
	Backend *Backend
	ASID    int
}

// Write stores v at gpa and logs the write in the backend. It returns false,
// writing nothing, if gpa is not mapped writable by a slot.
func (c *VCPU) Write(gpa hostarch.Addr, v byte) bool {
	if !c.Backend.Touch(c.ASID, gpa) {
		return false
	}
	c.Memory.mu.Lock()
	defer c.Memory.mu.Unlock()
	if r, off, ok := c.Memory.find(gpa); ok {
		r.mem[off] = v
	}
	return true
}

// Read returns the byte at gpa.
func (c *VCPU) Read(gpa hostarch.Addr) (byte, bool) {
	c.Memory.mu.Lock()
	defer c.Memory.mu.Unlock()
	r, off, ok := c.Memory.find(gpa)
	if !ok {
		return 0, false
	}
	return r.mem[off], true
}
