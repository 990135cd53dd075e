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
	"gvisor.dev/memslot/pkg/cleanup"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/log"
)

// lookup returns the mapping of the region starting at r.Start.
//
// Preconditions: l.mu is held.
func (l *Listener) lookup(r Region) *mapping {
	m, ok := l.regions.Get(&mapping{region: Region{Start: r.Start}})
	if !ok {
		panic(fmt.Sprintf("event for unknown region %v", r))
	}
	return m
}

// pageSpan returns the inclusive page range of r.
func pageSpan(r Region) (uint64, uint64) {
	ar := r.Range()
	return ar.Start.PageNumber(), ar.End.PageNumber() - 1
}

// regionAdded records r and maps it. If the backend cannot map every slot of
// r, no slot of r is left behind and r stays unmapped until RetryUnmapped or
// a removal frees capacity.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) regionAdded(r Region) error {
	r.validate()
	first, last := pageSpan(r)
	if err := l.occupied.Insert(first, last); err != nil {
		panic(fmt.Sprintf("region %v overlaps a known region", r))
	}
	m := &mapping{region: r}
	l.regions.ReplaceOrInsert(m)
	return l.mapRegion(m, nil)
}

// mapRegion creates the slots of m. The dirty bitmaps of the new slots are
// seeded from whole, if not nil, whose bit 0 is the first page of m.
//
// Preconditions: l.mu is held for writing; m is unmapped.
func (l *Listener) mapRegion(m *mapping, whole *bitmap.Bitmap) error {
	descs := split(m.region, MaxSlotSize())
	slots := make([]*slot, 0, len(descs))

	cu := cleanup.Make(nil)
	defer cu.Clean()
	for _, d := range descs {
		index, err := l.backend.CreateSlot(l.asID, d)
		if err != nil {
			if errors.Is(err, ErrNoSlots) {
				l.stats.capacityErrors.Add(1)
			}
			log.Warningf("Address space %d: region %v left unmapped: %v", l.asID, m.region, err)
			return fmt.Errorf("mapping region %v in address space %d: %w", m.region, l.asID, err)
		}
		cu.Add(func() {
			if err := l.backend.DeleteSlot(l.asID, index); err != nil {
				log.Warningf("Address space %d: rolling back slot %d: %v", l.asID, index, err)
			}
		})
		s := newSlot(d, index, l.poison)
		seed(s, whole, m.region.Start.PageNumber())
		slots = append(slots, s)
	}
	cu.Release()

	m.slots = slots
	l.stats.slotsCreated.Add(uint64(len(slots)))
	log.Debugf("Address space %d: region %v mapped by %d slots", l.asID, m.region, len(slots))
	return nil
}

// unmap collects every slot of m one last time, keeps the collected pages for
// the next CollectAll, and deletes the slots.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) unmap(m *mapping) error {
	var errs error
	for _, s := range m.slots {
		s.state = slotPendingDestroy
		if _, err := l.collect(s); err != nil {
			errs = appendErr(errs, err)
		}
		l.retire(s.start.PageNumber(), s.takeDirty())
		if err := l.deleteSlot(s); err != nil {
			errs = appendErr(errs, err)
		}
	}
	m.slots = nil
	return errs
}

// deleteSlots deletes every slot of m without collecting them.
//
// Preconditions: l.mu is held for writing; the slots were collected for the
// last time.
func (l *Listener) deleteSlots(m *mapping) error {
	var errs error
	for _, s := range m.slots {
		s.state = slotPendingDestroy
		if err := l.deleteSlot(s); err != nil {
			errs = appendErr(errs, err)
		}
	}
	m.slots = nil
	return errs
}

func (l *Listener) deleteSlot(s *slot) error {
	if err := l.backend.DeleteSlot(l.asID, s.index); err != nil {
		return fmt.Errorf("deleting %v: %w", s, err)
	}
	l.stats.slotsDeleted.Add(1)
	return nil
}

// regionRemoved drains and deletes the slots of r, then uses the freed
// capacity for unmapped regions.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) regionRemoved(r Region) error {
	m := l.lookup(r)
	l.regions.Delete(m)
	l.occupied.Remove(pageSpan(m.region))
	if m.unmapped() {
		return nil
	}
	err := l.unmap(m)
	l.remapReleased()
	return err
}

// remapReleased retries unmapped regions after slots were released. Failures
// are only logged: they belong to the regions, not to the current event.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) remapReleased() {
	if err := l.retryUnmapped(); err != nil {
		l.warn.Warningf("Address space %d: regions still unmapped: %v", l.asID, err)
	}
}

// Preconditions: l.mu is held for writing.
func (l *Listener) retryUnmapped() error {
	var pending []*mapping
	l.regions.Ascend(func(m *mapping) bool {
		if m.unmapped() {
			pending = append(pending, m)
		}
		return true
	})
	var errs error
	for _, m := range pending {
		if err := l.mapRegion(m, nil); err != nil {
			errs = appendErr(errs, err)
		}
	}
	return errs
}

// regionResized changes the size of r to newSize.
//
// If only the last slot changes and still fits the maximum slot size, it is
// resized in place. Otherwise the collected pages of the region are relocated
// into a region-wide bitmap, the slots are recreated for the new size, and
// the new slots are seeded from that bitmap.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) regionResized(r Region, newSize uint64) error {
	m := l.lookup(r)
	old := m.region
	nr := old
	nr.Size = newSize
	nr.validate()
	if nr.Pages() == old.Pages() {
		m.region = nr
		return nil
	}

	l.occupied.Remove(pageSpan(old))
	if err := l.occupied.Insert(pageSpan(nr)); err != nil {
		if err := l.occupied.Insert(pageSpan(old)); err != nil {
			panic(fmt.Sprintf("restoring region %v: %v", old, err))
		}
		panic(fmt.Sprintf("resizing region %v to %#x overlaps a known region", old, newSize))
	}

	if m.unmapped() {
		m.region = nr
		return l.mapRegion(m, nil)
	}
	if done, err := l.resizeInPlace(m, nr); done {
		return err
	}

	oldSlots := len(m.slots)
	whole, errs := l.gather(m, nr.Pages())
	if err := l.deleteSlots(m); err != nil {
		errs = appendErr(errs, err)
	}
	m.region = nr
	if whole != nil && nr.Flags&FlagLogDirty == 0 {
		// The new slots do not log: hand the pages out as retired.
		l.retire(nr.Start.PageNumber(), whole)
		whole = nil
	}
	if err := l.mapRegion(m, whole); err != nil {
		l.retire(nr.Start.PageNumber(), whole)
		return appendErr(errs, err)
	}
	if len(m.slots) < oldSlots {
		l.remapReleased()
	}
	return errs
}

// resizeInPlace resizes the last slot of m to cover nr, if the other slots
// are unchanged and the last one still fits. It returns false, having done
// nothing, otherwise.
//
// If the backend refuses the new size, the region is left unmapped.
//
// Preconditions: l.mu is held for writing; m is mapped.
func (l *Listener) resizeInPlace(m *mapping, nr Region) (bool, error) {
	last := m.slots[len(m.slots)-1]
	prefix := uint64(last.start - nr.Start)
	total := nr.Pages() << hostarch.PageShift
	if total <= prefix || total-prefix > MaxSlotSize() {
		return false, nil
	}
	newSize := total - prefix

	var errs error
	if _, err := l.collect(last); err != nil {
		errs = appendErr(errs, err)
	}
	if err := l.backend.UpdateSlot(l.asID, last.index, newSize, last.flags); err != nil {
		errs = appendErr(errs, fmt.Errorf("resizing %v to %#x: %w", last, newSize, err))
		if err := l.unmap(m); err != nil {
			errs = appendErr(errs, err)
		}
		m.region = nr
		log.Warningf("Address space %d: region %v left unmapped: %v", l.asID, nr, errs)
		return true, errs
	}
	l.resizeDirty(last, newSize)
	last.size = newSize
	last.mu.Lock()
	last.untracked = untrackedPages(last.desc(), l.poison)
	if last.untracked != nil && last.dirty != nil {
		last.dirty.AndNot(last.untracked)
	}
	last.mu.Unlock()
	m.region = nr
	return true, errs
}

// flagsChanged applies newFlags to every slot of r. Slots that stop logging
// are collected for the last time first; slots that start logging get an
// empty bitmap.
//
// The region takes newFlags only once every slot has. A slot the backend
// refused keeps its flags and dirty bitmap until the change is retried.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) flagsChanged(r Region, newFlags Flags) error {
	m := l.lookup(r)
	var (
		errs    error
		refused bool
	)
	for _, s := range m.slots {
		s.oldFlags = s.flags
		if s.oldFlags == newFlags {
			continue
		}
		stopLogging := s.oldFlags&FlagLogDirty != 0 && newFlags&FlagLogDirty == 0
		startLogging := s.oldFlags&FlagLogDirty == 0 && newFlags&FlagLogDirty != 0

		if stopLogging {
			// The backend discards its log with the flag.
			if _, err := l.collect(s); err != nil {
				errs = appendErr(errs, err)
			}
			l.retire(s.start.PageNumber(), s.takeDirty())
		}
		if err := l.backend.UpdateSlot(l.asID, s.index, s.size, newFlags); err != nil {
			errs = appendErr(errs, fmt.Errorf("changing flags of %v to %v: %w", s, newFlags, err))
			refused = true
			continue
		}
		s.flags = newFlags
		s.mu.Lock()
		switch {
		case stopLogging:
			s.dirty = nil
		case startLogging:
			s.dirty = bitmap.New(s.pages())
		}
		s.mu.Unlock()
	}
	if refused {
		log.Warningf("Address space %d: region %v keeps flags %v: %v", l.asID, m.region, m.region.Flags, errs)
		return errs
	}
	m.region.Flags = newFlags
	return errs
}
