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

	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
)

// collect drains the backend's dirty log for s into s.dirty and re-arms
// tracking for the drained pages. It returns the number of pages drained.
//
// Every page the backend had logged before the fetch is merged exactly once.
// Pages written during the call are either merged now or left in the backend
// for the next collection.
//
// Preconditions: the Listener's mu is held, for reading at least.
func (l *Listener) collect(s *slot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty == nil {
		return 0, nil
	}

	dl, err := l.backend.FetchDirtyBitmap(l.asID, s.index)
	if err != nil {
		l.stats.collectErrors.Add(1)
		return 0, fmt.Errorf("fetching dirty log of %v: %w", s, err)
	}
	pages := s.pages()
	first := s.start.PageNumber()
	if dl.Bits == nil || !dl.Range().IsSupersetOf(s.addrRange()) {
		l.stats.collectErrors.Add(1)
		return 0, fmt.Errorf("dirty log of %v does not cover the slot: %w", s, ErrInvalidRange)
	}
	// The backend log may start before the slot, e.g. when it covers the
	// whole address space.
	offset := first - dl.FirstPage

	drained := bitmap.New(pages)
	n := bitmap.CopyAndClearWithOffsetAtomic(drained, dl.Bits, offset, pages)
	l.stats.collections.Add(1)
	if n == 0 {
		return 0, nil
	}

	mask := bitmap.New(dl.Bits.Len())
	bitmap.CopyWithDstOffset(mask, drained, offset, pages)
	if s.untracked != nil {
		drained.AndNot(s.untracked)
	}
	s.dirty.Or(drained)
	l.stats.dirtyPages.Add(drained.Count())

	if err := l.backend.ClearDirtyBitmap(l.asID, s.index, mask); err != nil {
		l.stats.collectErrors.Add(1)
		return n, fmt.Errorf("clearing dirty log of %v: %w", s, err)
	}
	return n, nil
}

// retired holds the dirty pages of memory that is no longer covered by a
// slot, until the next CollectAll.
type retired struct {
	firstPage uint64
	bits      *bitmap.Bitmap
}

// retire keeps bits, whose bit 0 is guest page firstPage, for the next
// CollectAll. Empty bitmaps are dropped.
func (l *Listener) retire(firstPage uint64, bits *bitmap.Bitmap) {
	if bits == nil || bits.IsEmpty() {
		return
	}
	l.retiredMu.Lock()
	defer l.retiredMu.Unlock()
	l.retired = append(l.retired, retired{firstPage: firstPage, bits: bits})
}

// takeRetired returns and forgets all retired bits.
func (l *Listener) takeRetired() []retired {
	l.retiredMu.Lock()
	defer l.retiredMu.Unlock()
	r := l.retired
	l.retired = nil
	return r
}

// gather collects every logging slot of m one final time and relocates their
// pages into a single bitmap of pages bits whose bit 0 is the first page of
// the region. Pages beyond the end of that bitmap are retired. It returns nil
// if no slot of m tracks dirty pages.
//
// Slots are considered one by one: after a partially applied flags change,
// some slots of a region may log while others do not.
//
// Preconditions: l.mu is held for writing.
func (l *Listener) gather(m *mapping, pages uint64) (*bitmap.Bitmap, error) {
	var (
		errs  error
		whole *bitmap.Bitmap
	)
	base := m.region.Start.PageNumber()
	for _, s := range m.slots {
		if _, err := l.collect(s); err != nil {
			errs = appendErr(errs, err)
		}
		bits := s.takeDirty()
		if bits == nil {
			continue
		}
		if whole == nil {
			whole = bitmap.New(pages)
		}
		off := s.start.PageNumber() - base
		if off >= pages {
			l.retire(s.start.PageNumber(), bits)
			continue
		}
		n := min(s.pages(), pages-off)
		bitmap.CopyWithDstOffset(whole, bits, off, n)
		if n < s.pages() {
			tail := bitmap.New(s.pages() - n)
			bitmap.CopyWithSrcOffset(tail, bits, n, tail.Len())
			l.retire(s.start.PageNumber()+n, tail)
		}
	}
	return whole, errs
}

// seed copies the pages of whole, whose bit 0 is guest page firstPage, that
// fall inside s into its dirty bitmap. Untracked pages are skipped.
//
// Preconditions: s is not visible to other collectors yet.
func seed(s *slot, whole *bitmap.Bitmap, firstPage uint64) {
	if whole == nil || s.dirty == nil {
		return
	}
	off := s.start.PageNumber() - firstPage
	if off >= whole.Len() {
		return
	}
	n := min(s.pages(), whole.Len()-off)
	bitmap.CopyWithSrcOffset(s.dirty, whole, off, n)
	if s.untracked != nil {
		s.dirty.AndNot(s.untracked)
	}
}

// resizeDirty replaces the dirty bitmap of s with one sized for newSize,
// keeping the pages that still exist. Dropped pages are retired.
//
// Preconditions: s was just collected; l.mu is held for writing.
func (l *Listener) resizeDirty(s *slot, newSize uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newPages := newSize >> hostarch.PageShift
	if s.dirty != nil {
		old := s.dirty
		s.dirty = bitmap.New(newPages)
		keep := min(old.Len(), newPages)
		bitmap.CopyWithSrcOffset(s.dirty, old, 0, keep)
		if keep < old.Len() {
			tail := bitmap.New(old.Len() - keep)
			bitmap.CopyWithSrcOffset(tail, old, keep, tail.Len())
			l.retire(s.start.PageNumber()+keep, tail)
		}
	}
}
