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

// Package intervaltree provides an ordered set of disjoint, inclusive
// integer ranges.
//
// Ranges that become adjacent are merged on insertion, so the tree records
// covered space rather than the individual insertions that produced it.
package intervaltree

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/btree"
)

// ErrOverlap is returned by Insert when the new range intersects a range
// already in the tree.
var ErrOverlap = errors.New("range overlaps an existing range")

// Range is the inclusive range [Start, End].
type Range struct {
	Start uint64
	End   uint64
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x]", r.Start, r.End)
}

// Overlaps returns true if r and o share at least one value.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Covers returns true if o is a subset of r.
func (r Range) Covers(o Range) bool {
	return r.Start <= o.Start && r.End >= o.End
}

// Intersect returns the values common to r and o.
//
// Precondition: r.Overlaps(o).
func (r Range) Intersect(o Range) Range {
	return Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
}

const degree = 8

// Tree is an ordered set of disjoint ranges. The zero value is not usable;
// use New.
//
// Tree is not safe for concurrent use.
type Tree struct {
	t *btree.BTreeG[Range]
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		t: btree.NewG(degree, func(a, b Range) bool {
			return a.Start < b.Start
		}),
	}
}

// Len returns the number of disjoint ranges in the tree.
func (t *Tree) Len() int {
	return t.t.Len()
}

// Find returns the range with the lowest start that overlaps [start, end].
func (t *Tree) Find(start, end uint64) (Range, bool) {
	if start > end {
		panic(fmt.Sprintf("invalid range [%#x, %#x]", start, end))
	}
	want := Range{Start: start, End: end}
	var (
		found Range
		ok    bool
	)
	// Ranges are disjoint, so at most one range starting at or before start
	// can overlap; it is the last such range.
	t.t.DescendLessOrEqual(Range{Start: start}, func(r Range) bool {
		if r.Overlaps(want) {
			found, ok = r, true
		}
		return false
	})
	if ok {
		return found, true
	}
	t.t.AscendGreaterOrEqual(Range{Start: start}, func(r Range) bool {
		if r.Overlaps(want) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// FindValue returns the range containing v.
func (t *Tree) FindValue(v uint64) (Range, bool) {
	return t.Find(v, v)
}

// Insert adds [start, end] to the tree, merging it with any range that ends
// at start-1 or begins at end+1. Insert returns ErrOverlap, leaving the tree
// unchanged, if any value of the range is already present.
func (t *Tree) Insert(start, end uint64) error {
	if start > end {
		panic(fmt.Sprintf("invalid range [%#x, %#x]", start, end))
	}
	if _, ok := t.Find(start, end); ok {
		return ErrOverlap
	}
	r := Range{Start: start, End: end}
	if start > 0 {
		if left, ok := t.FindValue(start - 1); ok {
			r.Start = left.Start
			t.t.Delete(left)
		}
	}
	if end < math.MaxUint64 {
		if right, ok := t.FindValue(end + 1); ok {
			r.End = right.End
			t.t.Delete(right)
		}
	}
	t.t.ReplaceOrInsert(r)
	return nil
}

// Remove deletes every value in [start, end] from the tree. Ranges partially
// covered are trimmed, and a range strictly containing [start, end] is split
// in two. Removing values that are not present is not an error.
func (t *Tree) Remove(start, end uint64) {
	if start > end {
		panic(fmt.Sprintf("invalid range [%#x, %#x]", start, end))
	}
	want := Range{Start: start, End: end}
	for {
		r, ok := t.Find(start, end)
		if !ok {
			return
		}
		t.removeSubset(r, r.Intersect(want))
		if r.Covers(want) {
			return
		}
	}
}

// removeSubset replaces r with whatever remains of it once sub is taken out.
func (t *Tree) removeSubset(r, sub Range) {
	t.t.Delete(r)
	if r.Start < sub.Start {
		t.t.ReplaceOrInsert(Range{Start: r.Start, End: sub.Start - 1})
	}
	if sub.End < r.End {
		t.t.ReplaceOrInsert(Range{Start: sub.End + 1, End: r.End})
	}
}

// ForEach calls fn for each range in ascending order until fn returns false.
func (t *Tree) ForEach(fn func(Range) bool) {
	t.t.Ascend(func(r Range) bool {
		return fn(r)
	})
}

// Ranges returns all ranges in ascending order.
func (t *Tree) Ranges() []Range {
	rs := make([]Range, 0, t.t.Len())
	t.ForEach(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
