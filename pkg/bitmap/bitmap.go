// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides fixed-size page bitmaps.
//
// Bits are stored in 64-bit words, bit i living in word i/64 at position
// i%64. Indexing outside of the bitmap is a caller error and panics through
// the underlying slice bounds checks.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"gvisor.dev/memslot/pkg/atomicbitops"
)

const (
	// WordBits is the number of bits in a bitmap word.
	WordBits = 64

	wordShift = 6
	wordMask  = WordBits - 1
)

// Bitmap is a fixed-length bit array.
//
// A Bitmap is not safe for concurrent use, except through the Atomic*
// methods and CopyAndClearWithOffsetAtomic, which may race with each other.
type Bitmap struct {
	// nbits is the number of valid bits.
	nbits uint64

	// words holds the bits. len(words) == WordsFor(nbits).
	words []uint64
}

// WordsFor returns the number of words needed to hold nbits bits.
func WordsFor(nbits uint64) uint64 {
	return (nbits + wordMask) >> wordShift
}

// New creates a new empty Bitmap of nbits bits.
func New(nbits uint64) *Bitmap {
	return &Bitmap{
		nbits: nbits,
		words: make([]uint64, WordsFor(nbits)),
	}
}

// FromWords returns a Bitmap of nbits bits backed by words. The bitmap
// aliases words; it does not copy them.
func FromWords(words []uint64, nbits uint64) *Bitmap {
	if uint64(len(words)) < WordsFor(nbits) {
		panic(fmt.Sprintf("%d words cannot hold %d bits", len(words), nbits))
	}
	return &Bitmap{
		nbits: nbits,
		words: words[:WordsFor(nbits)],
	}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() uint64 {
	return b.nbits
}

// Words returns the backing words.
func (b *Bitmap) Words() []uint64 {
	return b.words
}

// Test returns true if bit i is set.
func (b *Bitmap) Test(i uint64) bool {
	return b.words[i>>wordShift]&(1<<(i&wordMask)) != 0
}

// SetBit sets bit i.
func (b *Bitmap) SetBit(i uint64) {
	b.words[i>>wordShift] |= 1 << (i & wordMask)
}

// ClearBit clears bit i.
func (b *Bitmap) ClearBit(i uint64) {
	b.words[i>>wordShift] &^= 1 << (i & wordMask)
}

// AtomicSet atomically sets bit i. It may race with other atomic operations
// on the same word, including CopyAndClearWithOffsetAtomic.
func (b *Bitmap) AtomicSet(i uint64) {
	atomicbitops.OrUint64(&b.words[i>>wordShift], 1<<(i&wordMask))
}

// AtomicTest returns true if bit i is set, loading its word atomically.
func (b *Bitmap) AtomicTest(i uint64) bool {
	return atomic.LoadUint64(&b.words[i>>wordShift])&(1<<(i&wordMask)) != 0
}

// Set sets the n bits starting at start.
func (b *Bitmap) Set(start, n uint64) {
	b.checkRange(start, n)
	for n > 0 {
		k := min(WordBits-(start&wordMask), n)
		b.words[start>>wordShift] |= lowMask(k) << (start & wordMask)
		start += k
		n -= k
	}
}

// Clear clears the n bits starting at start.
func (b *Bitmap) Clear(start, n uint64) {
	b.checkRange(start, n)
	for n > 0 {
		k := min(WordBits-(start&wordMask), n)
		b.words[start>>wordShift] &^= lowMask(k) << (start & wordMask)
		start += k
		n -= k
	}
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	clear(b.words)
}

// AnySet returns true if any of the n bits starting at start is set.
func (b *Bitmap) AnySet(start, n uint64) bool {
	b.checkRange(start, n)
	for n > 0 {
		k := min(WordBits-(start&wordMask), n)
		if b.words[start>>wordShift]&(lowMask(k)<<(start&wordMask)) != 0 {
			return true
		}
		start += k
		n -= k
	}
	return false
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	var ones uint64
	for _, w := range b.words {
		ones += uint64(bits.OnesCount64(w))
	}
	return ones
}

// FirstOne returns the first set bit from the range [start, ).
func (b *Bitmap) FirstOne(start uint64) (uint64, bool) {
	if start >= b.nbits {
		return 0, false
	}
	i, n := start>>wordShift, uint64(len(b.words))
	w := b.words[i] & (^uint64(0) << (start & wordMask))
	for {
		if w != 0 {
			r := i<<wordShift + uint64(bits.TrailingZeros64(w))
			return r, r < b.nbits
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.words[i]
	}
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint64) (uint64, bool) {
	if start >= b.nbits {
		return 0, false
	}
	i, n := start>>wordShift, uint64(len(b.words))
	w := b.words[i] | lowMask(start&wordMask)
	for {
		if w != ^uint64(0) {
			r := i<<wordShift + uint64(bits.TrailingZeros64(^w))
			return r, r < b.nbits
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.words[i]
	}
}

// ForEach calls fn for every set bit in ascending order. Iteration stops when
// fn returns false.
func (b *Bitmap) ForEach(fn func(i uint64) bool) {
	for i, w := range b.words {
		base := uint64(i) << wordShift
		for w != 0 {
			// Extract the lowest set bit.
			j := w & -w
			if !fn(base + uint64(bits.TrailingZeros64(w))) {
				return
			}
			w ^= j
		}
	}
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint64 {
	s := make([]uint64, 0, b.Count())
	b.ForEach(func(i uint64) bool {
		s = append(s, i)
		return true
	})
	return s
}

// Clone the Bitmap.
func (b *Bitmap) Clone() *Bitmap {
	c := &Bitmap{nbits: b.nbits, words: make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}

// Equal returns true if b and o have the same length and bits.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if b.nbits != o.nbits {
		return false
	}
	for i := range b.words {
		if b.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Or merges every bit of src into b. Both bitmaps must have the same length.
func (b *Bitmap) Or(src *Bitmap) {
	if b.nbits != src.nbits {
		panic(fmt.Sprintf("Or of %d-bit bitmap into %d-bit bitmap", src.nbits, b.nbits))
	}
	for i, w := range src.words {
		b.words[i] |= w
	}
}

// AndNot clears in b every bit set in mask. Both bitmaps must have the same
// length.
func (b *Bitmap) AndNot(mask *Bitmap) {
	if b.nbits != mask.nbits {
		panic(fmt.Sprintf("AndNot of %d-bit mask on %d-bit bitmap", mask.nbits, b.nbits))
	}
	for i, w := range mask.words {
		b.words[i] &^= w
	}
}

// String implements fmt.Stringer.String.
func (b *Bitmap) String() string {
	return fmt.Sprintf("bitmap{len: %d, set: %v}", b.nbits, b.ToSlice())
}

func (b *Bitmap) checkRange(start, n uint64) {
	if end := start + n; end < start || end > b.nbits {
		panic(fmt.Sprintf("bit range [%d, %d) out of bounds for %d-bit bitmap", start, start+n, b.nbits))
	}
}

// lowMask returns a word with the n low bits set, for n <= WordBits.
func lowMask(n uint64) uint64 {
	if n >= WordBits {
		return ^uint64(0)
	}
	return 1<<n - 1
}
