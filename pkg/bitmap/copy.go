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

package bitmap

import (
	"math/bits"

	"gvisor.dev/memslot/pkg/atomicbitops"
)

// CopyWithDstOffset copies bits [0, n) of src into bits [dstOffset,
// dstOffset+n) of dst. Bits of dst outside of that range are not modified.
//
// Precondition: if dst and src are the same bitmap, the source and
// destination ranges must not overlap.
func CopyWithDstOffset(dst, src *Bitmap, dstOffset, n uint64) {
	if n == 0 {
		return
	}
	dst.checkRange(dstOffset, n)
	src.checkRange(0, n)
	copyBits(dst.words, dstOffset, src.words, 0, n)
}

// CopyWithSrcOffset copies bits [srcOffset, srcOffset+n) of src into bits
// [0, n) of dst. Bits of dst outside of that range are not modified.
//
// Precondition: if dst and src are the same bitmap, the source and
// destination ranges must not overlap.
func CopyWithSrcOffset(dst, src *Bitmap, srcOffset, n uint64) {
	if n == 0 {
		return
	}
	dst.checkRange(0, n)
	src.checkRange(srcOffset, n)
	copyBits(dst.words, 0, src.words, srcOffset, n)
}

// OrWithDstOffset merges bits [0, n) of src into bits [dstOffset,
// dstOffset+n) of dst.
func OrWithDstOffset(dst, src *Bitmap, dstOffset, n uint64) {
	if n == 0 {
		return
	}
	dst.checkRange(dstOffset, n)
	src.checkRange(0, n)
	for done := uint64(0); done < n; {
		k := min(WordBits, n-done)
		v := getBits(src.words, done, k)
		putBits(dst.words, dstOffset+done, k, getBits(dst.words, dstOffset+done, k)|v)
		done += k
	}
}

// CopyAndClearWithOffsetAtomic copies bits [srcOffset, srcOffset+n) of src
// into bits [0, n) of dst and clears the copied source bits. It is equivalent
// to CopyWithSrcOffset followed by clearing the source range, except that the
// source is accessed atomically. Bits of dst outside of [0, n) are not
// modified.
//
// Each source word is drained with a single atomic fetch-and-clear of the
// bits in range, so a concurrent AtomicSet of any bit of src is either
// observed by this call (and appears in dst) or survives in src. Bits of the
// same word outside of the range are never modified. dst is not accessed
// atomically and must be owned by the caller.
//
// The number of bits drained is returned.
func CopyAndClearWithOffsetAtomic(dst, src *Bitmap, srcOffset, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	dst.checkRange(0, n)
	src.checkRange(srcOffset, n)

	var drained uint64
	pos := srcOffset
	for done := uint64(0); done < n; {
		shift := pos & wordMask
		k := min(WordBits-shift, n-done)
		mask := lowMask(k) << shift
		v := atomicbitops.FetchClearUint64(&src.words[pos>>wordShift], mask) >> shift
		putBits(dst.words, done, k, v)
		drained += uint64(bits.OnesCount64(v))
		done += k
		pos += k
	}
	return drained
}

// copyBits copies n bits from src at srcPos to dst at dstPos.
func copyBits(dst []uint64, dstPos uint64, src []uint64, srcPos, n uint64) {
	if n == 0 {
		return
	}
	if dstPos&wordMask == 0 && srcPos&wordMask == 0 {
		// Word aligned: copy whole words and fix up the tail.
		whole := n >> wordShift
		copy(dst[dstPos>>wordShift:dstPos>>wordShift+whole], src[srcPos>>wordShift:srcPos>>wordShift+whole])
		if tail := n & wordMask; tail != 0 {
			done := whole << wordShift
			putBits(dst, dstPos+done, tail, getBits(src, srcPos+done, tail))
		}
		return
	}
	for done := uint64(0); done < n; {
		k := min(WordBits, n-done)
		putBits(dst, dstPos+done, k, getBits(src, srcPos+done, k))
		done += k
	}
}

// getBits returns the n bits of words starting at pos, for n <= WordBits.
func getBits(words []uint64, pos, n uint64) uint64 {
	i, shift := pos>>wordShift, pos&wordMask
	v := words[i] >> shift
	if shift+n > WordBits {
		v |= words[i+1] << (WordBits - shift)
	}
	return v & lowMask(n)
}

// putBits stores the n low bits of v into words starting at pos, for
// n <= WordBits. Other bits are preserved.
func putBits(words []uint64, pos, n, v uint64) {
	i, shift := pos>>wordShift, pos&wordMask
	mask := lowMask(n) << shift
	words[i] = words[i]&^mask | (v<<shift)&mask
	if shift+n > WordBits {
		rest := lowMask(shift + n - WordBits)
		words[i+1] = words[i+1]&^rest | (v>>(WordBits-shift))&rest
	}
}
