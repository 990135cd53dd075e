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

// Package atomicbitops provides extensions to the sync/atomic package for
// bitmap words.
//
// All read-modify-write operations in this package are a single atomic
// instruction on the word; none of them is a load followed by a separate
// store.
package atomicbitops

import (
	"sync/atomic"
)

// FetchAndUint64 atomically applies bitwise and operation to *addr with val
// and returns the previous value.
//
//go:nosplit
func FetchAndUint64(addr *uint64, val uint64) (old uint64) {
	return atomic.AndUint64(addr, val)
}

// FetchOrUint64 atomically applies bitwise or operation to *addr with val and
// returns the previous value.
//
//go:nosplit
func FetchOrUint64(addr *uint64, val uint64) (old uint64) {
	return atomic.OrUint64(addr, val)
}

// FetchClearUint64 atomically clears the bits of mask in *addr and returns
// the previous value of those bits only.
//
//go:nosplit
func FetchClearUint64(addr *uint64, mask uint64) uint64 {
	return atomic.AndUint64(addr, ^mask) & mask
}

// AndUint64 atomically applies bitwise and operation to *addr with val.
//
//go:nosplit
func AndUint64(addr *uint64, val uint64) {
	atomic.AndUint64(addr, val)
}

// OrUint64 atomically applies bitwise or operation to *addr with val.
//
//go:nosplit
func OrUint64(addr *uint64, val uint64) {
	atomic.OrUint64(addr, val)
}

// CompareAndSwapUint64 is like sync/atomic.CompareAndSwapUint64, but returns
// the value previously stored at addr.
func CompareAndSwapUint64(addr *uint64, old, new uint64) (prev uint64) {
	for {
		prev = atomic.LoadUint64(addr)
		if prev != old {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, new) {
			return
		}
	}
}
