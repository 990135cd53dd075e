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

package atomicbitops

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestFetchClearUint64(t *testing.T) {
	v := uint64(0b1011)
	if got := FetchClearUint64(&v, 0b0011); got != 0b0011 {
		t.Errorf("FetchClearUint64 returned %#b, want 0b11", got)
	}
	if v != 0b1000 {
		t.Errorf("word is %#b after clear, want 0b1000", v)
	}
	if got := FetchClearUint64(&v, 0b0011); got != 0 {
		t.Errorf("second FetchClearUint64 returned %#b, want 0", got)
	}
}

func TestCompareAndSwapUint64(t *testing.T) {
	v := uint64(5)
	if prev := CompareAndSwapUint64(&v, 4, 9); prev != 5 || v != 5 {
		t.Errorf("failed swap: prev %d, v %d", prev, v)
	}
	if prev := CompareAndSwapUint64(&v, 5, 9); prev != 5 || v != 9 {
		t.Errorf("successful swap: prev %d, v %d", prev, v)
	}
}

// TestClearDoesNotLoseSets has one goroutine repeatedly draining the low half
// of a word while others set bits in the high half. Every high bit set must
// survive.
func TestClearDoesNotLoseSets(t *testing.T) {
	const lowMask = uint64(0xffffffff)
	var word uint64
	var drained atomic.Uint64
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			drained.Add(uint64(popcount(FetchClearUint64(&word, lowMask))))
			runtime.Gosched()
		}
	}()

	var setters sync.WaitGroup
	for g := 0; g < 4; g++ {
		setters.Add(1)
		go func(g int) {
			defer setters.Done()
			for bit := 32 + 8*g; bit < 32+8*(g+1); bit++ {
				OrUint64(&word, 1<<uint(bit))
				OrUint64(&word, 1<<uint(bit-32))
			}
		}(g)
	}
	setters.Wait()
	close(stop)
	wg.Wait()

	if high := atomic.LoadUint64(&word) >> 32; high != 0xffffffff {
		t.Errorf("high half is %#x, want all bits set", high)
	}
	low := uint64(popcount(atomic.LoadUint64(&word) & lowMask))
	if total := drained.Load() + low; total != 32 {
		t.Errorf("drained %d + remaining %d low bits, want 32 total", drained.Load(), low)
	}
}

func popcount(v uint64) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}
