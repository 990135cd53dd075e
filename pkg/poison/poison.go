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

// Package poison tracks host pages that have suffered an unrecoverable memory
// error.
//
// Entries are only ever added. Memory slots created over a poisoned page still
// map it, but never report it as dirty.
package poison

import (
	"sync"

	"github.com/google/btree"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/log"
)

// Registry is a set of poisoned host page addresses.
//
// Registry is safe for concurrent use. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu sync.RWMutex

	// pages holds page aligned host addresses. Protected by mu.
	pages *btree.BTreeG[hostarch.Addr]
}

// Default is the process-wide registry.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pages: btree.NewOrderedG[hostarch.Addr](16),
	}
}

// Add records the page containing addr as poisoned. Adding a page twice has
// no further effect.
func (r *Registry) Add(addr hostarch.Addr) {
	page := addr.RoundDown()
	r.mu.Lock()
	_, dup := r.pages.ReplaceOrInsert(page)
	r.mu.Unlock()
	if !dup {
		log.Warningf("Host page %v poisoned", page)
	}
}

// IsPoisoned returns true if the page containing addr is poisoned.
func (r *Registry) IsPoisoned(addr hostarch.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pages.Has(addr.RoundDown())
}

// InRange returns the poisoned pages intersecting ar, in ascending order.
func (r *Registry) InRange(ar hostarch.AddrRange) []hostarch.Addr {
	if !ar.WellFormed() || ar.Length() == 0 {
		return nil
	}
	var pages []hostarch.Addr
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.pages.AscendRange(ar.Start.RoundDown(), ar.End, func(page hostarch.Addr) bool {
		pages = append(pages, page)
		return true
	})
	return pages
}

// Len returns the number of poisoned pages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pages.Len()
}
