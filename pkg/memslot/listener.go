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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/intervaltree"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/pkg/poison"
)

// ErrRegistered is returned by Register when the listener, or another
// listener for the same backend address space, is already registered.
var ErrRegistered = errors.New("address space already has a listener")

// mapping is a region known to a listener and the slots covering it.
type mapping struct {
	region Region

	// slots are in ascending address order. They are nil if the region is
	// unmapped.
	slots []*slot
}

func (m *mapping) unmapped() bool {
	return m.slots == nil
}

// stats are cumulative listener counters.
type stats struct {
	collections    atomic.Uint64
	collectErrors  atomic.Uint64
	dirtyPages     atomic.Uint64
	slotsCreated   atomic.Uint64
	slotsDeleted   atomic.Uint64
	capacityErrors atomic.Uint64
	collectNanos   atomic.Uint64
}

// ListenerOpts configures a Listener.
type ListenerOpts struct {
	// Backend is the slot table the listener maps regions into.
	Backend Backend

	// Poison is consulted when slots are created. If nil, poison.Default
	// is used.
	Poison *poison.Registry

	// CollectWorkers bounds the number of slots CollectAll collects in
	// parallel. If zero, GOMAXPROCS is used.
	CollectWorkers int
}

// Listener mirrors the regions of one address space into backend slots.
//
// Region events are applied one at a time. CollectAll may run concurrently
// with other CollectAll calls, but not with events.
type Listener struct {
	backend        Backend
	poison         *poison.Registry
	collectWorkers int

	// warn rate limits warnings about failures the listener can only log.
	warn log.Logger

	// mu serializes events against each other and against collections.
	mu sync.RWMutex

	// registered is true between Register and Close. Protected by mu.
	registered bool

	// asID is the backend address space. Protected by mu.
	asID int

	// source delivers region events. Protected by mu.
	source RegionSource

	// regions are ordered by start address. Protected by mu.
	regions *btree.BTreeG[*mapping]

	// occupied holds the guest page ranges of all regions, mapped or not.
	// Protected by mu.
	occupied *intervaltree.Tree

	// retiredMu protects retired.
	retiredMu sync.Mutex
	retired   []retired

	stats stats
}

// NewListener returns an unregistered listener.
func NewListener(opts ListenerOpts) *Listener {
	if opts.Backend == nil {
		panic("memslot.NewListener requires a Backend")
	}
	l := &Listener{
		backend:        opts.Backend,
		poison:         opts.Poison,
		collectWorkers: opts.CollectWorkers,
		warn:           log.BasicRateLimitedLogger(time.Second),
		regions: btree.NewG(8, func(a, b *mapping) bool {
			return a.region.Start < b.region.Start
		}),
		occupied: intervaltree.New(),
	}
	if l.poison == nil {
		l.poison = poison.Default
	}
	if l.collectWorkers <= 0 {
		l.collectWorkers = runtime.GOMAXPROCS(0)
	}
	return l
}

type registration struct {
	backend Backend
	asID    int
}

var (
	registrationsMu sync.Mutex
	registrations   = make(map[registration]*Listener)
)

// Register binds l to the address space asID of its backend, maps every
// region source already holds, and subscribes to future events.
//
// Regions that cannot be mapped are left unmapped and reported in the
// returned error; l is registered regardless.
func (l *Listener) Register(source RegionSource, asID int) error {
	l.mu.Lock()
	if l.registered {
		l.mu.Unlock()
		return fmt.Errorf("registering address space %d: %w", asID, ErrRegistered)
	}
	key := registration{backend: l.backend, asID: asID}
	registrationsMu.Lock()
	if _, ok := registrations[key]; ok {
		registrationsMu.Unlock()
		l.mu.Unlock()
		return fmt.Errorf("registering address space %d: %w", asID, ErrRegistered)
	}
	registrations[key] = l
	registrationsMu.Unlock()

	l.registered = true
	l.asID = asID
	l.source = source

	var errs error
	for _, r := range source.Regions() {
		if err := l.regionAdded(r); err != nil {
			errs = appendErr(errs, err)
		}
	}
	l.mu.Unlock()

	log.Infof("Listener registered for address space %d with %d regions", asID, l.regions.Len())
	source.Subscribe(l)
	return errs
}

// HandleEvent implements EventHandler.HandleEvent.
func (l *Listener) HandleEvent(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.registered {
		panic(fmt.Sprintf("%v event for %v delivered to an unregistered listener", ev.Kind, ev.Region))
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Address space %d: %v event for %v", l.asID, ev.Kind, ev.Region)
	}
	switch ev.Kind {
	case RegionAdded:
		return l.regionAdded(ev.Region)
	case RegionRemoved:
		return l.regionRemoved(ev.Region)
	case RegionResized:
		return l.regionResized(ev.Region, ev.NewSize)
	case FlagsChanged:
		return l.flagsChanged(ev.Region, ev.NewFlags)
	default:
		panic(fmt.Sprintf("unknown region event %v", ev.Kind))
	}
}

// ASID returns the backend address space of l.
func (l *Listener) ASID() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.asID
}

// Slots returns the live slots in ascending address order.
func (l *Listener) Slots() []SlotInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var infos []SlotInfo
	l.regions.Ascend(func(m *mapping) bool {
		for _, s := range m.slots {
			infos = append(infos, s.info())
		}
		return true
	})
	return infos
}

// Unmapped returns the regions that have no slots, in ascending address
// order.
func (l *Listener) Unmapped() []Region {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var rs []Region
	l.regions.Ascend(func(m *mapping) bool {
		if m.unmapped() {
			rs = append(rs, m.region)
		}
		return true
	})
	return rs
}

// RetryUnmapped tries again to map every unmapped region.
func (l *Listener) RetryUnmapped() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryUnmapped()
}

// PoisonPage marks the host page containing addr as poisoned. Slots created
// from then on over that page do not track it.
func (l *Listener) PoisonPage(addr hostarch.Addr) {
	l.poison.Add(addr)
}

// CollectAll collects every live slot and returns the pages written since the
// previous CollectAll, as one bitmap whose bit i is guest page i. The bitmap
// extends to the last page that is or was recently mapped.
//
// On error nothing is handed out: the pages collected so far are returned by
// the next successful call.
func (l *Listener) CollectAll() (*bitmap.Bitmap, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := time.Now()
	defer func() {
		l.stats.collectNanos.Add(uint64(time.Since(start)))
	}()

	var slots []*slot
	l.regions.Ascend(func(m *mapping) bool {
		slots = append(slots, m.slots...)
		return true
	})

	var g errgroup.Group
	g.SetLimit(l.collectWorkers)
	for _, s := range slots {
		g.Go(func() error {
			_, err := l.collect(s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		l.warn.Warningf("Collecting address space %d: %v", l.asID, err)
		return nil, err
	}

	ret := l.takeRetired()
	var pages uint64
	for _, s := range slots {
		if s.flags&FlagLogDirty != 0 {
			pages = max(pages, s.end().PageNumber())
		}
	}
	for _, r := range ret {
		pages = max(pages, r.firstPage+r.bits.Len())
	}

	whole := bitmap.New(pages)
	for _, s := range slots {
		if bits := s.takeDirty(); bits != nil {
			bitmap.CopyWithDstOffset(whole, bits, s.start.PageNumber(), bits.Len())
		}
	}
	for _, r := range ret {
		bitmap.OrWithDstOffset(whole, r.bits, r.firstPage, r.bits.Len())
	}
	return whole, nil
}

// Close removes every slot, after a final collection, and unsubscribes from
// the region source. Pages collected but never returned by CollectAll are
// discarded.
func (l *Listener) Close() error {
	l.mu.Lock()
	if !l.registered {
		l.mu.Unlock()
		return nil
	}
	source := l.source
	var errs error
	var all []*mapping
	l.regions.Ascend(func(m *mapping) bool {
		all = append(all, m)
		return true
	})
	for _, m := range all {
		if err := l.unmap(m); err != nil {
			errs = appendErr(errs, err)
		}
		l.regions.Delete(m)
	}
	l.occupied = intervaltree.New()
	l.takeRetired()
	l.registered = false
	l.source = nil

	registrationsMu.Lock()
	delete(registrations, registration{backend: l.backend, asID: l.asID})
	registrationsMu.Unlock()
	l.mu.Unlock()

	source.Unsubscribe(l)
	return errs
}

// appendErr aggregates err into errs.
func appendErr(errs, err error) error {
	return multierror.Append(errs, err)
}
