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

package cmd

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/memslot/pkg/bitmap"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/kvm"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/pkg/memslot"
	"gvisor.dev/memslot/pkg/poison"
	"gvisor.dev/memslot/pkg/sim"
	"gvisor.dev/memslot/slotctl/config"
)

// simulation drives a listener with scripted region events and simulated
// vCPU writes.
type simulation struct {
	conf     *config.Config
	mem      *sim.Memory
	backend  memslot.Backend
	listener *memslot.Listener
	poison   *poison.Registry
	registry *prometheus.Registry

	// vcpuBackend is the backend vCPUs write through. It is nil for the
	// KVM backend, which has no simulated vCPUs.
	vcpuBackend *sim.Backend

	// capacityWarn reports events that ran out of slots. A script that
	// exhausts the backend hits it on every round.
	capacityWarn log.Logger

	closeBackend func() error
}

// roundStats summarizes one round.
type roundStats struct {
	Round int

	// Written is the number of distinct pages written.
	Written uint64

	// Tracked is the number of written pages that must be collected.
	Tracked uint64

	// Collected is the number of pages CollectAll returned.
	Collected uint64

	// Lost are tracked pages missing from the collection.
	Lost []uint64

	Slots    int
	Unmapped int
	Duration time.Duration
}

func newSimulation(conf *config.Config) (*simulation, error) {
	if err := memslot.SetMaxSlotSize(conf.MaxSlotSize); err != nil {
		return nil, err
	}
	s := &simulation{
		conf:     conf,
		mem:      sim.NewMemory(),
		poison:   poison.NewRegistry(),
		registry: prometheus.NewRegistry(),

		capacityWarn: log.BurstRateLimitedLogger(log.Log(), time.Second, 8),
	}
	switch conf.Backend {
	case config.BackendSim:
		b := sim.NewBackend(conf.Capacity)
		s.backend = b
		s.vcpuBackend = b
	case config.BackendKVM:
		b, err := kvm.New(conf.DevicePath)
		if err != nil {
			return nil, err
		}
		s.backend = b
		s.closeBackend = b.Close
		if conf.Simulation.VCPUs > 0 {
			log.Warningf("The KVM backend has no simulated vCPUs, guest memory is not written")
		}
	}

	for _, r := range conf.Regions {
		flags, err := config.ParseFlags(r.Flags)
		if err != nil {
			s.close()
			return nil, err
		}
		if _, err := s.mem.Add(hostarch.Addr(r.Start), r.Size, r.Reserve, flags); err != nil {
			s.close()
			return nil, err
		}
	}
	// Poisoned pages are given by guest address and recorded by host
	// address, before the regions are mapped.
	for _, gpa := range conf.Poisoned {
		hva, ok := s.mem.HostAddr(hostarch.Addr(gpa))
		if !ok {
			s.close()
			return nil, fmt.Errorf("poisoned address %#x is not in a region", gpa)
		}
		s.poison.Add(hva)
	}

	s.listener = memslot.NewListener(memslot.ListenerOpts{
		Backend:        s.backend,
		Poison:         s.poison,
		CollectWorkers: conf.CollectWorkers,
	})
	if err := s.listener.Register(s.mem, 0); err != nil {
		s.close()
		return nil, err
	}
	s.registry.MustRegister(memslot.NewCollector(s.listener))
	return s, nil
}

func (s *simulation) close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mem.Release()
	if s.closeBackend != nil {
		if cerr := s.closeBackend(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// applyEvents applies the events scheduled before round. Capacity errors
// leave regions unmapped and are only logged.
func (s *simulation) applyEvents(round int) error {
	for _, ev := range s.conf.Simulation.Events {
		if ev.Round != round {
			continue
		}
		flags, err := config.ParseFlags(ev.Flags)
		if err != nil {
			return err
		}
		start := hostarch.Addr(ev.Start)
		log.Infof("Round %d: %s event at %v", round, ev.Kind, start)
		switch ev.Kind {
		case config.EventAdd:
			_, err = s.mem.Add(start, ev.Size, ev.Reserve, flags)
		case config.EventRemove:
			err = s.mem.Remove(start)
		case config.EventResize:
			err = s.mem.Resize(start, ev.Size)
		case config.EventFlags:
			err = s.mem.SetFlags(start, flags)
		case config.EventPoison:
			hva, ok := s.mem.HostAddr(start)
			if !ok {
				return fmt.Errorf("round %d: poisoned address %v is not in a region", round, start)
			}
			s.listener.PoisonPage(hva)
		}
		if errors.Is(err, memslot.ErrNoSlots) {
			s.capacityWarn.Warningf("Round %d: %s event at %v: %v", round, ev.Kind, start, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("round %d: %s event at %v: %w", round, ev.Kind, start, err)
		}
	}
	return nil
}

// write runs the vCPUs of round and returns the pages they wrote.
func (s *simulation) write(round int) (*bitmap.Bitmap, error) {
	regions := s.mem.Regions()
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	var pages uint64
	for _, r := range regions {
		pages = max(pages, r.Start.PageNumber()+r.Pages())
	}
	written := bitmap.New(pages)
	sc := &s.conf.Simulation
	if s.vcpuBackend == nil || len(regions) == 0 || sc.VCPUs == 0 {
		return written, nil
	}

	var g errgroup.Group
	for i := 0; i < sc.VCPUs; i++ {
		cpu := &sim.VCPU{Memory: s.mem, Backend: s.vcpuBackend}
		rng := rand.New(rand.NewSource(sc.Seed + int64(round*sc.VCPUs+i)))
		g.Go(func() error {
			for n := 0; n < sc.Writes; n++ {
				r := regions[rng.Intn(len(regions))]
				gpa := r.Start + hostarch.Addr(uint64(rng.Int63n(int64(r.Pages())))<<hostarch.PageShift)
				if cpu.Write(gpa, byte(n)) {
					written.AtomicSet(gpa.PageNumber())
				}
			}
			return nil
		})
	}
	return written, g.Wait()
}

// tracked returns the pages of written that the listener must collect.
func (s *simulation) tracked(written *bitmap.Bitmap) *bitmap.Bitmap {
	want := bitmap.New(written.Len())
	for _, si := range s.listener.Slots() {
		if si.Flags&memslot.FlagLogDirty == 0 {
			continue
		}
		first := si.Start.PageNumber()
		n := min(si.Size>>hostarch.PageShift, written.Len()-min(first, written.Len()))
		for i := uint64(0); i < n; i++ {
			if written.Test(first + i) {
				want.SetBit(first + i)
			}
		}
		for _, addr := range si.Untracked {
			if p := addr.PageNumber(); p < want.Len() {
				want.ClearBit(p)
			}
		}
	}
	return want
}

// round runs one round: events, writes, then a collection checked against
// the writes.
func (s *simulation) round(round int) (roundStats, error) {
	st := roundStats{Round: round}
	if err := s.applyEvents(round); err != nil {
		return st, err
	}
	written, err := s.write(round)
	if err != nil {
		return st, err
	}
	want := s.tracked(written)

	start := time.Now()
	got, err := s.listener.CollectAll()
	st.Duration = time.Since(start)
	if err != nil {
		return st, fmt.Errorf("round %d: collecting dirty pages: %w", round, err)
	}
	st.Written = written.Count()
	st.Tracked = want.Count()
	st.Collected = got.Count()
	want.ForEach(func(p uint64) bool {
		if p >= got.Len() || !got.Test(p) {
			st.Lost = append(st.Lost, p)
		}
		return true
	})
	st.Slots = len(s.listener.Slots())
	st.Unmapped = len(s.listener.Unmapped())
	return st, nil
}

// writeMetrics writes the listener metrics in the Prometheus text format.
func (s *simulation) writeMetrics(w io.Writer) error {
	mfs, err := s.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
