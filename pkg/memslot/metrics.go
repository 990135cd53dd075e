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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/memslot/pkg/poison"
)

// Prometheus metric descriptor indices and descriptor table.
const (
	slotsDesc = iota
	slotPagesDesc
	untrackedPagesDesc
	unmappedRegionsDesc
	slotsCreatedDesc
	slotsDeletedDesc
	capacityErrorsDesc
	collectionsDesc
	collectErrorsDesc
	dirtyPagesDesc
	collectSecondsDesc
	retiredPagesDesc
	poisonedPagesDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	slotsDesc: prometheus.NewDesc(
		"memslot_slots",
		"Number of live memory slots.",
		[]string{"as_id"}, nil,
	),
	slotPagesDesc: prometheus.NewDesc(
		"memslot_slot_pages",
		"Number of guest pages mapped by live memory slots.",
		[]string{"as_id"}, nil,
	),
	untrackedPagesDesc: prometheus.NewDesc(
		"memslot_untracked_pages",
		"Number of mapped guest pages excluded from dirty tracking.",
		[]string{"as_id"}, nil,
	),
	unmappedRegionsDesc: prometheus.NewDesc(
		"memslot_unmapped_regions",
		"Number of regions without memory slots.",
		[]string{"as_id"}, nil,
	),
	slotsCreatedDesc: prometheus.NewDesc(
		"memslot_slots_created_total",
		"Number of memory slots created.",
		[]string{"as_id"}, nil,
	),
	slotsDeletedDesc: prometheus.NewDesc(
		"memslot_slots_deleted_total",
		"Number of memory slots deleted.",
		[]string{"as_id"}, nil,
	),
	capacityErrorsDesc: prometheus.NewDesc(
		"memslot_capacity_errors_total",
		"Number of slot creations refused because the slot table was full.",
		[]string{"as_id"}, nil,
	),
	collectionsDesc: prometheus.NewDesc(
		"memslot_collections_total",
		"Number of dirty log collections of a single slot.",
		[]string{"as_id"}, nil,
	),
	collectErrorsDesc: prometheus.NewDesc(
		"memslot_collect_errors_total",
		"Number of failed dirty log collections of a single slot.",
		[]string{"as_id"}, nil,
	),
	dirtyPagesDesc: prometheus.NewDesc(
		"memslot_dirty_pages_total",
		"Number of dirty pages collected.",
		[]string{"as_id"}, nil,
	),
	collectSecondsDesc: prometheus.NewDesc(
		"memslot_collect_all_seconds_total",
		"Time spent in CollectAll.",
		[]string{"as_id"}, nil,
	),
	retiredPagesDesc: prometheus.NewDesc(
		"memslot_retired_pages",
		"Number of collected pages of released slots not yet handed out.",
		[]string{"as_id"}, nil,
	),
	poisonedPagesDesc: prometheus.NewDesc(
		"memslot_poisoned_pages",
		"Number of host pages in the poisoned page registry.",
		nil, nil,
	),
}

// Collector exports the state of a set of listeners as Prometheus metrics.
type Collector struct {
	listeners []*Listener
}

// NewCollector returns a collector for the given listeners.
func NewCollector(listeners ...*Listener) prometheus.Collector {
	return &Collector{listeners: listeners}
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	reported := make(map[*poison.Registry]bool)
	for _, l := range c.listeners {
		l.collectMetrics(ch)
		if !reported[l.poison] {
			reported[l.poison] = true
			ch <- prometheus.MustNewConstMetric(
				descriptors[poisonedPagesDesc],
				prometheus.GaugeValue,
				float64(l.poison.Len()),
			)
		}
	}
}

func (l *Listener) collectMetrics(ch chan<- prometheus.Metric) {
	var (
		slots, pages, untracked, unmapped float64
	)
	l.mu.RLock()
	asID := strconv.Itoa(l.asID)
	l.regions.Ascend(func(m *mapping) bool {
		if m.unmapped() {
			unmapped++
		}
		for _, s := range m.slots {
			slots++
			pages += float64(s.pages())
			s.mu.Lock()
			if s.untracked != nil {
				untracked += float64(s.untracked.Count())
			}
			s.mu.Unlock()
		}
		return true
	})
	l.mu.RUnlock()

	var retiredPages float64
	l.retiredMu.Lock()
	for _, r := range l.retired {
		retiredPages += float64(r.bits.Count())
	}
	l.retiredMu.Unlock()

	gauge := func(desc int, v float64) {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, v, asID)
	}
	counter := func(desc int, v float64) {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.CounterValue, v, asID)
	}
	gauge(slotsDesc, slots)
	gauge(slotPagesDesc, pages)
	gauge(untrackedPagesDesc, untracked)
	gauge(unmappedRegionsDesc, unmapped)
	gauge(retiredPagesDesc, retiredPages)
	counter(slotsCreatedDesc, float64(l.stats.slotsCreated.Load()))
	counter(slotsDeletedDesc, float64(l.stats.slotsDeleted.Load()))
	counter(capacityErrorsDesc, float64(l.stats.capacityErrors.Load()))
	counter(collectionsDesc, float64(l.stats.collections.Load()))
	counter(collectErrorsDesc, float64(l.stats.collectErrors.Load()))
	counter(dirtyPagesDesc, float64(l.stats.dirtyPages.Load()))
	counter(collectSecondsDesc, float64(l.stats.collectNanos.Load())/1e9)
}
