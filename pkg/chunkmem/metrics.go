// Copyright The ChunkMem Authors. All Rights Reserved.
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

package chunkmem

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tensormesh/chunkmem/pkg/mem"
)

// Collector exports manager and cache state as prometheus metrics.
type Collector struct {
	manager *Manager

	residentDesc  *prometheus.Desc
	chunksDesc    *prometheus.Desc
	cacheHits     *prometheus.Desc
	cacheMisses   *prometheus.Desc
	cacheEvicts   *prometheus.Desc
	movesDesc     *prometheus.Desc
	oomDesc       *prometheus.Desc
	droppedEvents *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a prometheus collector for the given manager.
func NewCollector(m *Manager) *Collector {
	return &Collector{
		manager: m,
		residentDesc: prometheus.NewDesc(
			"chunkmem_resident_bytes",
			"Chunk-resident bytes per device tier.",
			[]string{"device"}, nil),
		chunksDesc: prometheus.NewDesc(
			"chunkmem_chunks",
			"Number of chunks per device tier and status.",
			[]string{"device", "status"}, nil),
		cacheHits: prometheus.NewDesc(
			"chunkmem_cache_hits_total",
			"Number of recycling cache hits.",
			nil, nil),
		cacheMisses: prometheus.NewDesc(
			"chunkmem_cache_misses_total",
			"Number of recycling cache misses.",
			nil, nil),
		cacheEvicts: prometheus.NewDesc(
			"chunkmem_cache_evictions_total",
			"Number of recycling cache evictions.",
			nil, nil),
		movesDesc: prometheus.NewDesc(
			"chunkmem_moves_total",
			"Number of cross-tier chunk moves.",
			nil, nil),
		oomDesc: prometheus.NewDesc(
			"chunkmem_oom_recoveries_total",
			"Number of out-of-memory recovery sequences run.",
			nil, nil),
		droppedEvents: prometheus.NewDesc(
			"chunkmem_dropped_events_total",
			"Number of memory-delta events dropped.",
			nil, nil),
	}
}

// Register registers the collector with the default prometheus
// registry.
func (c *Collector) Register() error {
	return prometheus.Register(c)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.residentDesc
	ch <- c.chunksDesc
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvicts
	ch <- c.movesDesc
	ch <- c.oomDesc
	ch <- c.droppedEvents
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, dev := range mem.Devices() {
		ch <- prometheus.MustNewConstMetric(c.residentDesc,
			prometheus.GaugeValue, float64(c.manager.ResidentBytes(dev)),
			dev.String())
	}

	counts := map[[2]string]int{}
	for _, v := range c.manager.ChunkViews() {
		counts[[2]string{v.Device.String(), v.Status.String()}]++
	}
	for key, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.chunksDesc,
			prometheus.GaugeValue, float64(n), key[0], key[1])
	}

	stats := c.manager.Stats()
	cstats := c.manager.Cache().Stats()

	ch <- prometheus.MustNewConstMetric(c.cacheHits,
		prometheus.CounterValue, float64(cstats.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses,
		prometheus.CounterValue, float64(cstats.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvicts,
		prometheus.CounterValue, float64(cstats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.movesDesc,
		prometheus.CounterValue, float64(stats.Moves))
	ch <- prometheus.MustNewConstMetric(c.oomDesc,
		prometheus.CounterValue, float64(stats.OOMRecoveries))
	ch <- prometheus.MustNewConstMetric(c.droppedEvents,
		prometheus.CounterValue, float64(c.manager.DroppedEvents()))
}
