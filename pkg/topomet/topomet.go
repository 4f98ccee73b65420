// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package topomet exposes a topology.Context as Prometheus metrics: entity
// counts per level, per-package thread counts, the isolated-thread count, and
// discovered cache device counts by level and type. It is read at collection
// time from the Context passed to NewCollector; it never re-probes sysfs
// itself.
package topomet

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/topology"
)

// Collector implements prometheus.Collector over a fixed topology.Context.
// It is safe for concurrent use, since a built Context is immutable.
type Collector struct {
	ctx *topology.Context

	entities   *prometheus.Desc
	threads    *prometheus.Desc
	cacheCount *prometheus.Desc
	isolated   *prometheus.Desc
}

// NewCollector returns a Collector reporting metrics for ctx. ctx must not
// be freed for as long as the Collector is registered.
func NewCollector(ctx *topology.Context) *Collector {
	return &Collector{
		ctx: ctx,
		entities: prometheus.NewDesc(
			"libtopology_entities",
			"Number of processor entities discovered, by level.",
			[]string{"level"}, nil,
		),
		threads: prometheus.NewDesc(
			"libtopology_package_threads",
			"Number of hardware threads under each package, by package id.",
			[]string{"package"}, nil,
		),
		cacheCount: prometheus.NewDesc(
			"libtopology_cache_devices",
			"Number of distinct cache devices discovered, by level and type.",
			[]string{"level", "type"}, nil,
		),
		isolated: prometheus.NewDesc(
			"libtopology_isolated_threads",
			"Number of hardware threads marked isolated at boot.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entities
	ch <- c.threads
	ch <- c.cacheCount
	ch <- c.isolated
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[topology.Level]int{}
	isolated := 0
	for _, e := range c.ctx.Entities() {
		counts[e.Level()]++
		if e.Level() == topology.Thread {
			if v, ok := e.Attribute("isolated"); ok && v == "true" {
				isolated++
			}
		}
	}
	for lvl := topology.Thread; lvl <= topology.System; lvl++ {
		ch <- prometheus.MustNewConstMetric(c.entities, prometheus.GaugeValue, float64(counts[lvl]), lvl.String())
	}
	ch <- prometheus.MustNewConstMetric(c.isolated, prometheus.GaugeValue, float64(isolated))

	for pkg := c.ctx.Traverse(c.ctx.System(), nil, topology.Package); pkg != nil; {
		ch <- prometheus.MustNewConstMetric(
			c.threads, prometheus.GaugeValue,
			float64(pkg.Mask().Count()),
			strconv.Itoa(pkg.ID()),
		)
		pkg = c.ctx.Traverse(c.ctx.System(), pkg, topology.Package)
	}

	cacheCounts := map[[2]string]int{}
	for dev := c.ctx.FindDeviceByType(nil, "cache"); dev != nil; {
		level, _ := dev.Attribute("level")
		kind, _ := dev.Attribute("type")
		cacheCounts[[2]string{level, kind}]++
		dev = c.ctx.FindDeviceByType(dev, "cache")
	}
	for key, n := range cacheCounts {
		ch <- prometheus.MustNewConstMetric(c.cacheCount, prometheus.GaugeValue, float64(n), key[0], key[1])
	}
}
