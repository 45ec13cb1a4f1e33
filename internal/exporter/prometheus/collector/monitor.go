// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
)

const monitorSubsystem = "monitor"

// StatsProvider is the subset of monitor.Set a Collector needs: a
// point-in-time snapshot of every bound slot.
type StatsProvider interface {
	Stats() []monitor.Stat
}

// MonitorCollector exposes the per-thread delay accumulators and
// lifecycle state tracked by a monitor.Set.
type MonitorCollector struct {
	monitors StatsProvider

	status        *prom.Desc
	injectedDelay *prom.Desc
	wastedDelay   *prom.Desc
	squabbleDelay *prom.Desc
	totalDelay    *prom.Desc
}

var _ prom.Collector = (*MonitorCollector)(nil)

// NewMonitorCollector returns a Collector reading from monitors on every
// scrape.
func NewMonitorCollector(monitors StatsProvider) *MonitorCollector {
	labels := []string{"tgid", "tid"}
	return &MonitorCollector{
		monitors: monitors,
		status: prom.NewDesc(
			prom.BuildFQName(namespace, monitorSubsystem, "status"),
			"Monitor lifecycle status (0=disabled,1=on,2=off,3=terminated)",
			labels, nil),
		injectedDelay: prom.NewDesc(
			prom.BuildFQName(namespace, monitorSubsystem, "injected_delay_seconds"),
			"Accumulated delay injected into the target thread",
			labels, nil),
		wastedDelay: prom.NewDesc(
			prom.BuildFQName(namespace, monitorSubsystem, "wasted_delay_seconds"),
			"Accumulated wall-clock time the thread has spent paying down injected delay",
			labels, nil),
		squabbleDelay: prom.NewDesc(
			prom.BuildFQName(namespace, monitorSubsystem, "squabble_delay_seconds"),
			"Accumulated sub-interval debt not yet resolved by the squabble rule",
			labels, nil),
		totalDelay: prom.NewDesc(
			prom.BuildFQName(namespace, monitorSubsystem, "total_delay_seconds"),
			"Lifetime total delay applied to the thread",
			labels, nil),
	}
}

func (c *MonitorCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.status
	ch <- c.injectedDelay
	ch <- c.wastedDelay
	ch <- c.squabbleDelay
	ch <- c.totalDelay
}

func (c *MonitorCollector) Collect(ch chan<- prom.Metric) {
	for _, s := range c.monitors.Stats() {
		tgid := strconv.Itoa(s.TGID)
		tid := strconv.Itoa(s.TID)

		ch <- prom.MustNewConstMetric(c.status, prom.GaugeValue, float64(s.Status), tgid, tid)
		ch <- prom.MustNewConstMetric(c.injectedDelay, prom.CounterValue, s.InjectedDelay.Seconds(), tgid, tid)
		ch <- prom.MustNewConstMetric(c.wastedDelay, prom.CounterValue, s.WastedDelay.Seconds(), tgid, tid)
		ch <- prom.MustNewConstMetric(c.squabbleDelay, prom.CounterValue, s.SquabbleDelay.Seconds(), tgid, tid)
		ch <- prom.MustNewConstMetric(c.totalDelay, prom.CounterValue, s.TotalDelay.Seconds(), tgid, tid)
	}
}
