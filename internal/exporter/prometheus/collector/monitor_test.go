// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/stretchr/testify/assert"
)

type fakeStatsProvider struct{ stats []monitor.Stat }

func (f fakeStatsProvider) Stats() []monitor.Stat { return f.stats }

func TestMonitorCollectorCollect(t *testing.T) {
	provider := fakeStatsProvider{stats: []monitor.Stat{
		{TGID: 1, TID: 2, Status: monitor.On, InjectedDelay: 10 * time.Millisecond},
	}}
	c := NewMonitorCollector(provider)

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 5, count)
}

func TestMonitorCollectorDescribe(t *testing.T) {
	c := NewMonitorCollector(fakeStatsProvider{})
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 5, count)
}
