// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package epoch

import (
	"os"
	"testing"
	"time"

	"github.com/cxlmemsim/cxlmemsim/internal/config"
	"github.com/cxlmemsim/cxlmemsim/internal/control"
	"github.com/cxlmemsim/cxlmemsim/internal/cpumodel"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/cxlmemsim/cxlmemsim/internal/perf"
	"github.com/cxlmemsim/cxlmemsim/internal/policy"
	"github.com/cxlmemsim/cxlmemsim/internal/simctx"
	"github.com/cxlmemsim/cxlmemsim/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requirePerfEventOpen skips the calling test when perf_event_open isn't
// usable in this sandbox (no CAP_PERFMON, restrictive perf_event_paranoid),
// the same guard internal/perf's own hardware test uses: handleCreate opens
// a real hwPerfSource, so any test driving it needs the same escape hatch.
func requirePerfEventOpen(t *testing.T) {
	t.Helper()
	probe := perf.NewHWPerfSource(0, -1, cpumodel.DefaultModel, nil)
	if err := probe.Start(); err != nil {
		t.Skipf("perf_event_open unavailable in this sandbox: %v", err)
	}
	_ = probe.Stop()
}

// fakeSource is a minimal perf.Source stand-in: every counter read returns
// zero values and PEBS sampling is a no-op, which is all the loop-dispatch
// tests below need.
type fakeSource struct{}

func (fakeSource) Start() error { return nil }
func (fakeSource) Stop() error  { return nil }
func (fakeSource) Read() (perf.CounterSample, perf.CBoSample, error) {
	return perf.CounterSample{}, perf.CBoSample{}, nil
}
func (fakeSource) StartPebs(period uint64, bounds []uint64) error { return nil }
func (fakeSource) ReadPebs() (perf.PebsSample, error)       { return perf.PebsSample{}, nil }
func (fakeSource) StopPebs() error                     { return nil }

// newTestLoop builds a Loop wired to a fresh monitor.Set, with no control
// socket (conn is nil, so drainControlSocket is always a no-op).
func newTestLoop(t *testing.T, capacity int, intervalMS int) *Loop {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Epoch.IntervalMS = intervalMS
	monitors := monitor.NewSet(capacity, nil)
	ctx := simctx.New(nil, cfg, topology.New(), policy.Interleave{}, monitors)
	return New(nil, ctx, nil)
}

func newTestMonitor(t *testing.T, tgid, tid int) *monitor.Monitor {
	t.Helper()
	m, err := monitor.New(tgid, tid, -1, fakeSource{}, nil)
	require.NoError(t, err)
	return m
}

func TestDrainControlSocketNilConnIsNoop(t *testing.T) {
	l := newTestLoop(t, 4, 20)
	assert.NoError(t, l.drainControlSocket())
}

func TestHandleMessageThreadExitMarksExited(t *testing.T) {
	l := newTestLoop(t, 4, 20)
	m := newTestMonitor(t, 1, 42)
	slot := l.ctx.Monitors.Enable(m)
	require.GreaterOrEqual(t, slot, 0)

	l.handleMessage(control.Message{Opcode: control.ThreadExit, TID: 42})

	assert.Equal(t, monitor.Terminated, m.Status())
	require.NoError(t, m.Terminate())
}

func TestHandleCreateEnablesAMonitor(t *testing.T) {
	requirePerfEventOpen(t)
	l := newTestLoop(t, 4, 20)
	pid := os.Getpid()
	l.handleMessage(control.Message{Opcode: control.ProcessCreate, TGID: pid, TID: pid})

	assert.Len(t, l.ctx.Monitors.Active(), 1)
	m := l.ctx.Monitors.At(0)
	require.NotNil(t, m)
	assert.Equal(t, pid, m.TID)
}

func TestHandleCreateThreadsRegionIDThroughToTopology(t *testing.T) {
	requirePerfEventOpen(t)
	l := newTestLoop(t, 4, 20)
	pid := os.Getpid()
	l.handleMessage(control.Message{
		Opcode: control.ThreadCreate,
		TGID:  pid,
		TID:  pid,
		Regions: []control.RegionRecord{
			{ID: 3, ReadLatencyNS: 100, CapacityMB: 1024},
			{ID: 9, ReadLatencyNS: 200, CapacityMB: 2048},
		},
	})

	m := l.ctx.Monitors.At(0)
	require.NotNil(t, m)
	require.Len(t, m.Regions, 2)
	assert.Equal(t, 3, m.Regions[0].ID)
	assert.Equal(t, 9, m.Regions[1].ID)
	assert.Equal(t, 2, m.NumRegions)
}

// applySquabbleRule and runOffWork's pay-down paths call Monitor.Run,
// which delivers a real SIGCONT. Targeting this test process's own pid
// keeps that safe: SIGCONT on an already-running process is a no-op.
// Neither path ever calls Monitor.Stop (SIGSTOP), so these tests never
// risk suspending themselves.

func TestApplySquabbleRulePaysDownUnderCeiling(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, os.Getpid())
	m.WastedDelay = 25 * time.Millisecond
	m.InjectedDelay = 30 * time.Millisecond

	l.applySquabbleRule(m)

	assert.Equal(t, time.Duration(0), m.WastedDelay)
	assert.Equal(t, time.Duration(0), m.InjectedDelay)
	assert.Equal(t, time.Duration(0), m.SquabbleDelay)
}

func TestApplySquabbleRuleRollsBackPastCeiling(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, 1)
	m.WastedDelay = 25 * time.Millisecond
	m.InjectedDelay = 70 * time.Millisecond // remain = 45ms, over the 40ms ceiling

	l.applySquabbleRule(m)

	assert.Equal(t, time.Duration(0), m.SquabbleDelay)
	assert.Equal(t, 115*time.Millisecond, m.InjectedDelay)
}

func TestApplySquabbleRuleNoopUnderInterval(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, 1)
	m.WastedDelay = 5 * time.Millisecond
	m.InjectedDelay = 30 * time.Millisecond

	l.applySquabbleRule(m)

	assert.Equal(t, 5*time.Millisecond, m.WastedDelay)
	assert.Equal(t, 30*time.Millisecond, m.InjectedDelay)
}

func TestRunOffWorkAccumulatesWastedDelay(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, os.Getpid())
	m.InjectedDelay = 10 * time.Millisecond

	l.runOffWork(m, 2*time.Millisecond)

	assert.Equal(t, 2*time.Millisecond, m.WastedDelay)
	assert.Equal(t, monitor.Off, m.Status())
}

func TestRunOffWorkResumesWhenPaidDown(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, os.Getpid())
	l.ctx.Monitors.Enable(m)
	m.InjectedDelay = 5 * time.Millisecond

	l.runOffWork(m, 5*time.Millisecond)

	assert.Equal(t, time.Duration(0), m.WastedDelay)
	assert.Equal(t, time.Duration(0), m.InjectedDelay)
	assert.Equal(t, monitor.On, m.Status())
}

func TestSlotOf(t *testing.T) {
	l := newTestLoop(t, 2, 20)
	m1 := newTestMonitor(t, 1, 1)
	m2 := newTestMonitor(t, 2, 2)
	l.ctx.Monitors.Enable(m1)
	l.ctx.Monitors.Enable(m2)

	assert.Equal(t, 0, l.slotOf(m1))
	assert.Equal(t, 1, l.slotOf(m2))
	assert.Equal(t, -1, l.slotOf(newTestMonitor(t, 3, 3)))
}

func TestRegionLatenciesForFallsBackToTopologyWhenNoRegions(t *testing.T) {
	l := newTestLoop(t, 1, 20)
	m := newTestMonitor(t, 1, 1)

	// With no topology and no per-monitor regions, there is nothing to
	// report back.
	assert.Nil(t, l.regionLatenciesFor(m))
}

func TestWeightsToFloatPlacesByRegionIndex(t *testing.T) {
	out := weightsToFloat([]policy.RegionWeight{{RegionIndex: 1, Weight: 0.75}}, 3)
	assert.Equal(t, []float64{0, 0.75, 0}, out)
}
