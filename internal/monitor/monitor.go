// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor implements the per-thread lifecycle container and its
// fixed-capacity collection and §4.6.
package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cxlmemsim/cxlmemsim/internal/perf"
	"github.com/cxlmemsim/cxlmemsim/internal/topology"
	"golang.org/x/sys/unix"
)

// Status is a Monitor's lifecycle state
type Status int

const (
	Disabled Status = iota
	On
	Off
	Terminated
)

func (s Status) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case On:
		return "on"
	case Off:
		return "off"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EpochSnapshot is one of a Monitor's two owned before/after buffers.
type EpochSnapshot struct {
	CPU perf.CounterSample
	CBo perf.CBoSample
	Pebs perf.PebsSample
}

// signaler abstracts process-control signal delivery so tests can avoid
// sending real signals; unixSignaler is the production implementation.
type signaler interface {
	Stop(tid int) error
	Run(tid int) error
}

type unixSignaler struct{}

func (unixSignaler) Stop(tid int) error { return unix.Kill(tid, unix.SIGSTOP) }
func (unixSignaler) Run(tid int) error { return unix.Kill(tid, unix.SIGCONT) }

// Monitor is the per-thread lifecycle container: signal-based
// suspend/resume, a PerfSource bound to the thread, two
// swapped snapshot buffers, and three timing accumulators.
type Monitor struct {
	logger *slog.Logger
	sig  signaler

	TGID  int
	TID   int
	CPUCore int

	mu   sync.Mutex
	status Status

	before, after EpochSnapshot

	InjectedDelay time.Duration
	WastedDelay  time.Duration
	SquabbleDelay time.Duration
	TotalDelay  time.Duration

	NumRegions int
	Regions  []*topology.Region

	Source  perf.Source
	PEBSPeriod uint64
}

// New returns a Monitor bound to tgid/tid, with source started against
// cpuCore. The Monitor begins in Off; the caller transitions it to On
// after the first baseline snapshot is read .
func New(tgid, tid, cpuCore int, source perf.Source, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger: logger.With("service", "monitor", "tgid", tgid, "tid", tid),
		sig:   unixSignaler{},
		TGID:  tgid,
		TID:   tid,
		CPUCore: cpuCore,
		status: Off,
		Source: source,
	}
	if err := source.Start(); err != nil {
		return nil, fmt.Errorf("starting perf source for tid %d: %w", tid, err)
	}
	return m, nil
}

// Status returns the Monitor's current lifecycle state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Stop suspends the thread (SIGSTOP) and marks the Monitor Off.
func (m *Monitor) Stop() error {
	if err := m.sig.Stop(m.TID); err != nil {
		return fmt.Errorf("SIGSTOP tid %d: %w", m.TID, err)
	}
	m.setStatus(Off)
	return nil
}

// Run resumes the thread (SIGCONT) and marks the Monitor On.
func (m *Monitor) Run() error {
	if err := m.sig.Run(m.TID); err != nil {
		return fmt.Errorf("SIGCONT tid %d: %w", m.TID, err)
	}
	m.setStatus(On)
	return nil
}

// Terminate releases the Monitor's PerfSource and marks the slot
// Terminated. Safe to call more than once.
func (m *Monitor) Terminate() error {
	m.setStatus(Terminated)
	if m.Source == nil {
		return nil
	}
	return m.Source.Stop()
}

// SetRegionInfo records the region layout observed for this thread and
// arms address-tagged PEBS sampling against it. A source that can't arm
// PEBS (no hardware support, permission denied) only loses hybrid-region
// attribution, not the monitor itself, so the failure is logged and
// swallowed rather than propagated.
func (m *Monitor) SetRegionInfo(regions []*topology.Region, pebsPeriod uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Regions = regions
	m.NumRegions = len(regions)
	m.PEBSPeriod = pebsPeriod
	m.before.Pebs.Sample = make([]uint64, len(regions))
	m.after.Pebs.Sample = make([]uint64, len(regions))

	if len(regions) < 2 || m.Source == nil {
		return
	}
	bounds := regionAddressBounds(regions)
	if err := m.Source.StartPebs(pebsPeriod, bounds); err != nil {
		m.logger.Warn("pebs sampling unavailable, hybrid attribution will see zero misses", "error", err)
	}
}

// regionAddressBounds partitions the address space into len(regions)
// ascending, cumulative byte-offset bounds proportional to each region's
// declared capacity, so a sampled address can be bucketed against the
// region it landed in via a single binary search. Regions with no
// declared capacity (all CapacityMB == 0) fall back to an even partition
// of the full address range.
func regionAddressBounds(regions []*topology.Region) []uint64 {
	bounds := make([]uint64, len(regions))
	var total float64
	for _, r := range regions {
		total += r.CapacityMB
	}
	if total <= 0 {
		step := ^uint64(0) / uint64(len(regions))
		for i := range bounds {
			bounds[i] = step * uint64(i+1)
		}
		bounds[len(bounds)-1] = ^uint64(0)
		return bounds
	}

	var cumulative float64
	for i, r := range regions {
		cumulative += r.CapacityMB
		bounds[i] = uint64(cumulative / total * float64(^uint64(0)))
	}
	bounds[len(bounds)-1] = ^uint64(0)
	return bounds
}

// After returns the most recently read snapshot, for the caller to feed
// into the Attribution Engine.
func (m *Monitor) After() EpochSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.after
}

// Before returns the epoch's baseline snapshot.
func (m *Monitor) Before() EpochSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.before
}

// SetAfter stores the snapshot just read from PerfSource as this epoch's
// "after" value, to be diffed against Before() by the caller.
func (m *Monitor) SetAfter(s EpochSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.after = s
}

// SwapBuffers makes the just-read "after" snapshot the new "before"
// baseline for the next epoch - ownership exchange of two owned buffers,
// not aliasing .
func (m *Monitor) SwapBuffers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before, m.after = m.after, m.before
}
