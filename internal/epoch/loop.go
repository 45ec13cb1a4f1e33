// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package epoch implements the top-level driver: drain the control
// socket, sleep one interval, sample every active
// monitor, invoke attribution, and apply the resulting delay via
// process-control signals, until every monitor has terminated.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cxlmemsim/cxlmemsim/internal/attribution"
	"github.com/cxlmemsim/cxlmemsim/internal/bpftrace"
	"github.com/cxlmemsim/cxlmemsim/internal/control"
	"github.com/cxlmemsim/cxlmemsim/internal/cpumodel"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/cxlmemsim/cxlmemsim/internal/perf"
	"github.com/cxlmemsim/cxlmemsim/internal/policy"
	"github.com/cxlmemsim/cxlmemsim/internal/simctx"
	"github.com/cxlmemsim/cxlmemsim/internal/topology"
	"k8s.io/utils/clock"
)

// defaultCPUModel is used to select event selectors when no per-host CPU
// detection is wired up; cpumodel.Lookup falls back to it anyway for an
// unrecognized model; but the epoch loop doesn't own CPUID probing
// (explicitly out of scope plumbing), so it names its
// default explicitly rather than guessing.
var defaultCPUModel = cpumodel.DefaultModel

// maxSquabble is the 40ms squabble ceiling named by the squabble rule below.
const maxSquabble = 40 * time.Millisecond

// Loop is the epoch-driven control loop. It implements service.Service and
// service.Runner so it can be handed to service.Run alongside the signal
// handler and any exporters.
type Loop struct {
	logger *slog.Logger
	ctx  *simctx.Context
	conn *net.UnixConn
	clock clock.Clock

	interval time.Duration
}

// New returns a Loop bound to ctx's monitor set and topology, reading
// control datagrams from conn.
func New(logger *slog.Logger, ctx *simctx.Context, conn *net.UnixConn) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger.With("service", "epoch-loop"),
		ctx:   ctx,
		conn:   conn,
		clock:  clock.RealClock{},
		interval: time.Duration(ctx.Config.Epoch.IntervalMS) * time.Millisecond,
	}
}

func (l *Loop) Name() string { return "epoch-loop" }

// Run drives the epoch state machine until ctx is cancelled or every
// monitor has terminated.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("epoch loop starting", "interval", l.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.drainControlSocket(); err != nil {
			l.logger.Warn("error draining control socket", "error", err)
		}

		slept, err := l.sleepInterval(ctx)
		if err != nil {
			return err
		}

		for _, m := range l.ctx.Monitors.Active() {
			l.runEpochWork(m, slept)
		}

		active := len(l.ctx.Monitors.Active())
		if active == 0 || l.ctx.Monitors.CheckAllTerminated(l.ctx.Monitors.Len()) {
			l.logger.Info("all monitors terminated, exiting epoch loop")
			return nil
		}
	}
}

// sleepInterval sleeps for the configured interval, re-entering on EINTR
// with the remaining time. Go's time.Sleep already
// accounts for signal interruption internally, so the robustness
// requirement reduces to measuring actual elapsed sleep for the wasted/
// squabble accounting below.
func (l *Loop) sleepInterval(ctx context.Context) (time.Duration, error) {
	start := l.clock.Now()
	timer := l.clock.NewTimer(l.interval)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-ctx.Done():
		return l.clock.Now().Sub(start), nil
	}
	return l.clock.Now().Sub(start), nil
}

// drainControlSocket performs non-blocking reads until EAGAIN, dispatching
// each decoded datagram.
func (l *Loop) drainControlSocket() error {
	if l.conn == nil {
		return nil
	}

	buf := make([]byte, 4096)
	for {
		if err := l.conn.SetReadDeadline(time.Now()); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := l.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return fmt.Errorf("read control socket: %w", err)
		}

		msg, decodeErr := control.Decode(buf[:n])
		if decodeErr != nil {
			if errors.Is(decodeErr, control.ErrUnknownOpcode) {
				l.logger.Warn("unknown control opcode, skipping", "opcode", msg.Opcode)
				continue
			}
			return fmt.Errorf("fatal control decode error: %w", decodeErr)
		}
		l.handleMessage(msg)
	}
}

func (l *Loop) handleMessage(msg control.Message) {
	switch msg.Opcode {
	case control.ProcessCreate, control.ThreadCreate:
		l.handleCreate(msg)
	case control.ThreadExit:
		if err := l.ctx.Monitors.MarkExited(msg.TID); err != nil {
			l.logger.Warn("error terminating exited thread", "tid", msg.TID, "error", err)
		}
	}
}

func (l *Loop) handleCreate(msg control.Message) {
	var regions []*topology.Region
	for _, rr := range msg.Regions {
		regions = append(regions, &topology.Region{
			ID:      rr.ID,
			ReadLatencyNS: rr.ReadLatencyNS,
			WriteLatencyNS: rr.WriteLatencyNS,
			ReadBWMbps:   rr.ReadBWMbps,
			WriteBWMbps:  rr.WriteBWMbps,
			CapacityMB:   rr.CapacityMB,
		})
	}

	m, err := l.newMonitor(msg.TGID, msg.TID, regions)
	if err != nil {
		l.logger.Warn("failed to create monitor", "tgid", msg.TGID, "tid", msg.TID, "error", err)
		return
	}

	slot := l.ctx.Monitors.Enable(m)
	if slot < 0 {
		l.logger.Warn("could not enable monitor", "tgid", msg.TGID, "tid", msg.TID, "slot_result", slot)
		return
	}
	l.logger.Info("monitor enabled", "tgid", msg.TGID, "tid", msg.TID, "slot", slot)
}

// newMonitor builds a Monitor for (tgid, tid): a hardware PerfSource, an
// optional auxiliary mmap(2) counter if one is configured, and the given
// region layout (if any) armed for hybrid PEBS attribution.
func (l *Loop) newMonitor(tgid, tid int, regions []*topology.Region) (*monitor.Monitor, error) {
	source := perf.NewHWPerfSource(tid, -1, defaultCPUModel, l.logger)
	if objPath := l.ctx.Config.BPFObjectPath; objPath != "" {
		counter, err := bpftrace.NewCounter(objPath, uint32(tgid))
		if err != nil {
			l.logger.Warn("mmap counter unavailable, continuing without it", "tgid", tgid, "error", err)
		} else {
			source.SetMmapCounter(counter)
		}
	}
	m, err := monitor.New(tgid, tid, -1, source, l.logger)
	if err != nil {
		return nil, err
	}
	if len(regions) >= 2 {
		m.SetRegionInfo(regions, uint64(l.ctx.Config.Epoch.PEBSPeriod))
	}
	return m, nil
}

// EnableTarget registers a monitor for a process launched directly by this
// process (the --target workload), rather than one announced over the
// control socket. It is the startup counterpart to handleCreate's
// PROCESS_CREATE/THREAD_CREATE path, covering the common case of a target
// that never announces itself.
func (l *Loop) EnableTarget(pid int) error {
	m, err := l.newMonitor(pid, pid, nil)
	if err != nil {
		return fmt.Errorf("create monitor for target pid %d: %w", pid, err)
	}
	slot := l.ctx.Monitors.Enable(m)
	if slot < 0 {
		return fmt.Errorf("no free monitor slot for target pid %d", pid)
	}
	l.logger.Info("monitor enabled for launched target", "pid", pid, "slot", slot)
	return nil
}

// runEpochWork samples and attributes delay for one monitor's epoch.
func (l *Loop) runEpochWork(m *monitor.Monitor, slept time.Duration) {
	switch m.Status() {
	case monitor.On:
		l.runOnWork(m)
	case monitor.Off:
		l.runOffWork(m, slept)
	}
}

func (l *Loop) runOnWork(m *monitor.Monitor) {
	start := l.clock.Now()

	cs, cbo, err := m.Source.Read()
	if err != nil {
		l.logger.Warn("perf read failed", "tid", m.TID, "error", err)
		return
	}

	pebs := m.Before().Pebs
	if m.NumRegions >= 2 {
		if sample, perr := m.Source.ReadPebs(); perr != nil {
			l.logger.Warn("pebs read failed, carrying forward the last sample", "tid", m.TID, "error", perr)
		} else {
			pebs = sample
		}
	}
	m.SetAfter(monitor.EpochSnapshot{CPU: cs, CBo: cbo, Pebs: pebs})

	before, after := m.Before(), m.After()
	cpuDelta := after.CPU.Delta(before.CPU)
	cboDelta := after.CBo.Delta(before.CBo)

	regions := l.regionLatenciesFor(m)
	weights := l.ctx.Policy.Distribute(after.Pebs.Delta(before.Pebs), len(regions))

	in := attribution.Input{
		L2StallCycles: cpuDelta.CPUL2StallT,
		Hits:     cpuDelta.CPULLCLHits,
		CoreMiss:   cpuDelta.CPULLCLMiss,
		PEBSMiss:   after.Pebs.Delta(before.Pebs).Total,
		NumRegions:  m.NumRegions,
		WbTotal:    cboDelta.LLCWb,
		ReadsTotal:  cpuDelta.AllDRAMRds,
		Weight:    l.ctx.Config.Epoch.Weight,
		FrequencyMHz: l.ctx.Config.Epoch.FrequencyMHz,
		DRAMLatencyNS: float64(l.ctx.Config.Epoch.DRAMLatencyNS),
		Regions:    regions,
		Weights:    weightsToFloat(weights, len(regions)),
	}

	result := attribution.Compute(in, l.logger)
	overhead := l.clock.Now().Sub(start)

	compensated := time.Duration(result.DelayNS) - overhead
	if compensated < 0 {
		compensated = 0
	}

	m.InjectedDelay += compensated
	m.TotalDelay += compensated
	m.SwapBuffers()

	if compensated == 0 {
		if err := m.Run(); err != nil {
			l.logger.Warn("failed to resume monitor", "tid", m.TID, "error", err)
		}
		return
	}
	if err := m.Stop(); err != nil {
		l.logger.Warn("failed to stop monitor", "tid", m.TID, "error", err)
	}
}

func (l *Loop) runOffWork(m *monitor.Monitor, slept time.Duration) {
	m.WastedDelay += slept

	// slept was already folded into m.WastedDelay above; pass 0 here so
	// CheckContinue's slept+wasted>=injected check doesn't double-count it.
	if l.ctx.Monitors.CheckContinue(l.slotOf(m), 0) {
		m.WastedDelay = 0
		m.InjectedDelay = 0
		if err := m.Run(); err != nil {
			l.logger.Warn("failed to resume monitor after pay-down", "tid", m.TID, "error", err)
		}
		return
	}

	l.applySquabbleRule(m)
}

// applySquabbleRule resolves unpaid delay once a monitor's wasted time
// reaches one interval: the remainder is added to the squabble; under the
// 40ms ceiling the debt is cleared and the monitor resumed, otherwise the
// squabble is rolled back into InjectedDelay.
func (l *Loop) applySquabbleRule(m *monitor.Monitor) {
	if m.WastedDelay < l.interval {
		return
	}

	remain := m.InjectedDelay - m.WastedDelay
	if remain <= 0 {
		return
	}

	m.SquabbleDelay += remain
	if m.SquabbleDelay < maxSquabble {
		m.WastedDelay = 0
		m.InjectedDelay = 0
		m.SquabbleDelay = 0
		if err := m.Run(); err != nil {
			l.logger.Warn("failed to resume monitor after squabble pay-down", "tid", m.TID, "error", err)
		}
		return
	}

	m.InjectedDelay += m.SquabbleDelay
	m.SquabbleDelay = 0
}

func (l *Loop) slotOf(m *monitor.Monitor) int {
	for i := 0; i < l.ctx.Monitors.Len(); i++ {
		if l.ctx.Monitors.At(i) == m {
			return i
		}
	}
	return -1
}

func (l *Loop) regionLatenciesFor(m *monitor.Monitor) []attribution.RegionLatency {
	if len(m.Regions) > 0 {
		out := make([]attribution.RegionLatency, len(m.Regions))
		for i, r := range m.Regions {
			out[i] = attribution.RegionLatency{ReadLatencyNS: r.ReadLatencyNS, WriteLatencyNS: r.WriteLatencyNS}
		}
		return out
	}

	if r := l.ctx.Topology.Region(0); r != nil {
		return []attribution.RegionLatency{{ReadLatencyNS: r.ReadLatencyNS, WriteLatencyNS: r.WriteLatencyNS}}
	}
	return nil
}

func weightsToFloat(w []policy.RegionWeight, n int) []float64 {
	out := make([]float64, n)
	for _, rw := range w {
		if rw.RegionIndex >= 0 && rw.RegionIndex < n {
			out[rw.RegionIndex] = rw.Weight
		}
	}
	return out
}
