// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package perf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cxlmemsim/cxlmemsim/internal/bpftrace"
	"github.com/cxlmemsim/cxlmemsim/internal/cpumodel"
	"golang.org/x/sys/unix"
)

// slot names one of the seven fixed hardware event file descriptors a
// Source keeps open per thread
type slot int

const (
	slotAllDRAMRds slot = iota
	slotL2StallT
	slotLLCHits
	slotLLCMiss
	slotBandwidthRead
	slotBandwidthWrite
	slotCBoWb
	numSlots
)

// eventConfig describes one perf_event_open request: the attr fields that
// select the raw or typed hardware event a slot reads.
type eventConfig struct {
	typ  uint32
	config uint64
}

// eventsFor translates the cpumodel external collaborator's selector
// table into the seven perf_event_attr requests a Source opens. Two slots
// (LLC hits/misses) use the generic PERF_TYPE_HARDWARE cache events rather
// than the model-specific raw selector, since every x86 PMU implements them.
func eventsFor(sel cpumodel.EventSelectors) map[slot]eventConfig {
	return map[slot]eventConfig{
		slotAllDRAMRds:   {typ: unix.PERF_TYPE_RAW, config: sel.AllDRAMRds},
		slotL2StallT:    {typ: unix.PERF_TYPE_RAW, config: sel.L2StallT},
		slotLLCHits:    {typ: unix.PERF_TYPE_HARDWARE, config: unix.PERF_COUNT_HW_CACHE_REFERENCES},
		slotLLCMiss:    {typ: unix.PERF_TYPE_HARDWARE, config: unix.PERF_COUNT_HW_CACHE_MISSES},
		slotBandwidthRead: {typ: unix.PERF_TYPE_RAW, config: sel.BandwidthRead},
		slotBandwidthWrite: {typ: unix.PERF_TYPE_RAW, config: sel.BandwidthWrite},
		slotCBoWb:     {typ: unix.PERF_TYPE_RAW, config: sel.CBoWriteback},
	}
}

// Source samples one CounterSample and one CBoSample per epoch for a
// target thread. Read is called once per epoch from the epoch loop; it is
// not safe for concurrent use by more than one goroutine. StartPebs/
// ReadPebs/StopPebs are only exercised once a monitor's region layout
// makes address-tagged PEBS sampling meaningful (num_of_region >= 2).
type Source interface {
	Start() error
	Stop() error
	Read() (CounterSample, CBoSample, error)

	// StartPebs arms address-tagged PEBS sampling, bucketing each sampled
	// address against bounds: the ascending, cumulative upper byte bound
	// of each emulated region in index order. Calling it twice without an
	// intervening StopPebs is a no-op.
	StartPebs(period uint64, bounds []uint64) error
	// ReadPebs returns the running per-region sample totals accumulated
	// since StartPebs, draining whatever the ring buffer has queued since
	// the last call. It returns the zero PebsSample if PEBS was never
	// armed.
	ReadPebs() (PebsSample, error)
	// StopPebs releases the PEBS ring. Safe to call even if StartPebs was
	// never invoked.
	StopPebs() error
}

// hwPerfSource opens one perf_event_open fd per slot against a single
// (pid, cpu) pair; the fds are not grouped, so each counter is read
// separately. Modeled on
// a perf-counter reader: a map of open fds guarded by a mutex, with Close
// (here Stop) iterating the map and joining errors rather than failing
// fast on the first one.
type hwPerfSource struct {
	tid  int
	cpu  int
	events map[slot]eventConfig
	fds  map[slot]int
	logger *slog.Logger
	mu   sync.Mutex

	mmapCounter bpftrace.Counter

	pebs    *pebsRing
	pebsBounds []uint64
	pebsTotals []uint64
	pebsTotal uint64
}

var _ Source = (*hwPerfSource)(nil)

// NewHWPerfSource returns a Source that reads hardware counters for thread
// tid pinned to cpu, using model's event selectors. cpu may be -1 to let
// the kernel sample across whichever CPU tid is currently running on.
func NewHWPerfSource(tid, cpu int, model cpumodel.Model, logger *slog.Logger) *hwPerfSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &hwPerfSource{
		tid:  tid,
		cpu:  cpu,
		events: eventsFor(cpumodel.Lookup(model)),
		fds:  make(map[slot]int),
		logger: logger.With("service", "perf-source", "tid", tid),
	}
}

// Start opens all seven event fds. On any failure it closes whatever was
// already opened and returns the error, leaving the Source reusable after
// the caller fixes the underlying condition (e.g. raises perf_event_paranoid).
func (h *hwPerfSource) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := slot(0); s < numSlots; s++ {
		ev, ok := h.events[s]
		if !ok {
			continue
		}
		attr := &unix.PerfEventAttr{
			Type:  ev.typ,
			Size:  uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Config: ev.config,
			Bits:  unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		}
		fd, err := unix.PerfEventOpen(attr, h.tid, h.cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			if closeErr := h.closeLocked(); closeErr != nil {
				h.logger.Warn("failed to close perf fds after a failed open", "error", closeErr)
			}
			return fmt.Errorf("perf_event_open slot %d: %w", s, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			_ = unix.Close(fd)
			if closeErr := h.closeLocked(); closeErr != nil {
				h.logger.Warn("failed to close perf fds after a failed enable", "error", closeErr)
			}
			return fmt.Errorf("enable slot %d: %w", s, err)
		}
		h.fds[s] = fd
	}

	h.logger.Debug("perf source started", "fds", len(h.fds))
	return nil
}

// SetMmapCounter attaches an optional auxiliary mmap(2) counter: Read folds
// its running total into CounterSample.MmapEventCount for every subsequent
// call. Passing nil disables it again, leaving MmapEventCount at zero.
func (h *hwPerfSource) SetMmapCounter(c bpftrace.Counter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mmapCounter = c
}

// Stop closes all open fds, the mmap counter, and the PEBS ring, if any,
// returning the first error encountered, having still attempted every
// close.
func (h *hwPerfSource) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.closeLocked()
	if h.mmapCounter != nil {
		if cerr := h.mmapCounter.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close mmap counter: %w", cerr)
		}
		h.mmapCounter = nil
	}
	if h.pebs != nil {
		if cerr := h.pebs.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close pebs ring: %w", cerr)
		}
		h.pebs = nil
	}
	return err
}

// StartPebs opens this thread's PEBS sampling ring, keyed to bounds. It is
// a no-op if PEBS sampling is already armed.
func (h *hwPerfSource) StartPebs(period uint64, bounds []uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pebs != nil {
		return nil
	}
	ring, err := newPebsRing(h.tid, period)
	if err != nil {
		return fmt.Errorf("start pebs sampling: %w", err)
	}
	h.pebs = ring
	h.pebsBounds = bounds
	h.pebsTotals = make([]uint64, len(bounds))
	return nil
}

// ReadPebs drains the PEBS ring and returns the running per-region totals.
func (h *hwPerfSource) ReadPebs() (PebsSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pebs == nil {
		return PebsSample{}, nil
	}

	addrs, err := h.pebs.drainAddrs()
	if err != nil {
		return PebsSample{}, fmt.Errorf("drain pebs ring: %w", err)
	}
	for _, addr := range addrs {
		idx := bucketRegion(addr, h.pebsBounds)
		h.pebsTotals[idx]++
		h.pebsTotal++
	}

	sample := PebsSample{Total: h.pebsTotal, Sample: make([]uint64, len(h.pebsTotals))}
	copy(sample.Sample, h.pebsTotals)
	return sample, nil
}

// StopPebs releases the PEBS ring independent of the other counter fds.
func (h *hwPerfSource) StopPebs() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pebs == nil {
		return nil
	}
	err := h.pebs.Close()
	h.pebs = nil
	return err
}

func (h *hwPerfSource) closeLocked() error {
	var firstErr error
	for s, fd := range h.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close slot %d: %w", s, err)
		}
	}
	h.fds = make(map[slot]int)
	return firstErr
}

// Read reads all open counters and packages them into a CounterSample and
// CBoSample. A slot with no open fd (event unsupported on this CPU model)
// contributes zero rather than an error: unavailable counters degrade
// gracefully rather than aborting the epoch.
func (h *hwPerfSource) Read() (CounterSample, CBoSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	read := func(s slot) (uint64, error) {
		fd, ok := h.fds[s]
		if !ok {
			return 0, nil
		}
		var buf [8]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			return 0, fmt.Errorf("read slot %d: %w", s, err)
		}
		if n != 8 {
			return 0, fmt.Errorf("read slot %d: short read (%d bytes)", s, n)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}

	var cs CounterSample
	var err error
	if cs.AllDRAMRds, err = read(slotAllDRAMRds); err != nil {
		return CounterSample{}, CBoSample{}, err
	}
	if cs.CPUL2StallT, err = read(slotL2StallT); err != nil {
		return CounterSample{}, CBoSample{}, err
	}
	if cs.CPULLCLHits, err = read(slotLLCHits); err != nil {
		return CounterSample{}, CBoSample{}, err
	}
	if cs.CPULLCLMiss, err = read(slotLLCMiss); err != nil {
		return CounterSample{}, CBoSample{}, err
	}
	if cs.CPUBandwidthRead, err = read(slotBandwidthRead); err != nil {
		return CounterSample{}, CBoSample{}, err
	}
	if cs.CPUBandwidthWrite, err = read(slotBandwidthWrite); err != nil {
		return CounterSample{}, CBoSample{}, err
	}

	var cbo CBoSample
	if cbo.LLCWb, err = read(slotCBoWb); err != nil {
		return CounterSample{}, CBoSample{}, err
	}

	if h.mmapCounter != nil {
		total, cerr := h.mmapCounter.Count()
		if cerr != nil {
			h.logger.Warn("mmap counter read failed, leaving MmapEventCount at zero for this sample", "error", cerr)
		} else {
			cs.MmapEventCount = total
		}
	}

	return cs, cbo, nil
}
