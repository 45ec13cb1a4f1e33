// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package perf samples the hardware performance counters the attribution
// engine needs for one epoch of one thread and §4.1.
package perf

// CounterSample is one per-epoch snapshot for one thread. All fields are
// monotonically non-decreasing raw 64-bit counters; Delta computes the
// saturating difference against an earlier snapshot.
type CounterSample struct {
	AllDRAMRds    uint64 // CPU-wide DRAM reads by core + prefetcher
	CPUL2StallT   uint64 // cycles stalled behind L2
	CPULLCLHits   uint64
	CPULLCLMiss   uint64
	CPUBandwidthRead uint64
	CPUBandwidthWrite uint64
	MmapEventCount  uint64 // optional, produced by the BPF trace pipe; 0 if unavailable
}

// Delta returns the saturating per-epoch difference c-prev. Saturating
// means a counter that appears to have gone backwards (a reset the caller
// didn't observe) contributes zero rather than a huge wrapped value.
func (c CounterSample) Delta(prev CounterSample) CounterSample {
	return CounterSample{
		AllDRAMRds:    satSub(c.AllDRAMRds, prev.AllDRAMRds),
		CPUL2StallT:    satSub(c.CPUL2StallT, prev.CPUL2StallT),
		CPULLCLHits:    satSub(c.CPULLCLHits, prev.CPULLCLHits),
		CPULLCLMiss:    satSub(c.CPULLCLMiss, prev.CPULLCLMiss),
		CPUBandwidthRead: satSub(c.CPUBandwidthRead, prev.CPUBandwidthRead),
		CPUBandwidthWrite: satSub(c.CPUBandwidthWrite, prev.CPUBandwidthWrite),
		MmapEventCount:  satSub(c.MmapEventCount, prev.MmapEventCount),
	}
}

// CBoSample is a per-CBo (LLC slice) snapshot; only the writeback count is
// consumed by attribution.
type CBoSample struct {
	LLCWb uint64
}

func (c CBoSample) Delta(prev CBoSample) CBoSample {
	return CBoSample{LLCWb: satSub(c.LLCWb, prev.LLCWb)}
}

// PebsSample is a per-thread PEBS result: a total sample count plus a
// per-region histogram of samples whose address fell in that region. Only
// meaningful when num_of_region >= 2.
type PebsSample struct {
	Total uint64
	Sample []uint64 // sample[region_index]
}

func (p PebsSample) Delta(prev PebsSample) PebsSample {
	out := PebsSample{Total: satSub(p.Total, prev.Total)}
	if len(p.Sample) == 0 {
		return out
	}
	out.Sample = make([]uint64, len(p.Sample))
	for i := range p.Sample {
		var prevV uint64
		if i < len(prev.Sample) {
			prevV = prev.Sample[i]
		}
		out.Sample[i] = satSub(p.Sample[i], prevV)
	}
	return out
}

func satSub(a, b uint64) uint64 {
	if a <= b {
		return 0
	}
	return a - b
}
