// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpumodel is an external collaborator boundary: the CPU-model
// table that maps a CPU family/model pair to event selector constants is
// out of scope for the core control loop, whose contract is specified
// only at the boundary. This package is that boundary: a small,
// swappable lookup from (family, model) to the raw PMU event selectors
// PerfSource opens.
package cpumodel

import "fmt"

// EventSelectors is the raw perf_event_open selector set for one CPU
// model's seven event slots .
type EventSelectors struct {
	AllDRAMRds   uint64
	L2StallT    uint64
	LLCHits    uint64
	LLCMiss    uint64
	BandwidthRead uint64
	BandwidthWrite uint64
	CBoWriteback  uint64
}

// Model identifies a CPU by its family/model ID pair, as reported in
// /proc/cpuinfo or CPUID leaf 1.
type Model struct {
	Family int
	Model int
}

// table holds the known selector sets. Entries here are Skylake-SP and
// Ice Lake-SP server parts; an unlisted model falls back to the
// Skylake-SP selectors via Lookup, which is almost always close enough
// for the OFFCORE_RESPONSE/uncore CAS-count events this emulator reads.
var table = map[Model]EventSelectors{
	{Family: 6, Model: 0x55}: { // Skylake-SP / Cascade Lake-SP / Cooper Lake
		AllDRAMRds: 0x01b7, L2StallT: 0x05a2,
		LLCHits: 0x4f2e, LLCMiss: 0x412e,
		BandwidthRead: 0x0135, BandwidthWrite: 0x0235,
		CBoWriteback: 0x0137,
	},
	{Family: 6, Model: 0x6a}: { // Ice Lake-SP
		AllDRAMRds: 0x01b7, L2StallT: 0x05a2,
		LLCHits: 0x4f2e, LLCMiss: 0x412e,
		BandwidthRead: 0x0304, BandwidthWrite: 0x0c04,
		CBoWriteback: 0x0237,
	},
}

// DefaultModel is the fallback Lookup uses for an unrecognized model, and
// the model callers should pass when they have no CPUID detection of their
// own wired up.
var DefaultModel = Model{Family: 6, Model: 0x55}

var defaultSelectors = table[DefaultModel]

// Lookup returns the event selectors for m, or the Skylake-SP default if m
// is not a recognized model.
func Lookup(m Model) EventSelectors {
	if s, ok := table[m]; ok {
		return s
	}
	return defaultSelectors
}

// String renders a Model the way /proc/cpuinfo reports it.
func (m Model) String() string {
	return fmt.Sprintf("family %d model 0x%x", m.Family, m.Model)
}
