// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides, given a PEBS sample, which emulated region(s) a
// miss should be attributed to
package policy

import (
	"sort"

	"github.com/cxlmemsim/cxlmemsim/internal/perf"
)

// RegionWeight is one region's share of attribution for an epoch; weights
// across a Distribute call sum to 1.0.
type RegionWeight struct {
	RegionIndex int
	Weight   float64
}

// Policy is consulted once per epoch per monitor to split a miss count
// across the num regions known to that monitor.
type Policy interface {
	Distribute(sample perf.PebsSample, numRegions int) []RegionWeight
}

// Interleave is the only concrete Policy in scope . With no
// PEBS data, or PEBS data whose Total is 0 for the epoch, it falls back to
// an even 1/numRegions split; otherwise weights are proportional to
// sample.Sample[i]/sample.Total. Ties are broken stably by region index
// ascending: Distribute orders its result with a stable sort by region
// index.
type Interleave struct{}

var _ Policy = Interleave{}

func (Interleave) Distribute(sample perf.PebsSample, numRegions int) []RegionWeight {
	if numRegions <= 0 {
		return nil
	}

	if sample.Total == 0 || len(sample.Sample) == 0 {
		return evenSplit(numRegions)
	}

	out := make([]RegionWeight, 0, numRegions)
	for i := 0; i < numRegions; i++ {
		var count uint64
		if i < len(sample.Sample) {
			count = sample.Sample[i]
		}
		out = append(out, RegionWeight{
			RegionIndex: i,
			Weight:   float64(count) / float64(sample.Total),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].RegionIndex < out[j].RegionIndex })
	return out
}

func evenSplit(numRegions int) []RegionWeight {
	out := make([]RegionWeight, numRegions)
	share := 1.0 / float64(numRegions)
	for i := range out {
		out[i] = RegionWeight{RegionIndex: i, Weight: share}
	}
	return out
}
