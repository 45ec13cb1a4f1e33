// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterSampleDeltaIsSaturating(t *testing.T) {
	prev := CounterSample{AllDRAMRds: 100, CPULLCLMiss: 50}
	cur := CounterSample{AllDRAMRds: 80, CPULLCLMiss: 120} // AllDRAMRds went "backwards"

	d := cur.Delta(prev)
	assert.Zero(t, d.AllDRAMRds)
	assert.Equal(t, uint64(70), d.CPULLCLMiss)
}

func TestPebsSampleDeltaHandlesShorterPrevSlice(t *testing.T) {
	prev := PebsSample{Total: 10, Sample: []uint64{4, 6}}
	cur := PebsSample{Total: 25, Sample: []uint64{9, 10, 6}}

	d := cur.Delta(prev)
	assert.Equal(t, uint64(15), d.Total)
	assert.Equal(t, []uint64{5, 4, 6}, d.Sample)
}

func TestCBoSampleDelta(t *testing.T) {
	prev := CBoSample{LLCWb: 200}
	cur := CBoSample{LLCWb: 350}
	assert.Equal(t, uint64(150), cur.Delta(prev).LLCWb)
}

func TestSatSubNeverUnderflows(t *testing.T) {
	assert.Zero(t, satSub(5, 10))
	assert.Equal(t, uint64(0), satSub(5, 5))
	assert.Equal(t, uint64(3), satSub(8, 5))
}
