// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package perf

import (
	"errors"
	"testing"

	"github.com/cxlmemsim/cxlmemsim/internal/cpumodel"
	"github.com/stretchr/testify/assert"
)

type fakeMmapCounter struct {
	total uint64
	err  error
	closed bool
}

func (f *fakeMmapCounter) Count() (uint64, error) { return f.total, f.err }
func (f *fakeMmapCounter) Close() error        { f.closed = true; return nil }

func TestHWPerfSourceReadFoldsMmapCounter(t *testing.T) {
	s := NewHWPerfSource(0, -1, cpumodel.Model{Family: 6, Model: 0x55}, nil)
	counter := &fakeMmapCounter{total: 42}
	s.SetMmapCounter(counter)

	cs, _, err := s.Read()
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), cs.MmapEventCount)
}

func TestHWPerfSourceReadSurvivesMmapCounterError(t *testing.T) {
	s := NewHWPerfSource(0, -1, cpumodel.Model{Family: 6, Model: 0x55}, nil)
	s.SetMmapCounter(&fakeMmapCounter{err: errors.New("ring buffer closed")})

	cs, _, err := s.Read()
	assert.NoError(t, err)
	assert.Zero(t, cs.MmapEventCount)
}

func TestHWPerfSourceStopClosesMmapCounter(t *testing.T) {
	s := NewHWPerfSource(0, -1, cpumodel.Model{Family: 6, Model: 0x55}, nil)
	counter := &fakeMmapCounter{}
	s.SetMmapCounter(counter)

	assert.NoError(t, s.Stop())
	assert.True(t, counter.closed)
}

func TestHWPerfSourceStopWithoutStartIsNoop(t *testing.T) {
	s := NewHWPerfSource(0, -1, cpumodel.Model{Family: 6, Model: 0x55}, nil)
	assert.NoError(t, s.Stop())
}

func TestHWPerfSourceStart(t *testing.T) {
	s := NewHWPerfSource(0, -1, cpumodel.Model{Family: 6, Model: 0x55}, nil)
	if err := s.Start(); err != nil {
		t.Skipf("Skipping real system test: perf_event_open unavailable in this sandbox: %v", err)
	}
	defer func() { _ = s.Stop() }()

	cs, cbo, err := s.Read()
	assert.NoError(t, err)
	_ = cs
	_ = cbo
}
