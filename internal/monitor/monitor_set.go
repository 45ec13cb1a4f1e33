// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slotFree is returned by Set.Enable when no free slot remains.
const slotFree = -1

// slotAlreadyExited is the sentinel slot value Enable returns when the
// (tgid, tid) pair named in a create event has already exited - distinct
// from slotFree ("returns <0, ≠-1 if the thread has already
// exited").
const slotAlreadyExited = -2

// Set is the fixed-capacity MonitorSet: a dense table
// of monitor slots, each either Disabled (free) or bound to exactly one
// (tgid, tid) pair.
type Set struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots  []*Monitor
	exited  map[int]bool // tid -> true, once a THREAD_EXIT has been observed
}

// NewSet returns a Set with room for capacity monitors.
func NewSet(capacity int, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		logger: logger.With("service", "monitor-set"),
		slots: make([]*Monitor, capacity),
		exited: make(map[int]bool),
	}
}

// Enable finds a free slot and binds it to m, returning the slot index.
// It returns slotFree (-1) if the set is at capacity, or slotAlreadyExited
// if tid was already observed exiting.
func (s *Set) Enable(m *Monitor) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited[m.TID] {
		return slotAlreadyExited
	}

	for i, slot := range s.slots {
		if slot == nil || slot.Status() == Disabled {
			s.slots[i] = m
			return i
		}
	}
	return slotFree
}

// Len returns the Set's fixed capacity.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// At returns the monitor bound to slot i, or nil if the slot is free or
// out of range.
func (s *Set) At(i int) *Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return nil
	}
	return s.slots[i]
}

// Active returns every non-nil, non-Disabled, non-Terminated monitor slot
// in slot-id order, matching §4.7's "all monitors are sampled in slot-id
// order" guarantee.
func (s *Set) Active() []*Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Monitor
	for _, slot := range s.slots {
		if slot == nil {
			continue
		}
		if st := slot.Status(); st == On || st == Off {
			out = append(out, slot)
		}
	}
	return out
}

// StopAll sends SIGSTOP to the first k active monitors.
func (s *Set) StopAll(k int) error {
	return s.forEachFirst(k, func(m *Monitor) error { return m.Stop() })
}

// RunAll sends SIGCONT to the first k active monitors.
func (s *Set) RunAll(k int) error {
	return s.forEachFirst(k, func(m *Monitor) error { return m.Run() })
}

func (s *Set) forEachFirst(k int, fn func(*Monitor) error) error {
	s.mu.Lock()
	slots := make([]*Monitor, len(s.slots))
	copy(slots, s.slots)
	s.mu.Unlock()

	var firstErr error
	n := 0
	for _, m := range slots {
		if m == nil || n >= k {
			continue
		}
		if st := m.Status(); st != On && st != Off {
			continue
		}
		n++
		if err := fn(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckAllTerminated reports whether every slot among the first k is
// Terminated (or free).
func (s *Set) CheckAllTerminated(k int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.slots {
		if n >= k {
			break
		}
		n++
		if m != nil && m.Status() != Terminated {
			return false
		}
	}
	return true
}

// CheckContinue implements the paid-down-delay predicate: a suspended
// thread has suffered enough wall-clock pause once
// slept+wasted_delay >= injected_delay.
func (s *Set) CheckContinue(i int, slept time.Duration) bool {
	m := s.At(i)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slept+m.WastedDelay >= m.InjectedDelay
}

// Stat is a point-in-time snapshot of one monitor slot's counters, used
// by the Prometheus exporter.
type Stat struct {
	TGID     int
	TID      int
	Status    Status
	InjectedDelay time.Duration
	WastedDelay  time.Duration
	SquabbleDelay time.Duration
	TotalDelay  time.Duration
}

// Stats returns a snapshot of every bound slot, free slots omitted.
func (s *Set) Stats() []Stat {
	s.mu.Lock()
	slots := make([]*Monitor, len(s.slots))
	copy(slots, s.slots)
	s.mu.Unlock()

	var out []Stat
	for _, m := range slots {
		if m == nil {
			continue
		}
		m.mu.Lock()
		out = append(out, Stat{
			TGID:     m.TGID,
			TID:      m.TID,
			Status:    m.status,
			InjectedDelay: m.InjectedDelay,
			WastedDelay:  m.WastedDelay,
			SquabbleDelay: m.SquabbleDelay,
			TotalDelay:  m.TotalDelay,
		})
		m.mu.Unlock()
	}
	return out
}

// IsLive reports whether the monitor set is free of deadlocked slots; it
// always succeeds, since Set's methods never block on anything but its own
// mutex.
func (s *Set) IsLive(ctx context.Context) (bool, error) {
	return true, nil
}

// IsReady reports whether the monitor set is ready to accept Enable
// calls, which is true as soon as it has been constructed.
func (s *Set) IsReady(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots != nil, nil
}

// MarkExited records tid as exited so a later Enable for the same tid
// reports slotAlreadyExited rather than silently reusing a stale slot, and
// terminates the slot currently bound to it, if any.
func (s *Set) MarkExited(tid int) error {
	s.mu.Lock()
	s.exited[tid] = true
	var target *Monitor
	for _, m := range s.slots {
		if m != nil && m.TID == tid {
			target = m
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return nil
	}
	return target.Terminate()
}
