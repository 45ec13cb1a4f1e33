// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package bpftrace is an external collaborator boundary: eBPF trace pipe
// reading for the auxiliary mmap_event_count source is out of scope for
// the core control loop, whose contract is specified only at the
// boundary. This package is that boundary: it loads a small CO-RE
// program that counts mmap(2) calls made by a traced tgid and exposes a
// running total via a ring buffer.
package bpftrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

// Counter exposes the running mmap(2) count for a traced tgid. Count is
// called once per epoch from the Epoch Loop to populate
// CounterSample.MmapEventCount; it is a plain accumulator, not a delta -
// perf.CounterSample.Delta handles the saturating subtraction.
type Counter interface {
	Count() (uint64, error)
	Close() error
}

// ebpfCounter attaches a tracepoint program (object file supplied by the
// build, not embedded here) and drains its ring buffer into a running
// total for one tgid.
type ebpfCounter struct {
	coll *ebpf.Collection
	link link.Link
	rd  *ringbuf.Reader
	tgid uint32
	total uint64
}

var _ Counter = (*ebpfCounter)(nil)

// NewCounter loads objectFile (a compiled CO-RE mmap-count program),
// attaches it to the sys_enter_mmap tracepoint, and starts draining its
// "events" ring buffer map, counting only records tagged with tgid.
func NewCounter(objectFile string, tgid uint32) (*ebpfCounter, error) {
	spec, err := ebpf.LoadCollectionSpec(objectFile)
	if err != nil {
		return nil, fmt.Errorf("bpftrace: load spec %s: %w", objectFile, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("bpftrace: load collection: %w", err)
	}

	prog, ok := coll.Programs["trace_mmap_enter"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("bpftrace: program %q not found in %s", "trace_mmap_enter", objectFile)
	}

	tp, err := link.Tracepoint("syscalls", "sys_enter_mmap", prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("bpftrace: attach tracepoint: %w", err)
	}

	m, ok := coll.Maps["events"]
	if !ok {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("bpftrace: ring buffer map %q not found", "events")
	}

	rd, err := ringbuf.NewReader(m)
	if err != nil {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("bpftrace: open ring buffer: %w", err)
	}

	return &ebpfCounter{coll: coll, link: tp, rd: rd, tgid: tgid}, nil
}

// Count drains every record currently queued in the ring buffer,
// accumulating those tagged with this Counter's tgid, and returns the
// running total. It never blocks: an immediate deadline turns Read into a
// poll, so a quiet epoch with no mmap traffic returns promptly.
func (c *ebpfCounter) Count() (uint64, error) {
	if err := c.rd.SetDeadline(time.Now()); err != nil {
		return c.total, fmt.Errorf("bpftrace: set deadline: %w", err)
	}

	for {
		rec, err := c.rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ringbuf.ErrClosed) {
				return c.total, nil
			}
			return c.total, fmt.Errorf("bpftrace: read ring buffer: %w", err)
		}
		if len(rec.RawSample) < 4 {
			continue
		}
		if binary.LittleEndian.Uint32(rec.RawSample[:4]) == c.tgid {
			c.total++
		}
	}
}

// Close releases the ring buffer reader, the tracepoint link, and the
// loaded program collection, in that order.
func (c *ebpfCounter) Close() error {
	var firstErr error
	if err := c.rd.Close(); err != nil {
		firstErr = err
	}
	if err := c.link.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.coll.Close()
	return firstErr
}
