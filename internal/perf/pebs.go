// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package perf

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pebsEventConfig selects MEM_INST_RETIRED.ALL_LOADS, a PEBS-capable raw
// event available on every CPU model this package targets. Address-tagged
// sampling needs PERF_SAMPLE_ADDR plus a precise_ip request, not a
// model-specific selector, so one config serves every cpumodel.Model.
const pebsEventConfig = 0x81d0

// pebsRingPages is the mmap'd ring size in 4K pages, excluding the leading
// metadata page. Must be a power of two.
const pebsRingPages = 8

// perfRecordHeader mirrors struct perf_event_header: a 4-byte type tag, a
// 2-byte misc field, and a 2-byte record size, all little-endian.
type perfRecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// pebsRing owns one perf_event_open fd configured for address-tagged PEBS
// sampling and its mmap'd ring buffer. Modeled on a perf_event ring buffer
// reader: the first mmap'd page is cast to *unix.PerfEventMmapPage to read
// the kernel's head/tail cursors, and records live in the pages after it.
type pebsRing struct {
	fd   int
	mmap []byte
	meta *unix.PerfEventMmapPage
	ring []byte
}

func newPebsRing(tid int, period uint64) (*pebsRing, error) {
	if period == 0 {
		period = 1
	}
	attr := &unix.PerfEventAttr{
		Type:    unix.PERF_TYPE_RAW,
		Size:    uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:   pebsEventConfig,
		Sample:   period,
		Sample_type: unix.PERF_SAMPLE_ADDR,
		Bits:    unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv | unix.PerfBitPreciseIPBit1 | unix.PerfBitPreciseIPBit2,
	}
	fd, err := unix.PerfEventOpen(attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open pebs: %w", err)
	}

	pageSize := unix.Getpagesize()
	size := (1 + pebsRingPages) * pageSize
	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap pebs ring: %w", err)
	}

	r := &pebsRing{
		fd:   fd,
		mmap: mmap,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0])),
		ring: mmap[pageSize:],
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("enable pebs: %w", err)
	}
	return r, nil
}

// drainAddrs reads every PERF_RECORD_SAMPLE record queued since the last
// call and returns the sampled addresses in order, advancing the tail
// cursor so the kernel can reclaim the space.
func (r *pebsRing) drainAddrs() ([]uint64, error) {
	head := atomic.LoadUint64(&r.meta.Data_head)
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	if head == tail {
		return nil, nil
	}

	var addrs []uint64

	for tail < head {
		hdr := r.readAt(tail, 8)
		var rh perfRecordHeader
		rh.Type = binary.LittleEndian.Uint32(hdr[0:4])
		rh.Misc = binary.LittleEndian.Uint16(hdr[4:6])
		rh.Size = binary.LittleEndian.Uint16(hdr[6:8])
		if rh.Size == 0 {
			break
		}

		if rh.Type == unix.PERF_RECORD_SAMPLE {
			body := r.readAt(tail+8, uint64(rh.Size)-8)
			if len(body) >= 8 {
				addrs = append(addrs, binary.LittleEndian.Uint64(body[:8]))
			}
		}
		tail += uint64(rh.Size)
	}

	atomic.StoreUint64(&r.meta.Data_tail, tail)
	return addrs, nil
}

// readAt copies n bytes starting at ring-relative offset off, unwrapping
// the circular buffer at its size boundary.
func (r *pebsRing) readAt(off, n uint64) []byte {
	size := uint64(len(r.ring))
	start := off % size
	out := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		out[i] = r.ring[(start+i)%size]
	}
	return out
}

func (r *pebsRing) Close() error {
	if err := unix.Munmap(r.mmap); err != nil {
		_ = unix.Close(r.fd)
		return fmt.Errorf("munmap pebs ring: %w", err)
	}
	return unix.Close(r.fd)
}

// bucketRegion returns the index of the first bound in bounds that is
// greater than or equal to addr, clamped to the last region if addr falls
// past every bound (an address sampled outside the declared topology still
// has to land somewhere, so it's folded into the highest region).
func bucketRegion(addr uint64, bounds []uint64) int {
	if len(bounds) == 0 {
		return 0
	}
	idx := sort.Search(len(bounds), func(i int) bool { return bounds[i] >= addr })
	if idx >= len(bounds) {
		idx = len(bounds) - 1
	}
	return idx
}
