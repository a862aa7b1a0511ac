// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alloc is the hypervisor heap: a best-fit chunk allocator over a
// private virtual range, backed by pages the host donates on demand.
//
// The range is mapped lazily. Pages come from a per-CPU memcache refilled
// by the host; when it runs dry an allocation fails with ENOMEM and records
// how many pages were missing, so that the host can donate them and retry.
// Unused mappings are given back to the host through Reclaim.
//
// Chunks tile the mapped part of the range in address order. Each chunk
// starts with a header, followed by its data. A chunk owns the mapped bytes
// up to the next chunk or to the end of its mapping, and an unmapped hole
// may follow it.
package alloc

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/sync"
)

const (
	// minAlloc is the allocation granule.
	minAlloc = 8

	// hdrSize is the size of a chunk header.
	hdrSize = 32
)

// Memory is the physical memory backing the heap.
type Memory interface {
	memcache.Memory
	Page(pfn hostarch.PFN) []byte
}

// chunk is a chunk header.
type chunk struct {
	addr hostarch.Addr

	// allocSize is the size of the allocation, or zero if the chunk is
	// free.
	allocSize uint64

	// mappedSize is the number of mapped bytes from addr.
	mappedSize uint64
}

func chunkLess(a, b *chunk) bool {
	return a.addr < b.addr
}

func chunkSize(size uint64) uint64 {
	return hdrSize + max(size, minAlloc)
}

func (c *chunk) used() bool {
	return c.allocSize != 0
}

func (c *chunk) data() hostarch.Addr {
	return c.addr + hdrSize
}

func (c *chunk) unmappedRegion() hostarch.Addr {
	return c.addr + hostarch.Addr(c.mappedSize)
}

func pageAlign(v uint64) uint64 {
	return (v + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
}

// percpu is the state of one CPU.
type percpu struct {
	mc      memcache.Memcache
	err     error
	missing uint8
}

// Config configures a Heap.
type Config struct {
	// Start and Size delimit the private virtual range. Size is rounded
	// up to a page.
	Start hostarch.Addr
	Size  uint64

	NrCPUs int
	Mem    Memory
	Donor  pool.Donor
}

// Heap is the hypervisor heap.
type Heap struct {
	mem   Memory
	donor pool.Donor
	start hostarch.Addr
	size  uint64

	mu     sync.Spinlock
	chunks *btree.BTreeG[*chunk]

	// pages maps each mapped virtual page to its backing page.
	pages map[hostarch.Addr]hostarch.PFN

	cpus []percpu
	warn log.Logger
}

// New returns an empty heap.
func New(cfg Config) (*Heap, error) {
	size := pageAlign(cfg.Size)
	if size == 0 || size > 1<<32-hostarch.PageSize || !cfg.Start.IsPageAligned() || cfg.NrCPUs <= 0 {
		return nil, linuxerr.EINVAL
	}
	if cfg.Start+hostarch.Addr(size) < cfg.Start {
		return nil, linuxerr.EINVAL
	}
	return &Heap{
		mem:    cfg.Mem,
		donor:  cfg.Donor,
		start:  cfg.Start,
		size:   size,
		chunks: btree.NewG[*chunk](8, chunkLess),
		pages:  make(map[hostarch.Addr]hostarch.PFN),
		cpus:   make([]percpu, cfg.NrCPUs),
		warn:   log.BasicRateLimitedLogger(time.Second),
	}, nil
}

func (h *Heap) end() hostarch.Addr {
	return h.start + hostarch.Addr(h.size)
}

func (h *Heap) next(c *chunk) *chunk {
	var n *chunk
	h.chunks.AscendGreaterOrEqual(&chunk{addr: c.addr + 1}, func(x *chunk) bool {
		n = x
		return false
	})
	return n
}

func (h *Heap) prev(c *chunk) *chunk {
	var p *chunk
	if c.addr == 0 {
		return nil
	}
	h.chunks.DescendLessOrEqual(&chunk{addr: c.addr - 1}, func(x *chunk) bool {
		p = x
		return false
	})
	return p
}

func (h *Heap) first() *chunk {
	c, _ := h.chunks.Min()
	return c
}

func (h *Heap) last() *chunk {
	c, _ := h.chunks.Max()
	return c
}

// unmappedSize returns the size of the hole after c's mapping.
func (h *Heap) unmappedSize(c *chunk) uint64 {
	if n := h.next(c); n != nil {
		return uint64(n.addr - c.unmappedRegion())
	}
	return uint64(h.end() - c.unmappedRegion())
}

// mapRange backs [va, va+size) with pages from cpu's memcache.
func (h *Heap) mapRange(cpu int, va hostarch.Addr, size uint64) error {
	if !va.IsPageAligned() || size&(hostarch.PageSize-1) != 0 {
		return linuxerr.EINVAL
	}
	end := va + hostarch.Addr(size)
	if end < va || end > h.end() {
		return linuxerr.E2BIG
	}
	pc := &h.cpus[cpu]
	nrPages := size >> hostarch.PageShift
	if pc.mc.NrPages < nrPages {
		pc.missing = uint8(min(nrPages-pc.mc.NrPages, 0xff))
		return linuxerr.ENOMEM
	}
	for a := va; a < end; a += hostarch.PageSize {
		pfn, order, _ := pc.mc.Pop(h.mem)
		if order != 0 {
			h.warn.Warningf("alloc: order-%d block %v in heap memcache", order, pfn)
		}
		h.pages[a] = pfn
	}
	return nil
}

// unmapRange returns the pages backing [va, va+size) to cpu's memcache.
func (h *Heap) unmapRange(cpu int, va hostarch.Addr, size uint64) {
	for a, end := va, va+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		pfn, ok := h.pages[a]
		if !ok {
			panic(fmt.Sprintf("alloc: unmapping unmapped heap page %v", a))
		}
		delete(h.pages, a)
		h.cpus[cpu].mc.Push(h.mem, pfn, 0)
	}
}

// install inserts c, which carves its mapping out of prev's. prev is nil
// for the first chunk.
func (h *Heap) install(c *chunk, size uint64, prev *chunk) error {
	if prev == nil {
		c.mappedSize = pageAlign(chunkSize(size))
		c.allocSize = size
		h.chunks.ReplaceOrInsert(c)
		return nil
	}
	if prev.unmappedRegion() < c.addr {
		return linuxerr.EINVAL
	}
	if prev.data()+hostarch.Addr(prev.allocSize) > c.addr {
		return linuxerr.EINVAL
	}
	prevMapped := prev.mappedSize
	prev.mappedSize = uint64(c.addr - prev.addr)
	c.mappedSize = prevMapped - prev.mappedSize
	c.allocSize = size
	h.chunks.ReplaceOrInsert(c)
	return nil
}

// merge folds the free chunk c into its free predecessor, if their mappings
// are contiguous.
func (h *Heap) merge(c *chunk) error {
	prev := h.prev(c)
	if prev == nil {
		return linuxerr.EINVAL
	}
	if c.used() || prev.used() {
		return linuxerr.EBUSY
	}
	if prev.unmappedRegion() != c.addr {
		return nil
	}
	prev.mappedSize += c.mappedSize
	h.chunks.Delete(c)
	return nil
}

// needsMapping returns how many bytes must be mapped after c for c to hold
// size bytes of data.
func needsMapping(c *chunk, size uint64) uint64 {
	need := chunkSize(size)
	if need <= c.mappedSize {
		return 0
	}
	return pageAlign(need - c.mappedSize)
}

// splitAligned splits c so that its mapping ends on a page boundary, which
// lets the pages after it be unmapped.
func (h *Heap) splitAligned(c *chunk) error {
	mappedEnd := c.unmappedRegion()
	if mappedEnd.IsPageAligned() {
		return nil
	}
	n := &chunk{addr: mappedEnd.RoundDown()}
	if n.addr <= c.addr {
		return linuxerr.EINVAL
	}
	return h.install(n, 0, c)
}

func (h *Heap) incMap(cpu int, c *chunk, size uint64) error {
	if h.unmappedSize(c) < size {
		return linuxerr.EINVAL
	}
	if err := h.mapRange(cpu, c.unmappedRegion(), size); err != nil {
		return err
	}
	c.mappedSize += size
	return nil
}

// decMap unmaps up to target bytes from the tail of c's mapping and
// returns how many were unmapped.
func (h *Heap) decMap(cpu int, c *chunk, target uint64) uint64 {
	start := hostarch.Addr(pageAlign(uint64(c.addr) + chunkSize(c.allocSize)))
	end := c.unmappedRegion()
	if start >= end || uint64(end-start) < hostarch.PageSize {
		return 0
	}
	if h.splitAligned(c) != nil {
		return 0
	}
	end = c.unmappedRegion()
	if end <= start {
		return 0
	}
	n := min(uint64(end-start), target)
	h.unmapRange(cpu, end-hostarch.Addr(n), n)
	c.mappedSize -= n
	return n
}

// fixup moves a chunk address so that a chunk header fits between the
// start of its page and it, which keeps every page reclaimable.
func fixup(addr hostarch.Addr) hostarch.Addr {
	page := addr.RoundDown()
	delta := uint64(addr - page)
	if delta == 0 {
		return addr
	}
	if delta < chunkSize(0) {
		return page + hostarch.Addr(chunkSize(0))
	}
	return addr
}

func (h *Heap) canSplit(c *chunk, addr hostarch.Addr) bool {
	// Splitting the last chunk is pointless: its tail stays usable.
	n := h.next(c)
	if n == nil {
		return false
	}
	return addr+hostarch.Addr(chunkSize(0)) < n.addr
}

// recycle reuses the free chunk c for size bytes, splitting off the rest
// when it is large enough.
func (h *Heap) recycle(cpu int, c *chunk, size uint64) error {
	var split *chunk
	expected := size
	if addr := fixup(c.addr + hostarch.Addr(chunkSize(size))); h.canSplit(c, addr) {
		split = &chunk{addr: addr}
		expected = uint64(addr + hdrSize - c.data())
	}
	if missing := needsMapping(c, expected); missing != 0 {
		if err := h.incMap(cpu, c, missing); err != nil {
			return err
		}
	}
	c.allocSize = size
	if split != nil {
		h.warnOn(h.install(split, 0, c), "splitting chunk at %v", c.addr)
	}
	return nil
}

// freeChunk returns the free chunk with the least room that fits size.
func (h *Heap) freeChunk(size uint64) *chunk {
	var best *chunk
	bestAvail := h.size
	h.chunks.Ascend(func(c *chunk) bool {
		avail := c.mappedSize + h.unmappedSize(c)
		if c.used() || chunkSize(size) > avail {
			return true
		}
		if best == nil || avail < bestAvail {
			best, bestAvail = c, avail
		}
		return true
	})
	return best
}

func (h *Heap) warnOn(err error, format string, v ...any) {
	if err != nil {
		h.warn.Warningf("alloc: "+format+": %v", append(v, err)...)
	}
}

func (h *Heap) alloc(cpu int, size uint64) (*chunk, error) {
	if h.chunks.Len() == 0 {
		if err := h.mapRange(cpu, h.start, pageAlign(chunkSize(size))); err != nil {
			return nil, err
		}
		c := &chunk{addr: h.start}
		return c, h.install(c, size, nil)
	}
	if c := h.freeChunk(size); c != nil {
		return c, h.recycle(cpu, c, size)
	}

	last := h.last()
	c := &chunk{addr: fixup(last.addr + hostarch.Addr(chunkSize(last.allocSize)))}
	if c.addr+hostarch.Addr(chunkSize(size)) > h.end() {
		return nil, linuxerr.ENOMEM
	}
	if missing := needsMapping(last, uint64(c.addr+hostarch.Addr(chunkSize(size))-last.data())); missing != 0 {
		if err := h.incMap(cpu, last, missing); err != nil {
			return nil, err
		}
	}
	h.warnOn(h.install(c, size, last), "installing chunk at %v", c.addr)
	return c, nil
}

// Alloc returns size zeroed bytes of heap, on behalf of cpu. On failure the
// error is also recorded for Errno.
func (h *Heap) Alloc(cpu int, size uint64) (hostarch.Addr, error) {
	if size == 0 || size > h.size {
		h.cpus[cpu].err = linuxerr.EINVAL
		return 0, linuxerr.EINVAL
	}
	size = (size + minAlloc - 1) &^ (minAlloc - 1)

	h.mu.Lock()
	c, err := h.alloc(cpu, size)
	h.mu.Unlock()

	h.cpus[cpu].err = err
	if err != nil {
		return 0, err
	}
	h.zero(c.data(), size)
	return c.data(), nil
}

// Free releases an allocation made by Alloc.
func (h *Heap) Free(addr hostarch.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.lookup(addr)
	prev, next := h.prev(c), h.next(c)
	c.allocSize = 0
	if next != nil && !next.used() {
		h.warnOn(h.merge(next), "merging chunk at %v", next.addr)
	}
	if prev != nil && !prev.used() {
		h.warnOn(h.merge(c), "merging chunk at %v", c.addr)
	}
}

// Size returns the size of the allocation at addr.
func (h *Heap) Size(addr hostarch.Addr) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookup(addr).allocSize
}

// lookup returns the used chunk whose data starts at addr. Anything else is
// a hypervisor bug.
func (h *Heap) lookup(addr hostarch.Addr) *chunk {
	c, ok := h.chunks.Get(&chunk{addr: addr - hdrSize})
	if !ok || !c.used() {
		panic(fmt.Sprintf("alloc: %v is not a heap allocation", addr))
	}
	return c
}

// Errno returns the error of cpu's last allocation.
func (h *Heap) Errno(cpu int) error {
	return h.cpus[cpu].err
}

// MissingDonations returns, and clears, how many pages cpu's last failed
// allocation lacked.
func (h *Heap) MissingDonations(cpu int) uint8 {
	n := h.cpus[cpu].missing
	h.cpus[cpu].missing = 0
	return n
}

// Refill moves every page of the host memcache mc to cpu's memcache.
func (h *Heap) Refill(cpu int, mc *memcache.Memcache) error {
	dst := &h.cpus[cpu].mc
	for !mc.Empty() {
		pfn, order, _ := mc.Peek()
		if order != 0 {
			return linuxerr.EINVAL
		}
		if err := h.donor.HostDonateHyp(pfn, 1); err != nil {
			return err
		}
		mc.Pop(h.mem)
		h.mu.Lock()
		dst.Push(h.mem, pfn, 0)
		h.mu.Unlock()
	}
	return nil
}

func (h *Heap) destroyable(c *chunk) bool {
	if c.used() || !c.addr.IsPageAligned() {
		return false
	}
	if c == h.first() {
		return c == h.last()
	}
	return !h.prev(c).used()
}

func (h *Heap) reclaimable(c *chunk) uint64 {
	start := hostarch.Addr(pageAlign(uint64(c.addr) + chunkSize(c.allocSize)))
	if h.destroyable(c) {
		start = c.addr
	}
	end := c.unmappedRegion().RoundDown()
	if start > end {
		return 0
	}
	return uint64(end - start)
}

// Reclaimable returns an estimate of the number of pages Reclaim can give
// back.
func (h *Heap) Reclaimable() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	h.chunks.Ascend(func(c *chunk) bool {
		n += h.reclaimable(c) >> hostarch.PageShift
		return true
	})
	for i := range h.cpus {
		n += h.cpus[i].mc.NrPages
	}
	return n
}

// tryDestroy removes the free chunk c and its mapping, if that leaves the
// free space accounted for.
func (h *Heap) tryDestroy(cpu int, c *chunk, target uint64) uint64 {
	if c.used() || c.mappedSize > target {
		return 0
	}
	switch {
	case c == h.first():
		if c != h.last() {
			return 0
		}
	case !c.addr.IsPageAligned():
		return 0
	case c == h.last():
	case h.prev(c).used():
		return 0
	default:
		if h.splitAligned(c) != nil {
			return 0
		}
	}
	h.chunks.Delete(c)
	h.unmapRange(cpu, c.addr, c.mappedSize)
	return c.mappedSize
}

// giveBack returns a page of cpu's memcache to the host through mc.
func (h *Heap) giveBack(cpu int, mc *memcache.Memcache, wipe bool) {
	pfn, _, _ := h.cpus[cpu].mc.Pop(h.mem)
	if wipe {
		clear(h.mem.Page(pfn))
	}
	mc.Push(h.mem, pfn, 0)
	h.warnOn(h.donor.HypDonateHost(pfn, 1), "returning %v", pfn)
}

// Reclaim gives up to target pages back to the host through mc, on behalf
// of cpu. Idle memcache pages go first, then unused mappings.
func (h *Heap) Reclaim(cpu int, mc *memcache.Memcache, target uint64) {
	if target == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.cpus {
		for !h.cpus[i].mc.Empty() {
			if target == 0 {
				return
			}
			h.giveBack(i, mc, false)
			target--
		}
	}

	var chunks []*chunk
	h.chunks.Descend(func(c *chunk) bool {
		chunks = append(chunks, c)
		return true
	})
	for _, c := range chunks {
		if target == 0 {
			break
		}
		r := h.tryDestroy(cpu, c, target<<hostarch.PageShift)
		if r == 0 {
			r = h.decMap(cpu, c, target<<hostarch.PageShift)
		}
		target -= min(r>>hostarch.PageShift, target)
	}

	// Unmapped pages held heap data.
	for !h.cpus[cpu].mc.Empty() {
		h.giveBack(cpu, mc, true)
	}
}

// zero clears [va, va+size).
func (h *Heap) zero(va hostarch.Addr, size uint64) {
	h.access(va, size, func(b []byte, _ uint64) { clear(b) })
}

// Write copies data to the heap at va.
func (h *Heap) Write(va hostarch.Addr, data []byte) {
	h.access(va, uint64(len(data)), func(b []byte, off uint64) { copy(b, data[off:]) })
}

// Read copies len(data) bytes of heap at va to data.
func (h *Heap) Read(va hostarch.Addr, data []byte) {
	h.access(va, uint64(len(data)), func(b []byte, off uint64) { copy(data[off:], b) })
}

// access calls fn on the backing bytes of [va, va+size), page by page.
func (h *Heap) access(va hostarch.Addr, size uint64, fn func(b []byte, off uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for off := uint64(0); off < size; {
		a := va + hostarch.Addr(off)
		pfn, ok := h.pages[a.RoundDown()]
		if !ok {
			panic(fmt.Sprintf("alloc: access to unmapped heap address %v", a))
		}
		page := h.mem.Page(pfn)[a.PageOffset():]
		n := min(uint64(len(page)), size-off)
		fn(page[:n], off)
		off += n
	}
}

// MappedPages returns the number of heap pages currently mapped.
func (h *Heap) MappedPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}
