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

// Package pool implements hyp_pool, the buddy allocator backing the
// hypervisor's private memory: page-table pages, VM metadata and heap pages.
//
// A pool hands out naturally aligned blocks of 2^order pages. Free blocks
// sit on one list per order. Allocation splits the smallest sufficient
// block, pushing upper halves back, and freeing coalesces a block with its
// buddy for as long as the buddy is free, of the same order and inside the
// pool's span.
package pool

import (
	"fmt"
	"math/bits"

	"gvisor.dev/pkvm/pkg/atomicbitops"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/sync"
)

// MaxOrder is the number of block orders, NR_PAGE_ORDERS: blocks range from
// 2^0 to 2^(MaxOrder-1) pages.
const MaxOrder = 11

// Zeroer clears physical pages. *physmem.Memory implements it.
type Zeroer interface {
	Zero(pfn hostarch.PFN, nrPages uint64)
}

// Pool is a buddy allocator over the frames of a vmemmap.Table.
type Pool struct {
	// mu protects the free lists, and the Order and Refcount of every page
	// managed by the pool.
	mu sync.Spinlock

	name  string
	table *vmemmap.Table

	// mem, if not nil, is used to zero blocks as they are freed, so that
	// allocations always return zeroed memory.
	mem Zeroer

	// rangeStart and rangeEnd bound coalescing.
	rangeStart, rangeEnd hostarch.PFN

	freeArea [MaxOrder]vmemmap.FreeList
	maxOrder uint8

	// freePages counts pages on the free lists. It is only written with mu
	// held but may be read without it.
	freePages atomicbitops.Uint64
}

// New returns an uninitialized pool over table. mem may be nil.
func New(name string, table *vmemmap.Table, mem Zeroer) *Pool {
	return &Pool{
		name:  name,
		table: table,
		mem:   mem,
	}
}

// Name returns the name the pool was created with.
func (p *Pool) Name() string {
	return p.name
}

// getOrder returns the smallest order whose block holds nrPages.
func getOrder(nrPages uint64) uint8 {
	if nrPages <= 1 {
		return 0
	}
	return uint8(bits.Len64(nrPages - 1))
}

// Init sets the pool up over [pfn, pfn+nrPages). The first reserved pages
// stay allocated with a refcount of one; the rest are released into the free
// lists. Every page of the range must be unmanaged.
func (p *Pool) Init(pfn hostarch.PFN, nrPages, reserved uint64) error {
	if nrPages == 0 || reserved > nrPages {
		return linuxerr.EINVAL
	}
	if !p.table.ContainsRange(pfn, nrPages) {
		return linuxerr.ERANGE
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rangeStart = pfn
	p.rangeEnd = pfn + hostarch.PFN(nrPages)
	p.maxOrder = min(MaxOrder-1, getOrder(nrPages))

	for i := uint64(0); i < nrPages; i++ {
		page := p.table.Page(pfn + hostarch.PFN(i))
		page.Order = 0
		page.Refcount.Set(1)
	}
	for i := reserved; i < nrPages; i++ {
		p.putPageLocked(pfn + hostarch.PFN(i))
	}
	return nil
}

// InitEmpty sets the pool up with no pages. Blocks are added by PutPage of
// externally obtained pages, typically through Refill, and coalesce anywhere
// in the table.
func (p *Pool) InitEmpty(maxOrder uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rangeStart = p.table.Start()
	p.rangeEnd = p.table.End()
	p.maxOrder = min(MaxOrder-1, maxOrder)
}

// MaxOrder returns the largest order the pool hands out.
func (p *Pool) MaxOrder() uint8 {
	return p.maxOrder
}

// Range returns the span coalescing is confined to.
func (p *Pool) Range() (start, end hostarch.PFN) {
	return p.rangeStart, p.rangeEnd
}

// FreePages returns the number of free pages. It is O(1).
func (p *Pool) FreePages() uint64 {
	return p.freePages.Load()
}

// AllocPages returns a block of 2^order pages with a refcount of one. It
// fails with ENOMEM if no block of at least that order is free.
func (p *Pool) AllocPages(order uint8) (hostarch.PFN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocPagesLocked(order)
}

func (p *Pool) allocPagesLocked(order uint8) (hostarch.PFN, error) {
	if order > p.maxOrder {
		return 0, linuxerr.ENOMEM
	}
	i := order
	for i <= p.maxOrder && p.freeArea[i].Empty() {
		i++
	}
	if i > p.maxOrder {
		return 0, linuxerr.ENOMEM
	}

	pfn, _ := p.freeArea[i].PopFront(p.table)
	for i > order {
		i--
		buddy := pfn + 1<<i
		p.table.Page(buddy).Order = i
		p.freeArea[i].PushBack(p.table, buddy)
	}
	page := p.table.Page(pfn)
	page.Order = order
	page.Refcount.Set(1)
	p.markFree(pfn, order, false)
	p.freePages.Sub(1 << order)
	return pfn, nil
}

// markFree sets or clears vmemmap.PoolFree on the pages of the order-k
// block at pfn.
func (p *Pool) markFree(pfn hostarch.PFN, order uint8, free bool) {
	for i := hostarch.PFN(0); i < 1<<order; i++ {
		page := p.table.Page(pfn + i)
		if free {
			page.Flags |= vmemmap.PoolFree
		} else {
			page.Flags &^= vmemmap.PoolFree
		}
	}
}

// buddyOf returns the buddy of the order-k block at pfn, and whether the
// order-(k+1) block formed by the pair lies inside the pool's span.
func (p *Pool) buddyOf(pfn hostarch.PFN, order uint8) (hostarch.PFN, bool) {
	buddy := pfn ^ (1 << order)
	start := min(pfn, buddy)
	end := start + 2<<order
	return buddy, start >= p.rangeStart && end <= p.rangeEnd && end > start
}

// attachLocked puts the free block at pfn on the free lists, coalescing it
// with its buddies.
func (p *Pool) attachLocked(pfn hostarch.PFN) {
	page := p.table.Page(pfn)
	order := page.Order
	if order == vmemmap.NoOrder || order >= MaxOrder {
		panic(fmt.Sprintf("%s: freeing %v with invalid order %d", p.name, pfn, order))
	}
	if !pfn.IsAligned(order) {
		panic(fmt.Sprintf("%s: freeing misaligned order-%d block %v", p.name, order, pfn))
	}
	if p.mem != nil {
		p.mem.Zero(pfn, 1<<order)
	}
	p.markFree(pfn, order, true)
	p.freePages.Add(1 << order)

	page.Order = vmemmap.NoOrder
	for order < p.maxOrder {
		buddy, ok := p.buddyOf(pfn, order)
		if !ok || !p.table.Contains(buddy) {
			break
		}
		bp := p.table.Page(buddy)
		if !bp.OnList(&p.freeArea[order]) || bp.Order != order {
			break
		}
		p.freeArea[order].Remove(p.table, buddy)
		bp.Order = vmemmap.NoOrder
		pfn = min(pfn, buddy)
		order++
	}
	p.table.Page(pfn).Order = order
	p.freeArea[order].PushBack(p.table, pfn)
}

// GetPage takes a reference on the block headed by pfn.
func (p *Pool) GetPage(pfn hostarch.PFN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table.Page(pfn).Refcount.Inc()
}

// PutPage drops a reference on the block headed by pfn, freeing it when the
// last reference goes away.
func (p *Pool) PutPage(pfn hostarch.PFN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putPageLocked(pfn)
}

func (p *Pool) putPageLocked(pfn hostarch.PFN) {
	if p.table.Page(pfn).Refcount.DecAndTest() {
		p.attachLocked(pfn)
	}
}

// SplitPage splits the allocated order-k block at pfn into two order-(k-1)
// blocks. The first half stays allocated under the caller's reference; the
// second half is released to the free lists.
func (p *Pool) SplitPage(pfn hostarch.PFN) {
	p.mu.Lock()
	defer p.mu.Unlock()

	page := p.table.Page(pfn)
	if page.Order == 0 || page.Order == vmemmap.NoOrder || page.Refcount.Read() == 0 {
		panic(fmt.Sprintf("%s: splitting %v of order %d, refcount %d", p.name, pfn, page.Order, page.Refcount.Read()))
	}
	page.Order--
	buddy := pfn + 1<<page.Order
	bp := p.table.Page(buddy)
	bp.Order = page.Order
	p.attachLocked(buddy)
}

// SplitPages splits the allocated block at pfn into independent order-0
// pages, each with a refcount of one.
func (p *Pool) SplitPages(pfn hostarch.PFN) {
	p.mu.Lock()
	defer p.mu.Unlock()

	page := p.table.Page(pfn)
	if page.Order == vmemmap.NoOrder || page.Refcount.Read() == 0 {
		panic(fmt.Sprintf("%s: splitting free or unmanaged block %v", p.name, pfn))
	}
	n := hostarch.PFN(1) << page.Order
	page.Order = 0
	for i := hostarch.PFN(1); i < n; i++ {
		tail := p.table.Page(pfn + i)
		tail.Order = 0
		tail.Refcount.Set(1)
	}
}

// Walk calls fn for every free block, by increasing order.
func (p *Pool) Walk(fn func(order uint8, pfn hostarch.PFN)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for order := range p.freeArea {
		p.freeArea[order].ForEach(p.table, func(pfn hostarch.PFN) {
			fn(uint8(order), pfn)
		})
	}
}

// FreeBlocks returns the number of free blocks of each order.
func (p *Pool) FreeBlocks() [MaxOrder]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var counts [MaxOrder]uint64
	for order := range p.freeArea {
		counts[order] = p.freeArea[order].Len()
	}
	return counts
}

// CheckInvariants verifies the free lists: every free block is aligned to its
// order, has a zero refcount, and has no free buddy it should have been
// merged with; the free counter matches the lists.
func (p *Pool) CheckInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total uint64
	for o := range p.freeArea {
		order := uint8(o)
		var err error
		p.freeArea[order].ForEach(p.table, func(pfn hostarch.PFN) {
			if err != nil {
				return
			}
			page := p.table.Page(pfn)
			switch {
			case page.Order != order:
				err = fmt.Errorf("%v on order-%d list has order %d", pfn, order, page.Order)
			case !pfn.IsAligned(order):
				err = fmt.Errorf("%v on order-%d list is misaligned", pfn, order)
			case page.Refcount.Read() != 0:
				err = fmt.Errorf("free block %v has refcount %d", pfn, page.Refcount.Read())
			case order < p.maxOrder:
				buddy, ok := p.buddyOf(pfn, order)
				if ok && p.table.Contains(buddy) && p.table.Page(buddy).OnList(&p.freeArea[order]) {
					err = fmt.Errorf("free buddies %v and %v of order %d were not merged", pfn, buddy, order)
				}
			}
			for i := hostarch.PFN(0); err == nil && i < 1<<order; i++ {
				if p.table.Page(pfn+i).Flags&vmemmap.PoolFree == 0 {
					err = fmt.Errorf("%v in free block %v is not marked free", pfn+i, pfn)
				}
			}
			total += 1 << order
		})
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	if got := p.freePages.Load(); got != total {
		return fmt.Errorf("%s: free counter is %d, lists hold %d pages", p.name, got, total)
	}
	return nil
}
