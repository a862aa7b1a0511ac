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

package iommu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pkvm/pkg/errors"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/memprotect"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/physmem"
)

const (
	ramBase      = hostarch.Addr(0x40000000)
	ramSize      = 8 << 20
	poolPages    = 64
	hypPoolBase  = ramBase + 7<<20
	hostPoolBase = hypPoolBase + poolPages*hostarch.PageSize

	// hugeBase is a 2M host region left alone by hostPages.
	hugeBase = ramBase + hostarch.HugePageSize
)

var _ allocmgt.Allocator = (*IOMMU)(nil)

type harness struct {
	t    *testing.T
	mm   *memprotect.MM
	mem  *physmem.Memory
	tbl  *vmemmap.Table
	next hostarch.PFN
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := physmem.New([]physmem.Region{{Base: ramBase, Size: ramSize}}, nil)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	tbl := vmemmap.New(ramBase, ramBase+ramSize)
	hypPool := pool.New("hyp", tbl, mem)
	if err := hypPool.Init(hypPoolBase.PFN(), poolPages, 0); err != nil {
		t.Fatalf("hyp pool Init failed: %v", err)
	}
	hostPool := pool.New("host", tbl, mem)
	if err := hostPool.Init(hostPoolBase.PFN(), poolPages, 0); err != nil {
		t.Fatalf("host pool Init failed: %v", err)
	}
	mm := memprotect.New(memprotect.Config{Mem: mem, Table: tbl, HostPool: hostPool, HypPool: hypPool, Debug: true})
	for _, base := range []hostarch.Addr{hypPoolBase, hostPoolBase} {
		if err := mm.Reserve(base, poolPages*hostarch.PageSize); err != nil {
			t.Fatalf("Reserve(%v) failed: %v", base, err)
		}
	}
	return &harness{t: t, mm: mm, mem: mem, tbl: tbl, next: (ramBase + 0x10000).PFN()}
}

// hostPages returns n fresh host-owned pages.
func (h *harness) hostPages(n uint64) hostarch.PFN {
	pfn := h.next
	h.next += hostarch.PFN(n)
	return pfn
}

// memcache returns a host memcache of n fresh pages.
func (h *harness) memcache(n uint64) *memcache.Memcache {
	mc := &memcache.Memcache{}
	for range n {
		mc.Push(h.mem, h.hostPages(1), 0)
	}
	return mc
}

func (h *harness) newIOMMU(atomicPages uint64) *IOMMU {
	h.t.Helper()
	io, err := New(Config{
		NrCPUs:   2,
		Table:    h.tbl,
		Mem:      h.mem,
		Donor:    h.mm,
		DMA:      h.mm,
		AtomicMC: h.memcache(atomicPages),
	})
	if err != nil {
		h.t.Fatalf("New failed: %v", err)
	}
	return io
}

func wantErr(t *testing.T, op string, err error, want *errors.Error) {
	t.Helper()
	if want == nil {
		if err != nil {
			t.Fatalf("%s failed: %v", op, err)
		}
		return
	}
	if !linuxerr.Equals(want, err) {
		t.Fatalf("%s = %v, want %v", op, err, want)
	}
}

func (h *harness) wantCount(pfn hostarch.PFN, want uint16) {
	h.t.Helper()
	if got := h.mm.PageCount(pfn); got != want {
		h.t.Errorf("PageCount(%v) = %d, want %d", pfn, got, want)
	}
}

func TestDonateRequest(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)

	_, err := io.DonatePages(0, 0, true)
	wantErr(t, "DonatePages(empty pool)", err, linuxerr.ENOMEM)
	want := Request{Type: RequestMem, Dest: DestHypIOMMU, SizeAlloc: hostarch.PageSize, NrPages: 1}
	if diff := cmp.Diff(want, io.TakeRequest(0)); diff != "" {
		t.Errorf("TakeRequest mismatch (-want +got):\n%s", diff)
	}
	if got := io.TakeRequest(0); got != (Request{}) {
		t.Errorf("second TakeRequest = %+v, want none", got)
	}

	_, err = io.DonatePages(1, 1, false)
	wantErr(t, "DonatePages(no request)", err, linuxerr.ENOMEM)
	if got := io.TakeRequest(1); got != (Request{}) {
		t.Errorf("TakeRequest = %+v, want none", got)
	}

	wantErr(t, "SetRequest", io.SetRequest(1, want), nil)
	wantErr(t, "SetRequest(pending)", io.SetRequest(1, want), linuxerr.EBUSY)
}

func TestRefillReclaim(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)

	mc := h.memcache(4)
	first := h.next - 4
	wantErr(t, "Refill", io.Refill(0, mc), nil)
	if got := io.Reclaimable(); got != 4 {
		t.Fatalf("Reclaimable = %d, want 4", got)
	}
	if diff := cmp.Diff(memprotect.PageState(memprotect.HypOwned{}), h.mm.HostPageState(first)); diff != "" {
		t.Errorf("refilled page state mismatch (-want +got):\n%s", diff)
	}

	// The four pages coalesced into one block.
	pfn, err := io.DonatePages(0, 2, true)
	wantErr(t, "DonatePages(order 2)", err, nil)
	if pfn != first {
		t.Errorf("DonatePages = %v, want %v", pfn, first)
	}
	io.ReclaimPages(pfn, 2)

	var out memcache.Memcache
	io.Reclaim(0, &out, 3)
	if out.NrPages != 3 || io.Reclaimable() != 1 {
		t.Errorf("Reclaim(3) returned %d pages leaving %d, want 3 and 1", out.NrPages, io.Reclaimable())
	}
	out.ForEach(h.mem, func(pfn hostarch.PFN, _ uint8) {
		if diff := cmp.Diff(memprotect.PageState(memprotect.HostOwned{}), h.mm.HostPageState(pfn)); diff != "" {
			t.Errorf("reclaimed page %v state mismatch (-want +got):\n%s", pfn, diff)
		}
	})
	io.Reclaim(0, &out, 10)
	if out.NrPages != 4 || io.Reclaimable() != 0 {
		t.Errorf("Reclaim(10) returned %d pages leaving %d, want 4 and 0", out.NrPages, io.Reclaimable())
	}
}

func TestReclaimPagesOrderMismatch(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	wantErr(t, "Refill", io.Refill(0, h.memcache(2)), nil)
	pfn, err := io.DonatePages(0, 0, true)
	wantErr(t, "DonatePages", err, nil)

	defer func() {
		if recover() == nil {
			t.Errorf("ReclaimPages with a larger order did not panic")
		}
	}()
	io.ReclaimPages(pfn, 1)
}

func TestAtomicDomain(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(2)
	if got := io.AtomicFreePages(); got != 2 {
		t.Fatalf("AtomicFreePages = %d, want 2", got)
	}

	wantErr(t, "AllocDomain", io.AllocDomain(1, DomainAtomic), nil)
	page := h.hostPages(1)
	n, err := io.MapPages(0, 1, 0, page.Addr(), hostarch.PageSize, 1, hostarch.ProtRW)
	wantErr(t, "MapPages", err, nil)
	if n != hostarch.PageSize {
		t.Errorf("MapPages mapped %d bytes, want %d", n, hostarch.PageSize)
	}
	if got := io.AtomicFreePages(); got != 1 {
		t.Errorf("AtomicFreePages = %d, want 1", got)
	}
	if got := io.TakeRequest(0); got != (Request{}) {
		t.Errorf("atomic domain left request %+v", got)
	}
	h.wantCount(page, 1)

	wantErr(t, "FreeDomain", io.FreeDomain(1), nil)
	h.wantCount(page, 0)
	if got := io.AtomicFreePages(); got != 2 {
		t.Errorf("AtomicFreePages after FreeDomain = %d, want 2", got)
	}
}

func TestMapUnmap(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	const (
		dom  = 2
		iova = hostarch.Addr(0x100000)
	)
	wantErr(t, "AllocDomain", io.AllocDomain(dom, DomainDMA), nil)
	wantErr(t, "AllocDomain(live)", io.AllocDomain(dom, DomainDMA), linuxerr.EINVAL)
	wantErr(t, "AllocDomain(out of range)", io.AllocDomain(MaxDomains, DomainDMA), linuxerr.EINVAL)
	wantErr(t, "AllocDomain(bad type)", io.AllocDomain(dom+1, DomainAtomic+1), linuxerr.EINVAL)

	pages := h.hostPages(8)
	mapPages := func(iova hostarch.Addr, pfn hostarch.PFN, n uint64) (uint64, error) {
		return io.MapPages(0, dom, iova, pfn.Addr(), hostarch.PageSize, n, hostarch.ProtRW)
	}

	// The host pool starts empty.
	n, err := mapPages(iova, pages, 2)
	wantErr(t, "MapPages(no table page)", err, linuxerr.ENOMEM)
	if n != 0 || io.TakeRequest(0).Type != RequestMem {
		t.Errorf("MapPages mapped %d bytes without a memory request", n)
	}
	h.wantCount(pages, 0)

	wantErr(t, "Refill", io.Refill(0, h.memcache(1)), nil)
	n, err = mapPages(iova, pages, 2)
	wantErr(t, "MapPages", err, nil)
	if n != 2*hostarch.PageSize {
		t.Errorf("MapPages mapped %d bytes, want %d", n, 2*hostarch.PageSize)
	}
	h.wantCount(pages, 1)
	h.wantCount(pages+1, 1)
	wantErr(t, "HostDonateHyp(mapped page)", h.mm.HostDonateHyp(pages, 1), linuxerr.EINVAL)

	phys, err := io.IOVAToPhys(dom, iova+0x1008)
	wantErr(t, "IOVAToPhys", err, nil)
	if want := (pages + 1).Addr() + 8; phys != want {
		t.Errorf("IOVAToPhys = %v, want %v", phys, want)
	}
	_, err = io.IOVAToPhys(dom, iova+0x2000)
	wantErr(t, "IOVAToPhys(unmapped)", err, linuxerr.ENOENT)

	// Mapping stops at the first busy IOVA and unpins the rest.
	_, err = mapPages(iova+0x3000, pages+5, 1)
	wantErr(t, "MapPages(single)", err, nil)
	n, err = mapPages(iova+0x2000, pages+2, 2)
	wantErr(t, "MapPages(partial)", err, linuxerr.EEXIST)
	if n != hostarch.PageSize {
		t.Errorf("partial MapPages mapped %d bytes, want %d", n, hostarch.PageSize)
	}
	h.wantCount(pages+2, 1)
	h.wantCount(pages+3, 0)

	n, err = io.UnmapPages(0, dom, iova, hostarch.PageSize, 4)
	wantErr(t, "UnmapPages", err, nil)
	if n != 4*hostarch.PageSize {
		t.Errorf("UnmapPages unmapped %d bytes, want %d", n, 4*hostarch.PageSize)
	}
	for _, pfn := range []hostarch.PFN{pages, pages + 1, pages + 2, pages + 5} {
		h.wantCount(pfn, 0)
	}
	if got, _ := io.TablePages(dom); got != 0 {
		t.Errorf("TablePages = %d, want 0", got)
	}
	if got := io.Reclaimable(); got != 1 {
		t.Errorf("Reclaimable = %d, want 1", got)
	}
	_, err = io.UnmapPages(0, dom, iova, hostarch.PageSize, 1)
	wantErr(t, "UnmapPages(again)", err, linuxerr.ENOENT)

	wantErr(t, "FreeDomain", io.FreeDomain(dom), nil)
	wantErr(t, "FreeDomain(again)", io.FreeDomain(dom), linuxerr.EINVAL)
	_, err = mapPages(iova, pages, 1)
	wantErr(t, "MapPages(freed domain)", err, linuxerr.EINVAL)
}

func TestMapPagesRejected(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	wantErr(t, "AllocDomain", io.AllocDomain(0, DomainDMA), nil)
	page := h.hostPages(1).Addr()

	for _, tc := range []struct {
		name   string
		iova   hostarch.Addr
		paddr  hostarch.Addr
		pgsize uint64
		count  uint64
		prot   hostarch.Prot
		want   *errors.Error
	}{
		{"exec", 0, page, hostarch.PageSize, 1, hostarch.ProtRWX, linuxerr.EINVAL},
		{"page size", 0, page, 2 * hostarch.PageSize, 1, hostarch.ProtRW, linuxerr.EINVAL},
		{"no pages", 0, page, hostarch.PageSize, 0, hostarch.ProtRW, linuxerr.EINVAL},
		{"overflow", 0, page, hostarch.PageSize, 1 << 53, hostarch.ProtRW, linuxerr.EINVAL},
		{"unaligned iova", 0x800, page, hostarch.PageSize, 1, hostarch.ProtRW, linuxerr.EINVAL},
		{"hyp page", 0, hypPoolBase, hostarch.PageSize, 1, hostarch.ProtRW, linuxerr.EPERM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := io.MapPages(0, 0, tc.iova, tc.paddr, tc.pgsize, tc.count, tc.prot)
			wantErr(t, "MapPages", err, tc.want)
			if n != 0 {
				t.Errorf("MapPages mapped %d bytes", n)
			}
		})
	}
}

func TestBlockMapping(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	const iova = hostarch.Addr(0x200000)
	wantErr(t, "AllocDomain", io.AllocDomain(4, DomainDMA), nil)

	// A block mapping needs no table page.
	n, err := io.MapPages(0, 4, iova, hugeBase, hostarch.HugePageSize, 1, hostarch.ProtRW)
	wantErr(t, "MapPages(2M)", err, nil)
	if n != hostarch.HugePageSize {
		t.Errorf("MapPages mapped %d bytes, want %d", n, hostarch.HugePageSize)
	}
	h.wantCount(hugeBase.PFN()+5, 1)
	phys, err := io.IOVAToPhys(4, iova+0x5008)
	wantErr(t, "IOVAToPhys", err, nil)
	if want := hugeBase + 0x5008; phys != want {
		t.Errorf("IOVAToPhys = %v, want %v", phys, want)
	}

	// Punching a page out of the block needs a table page.
	n, err = io.UnmapPages(0, 4, iova+0x1000, hostarch.PageSize, 1)
	wantErr(t, "UnmapPages(split)", err, linuxerr.ENOMEM)
	if n != 0 {
		t.Errorf("UnmapPages unmapped %d bytes", n)
	}
	h.wantCount(hugeBase.PFN()+1, 1)

	wantErr(t, "FreeDomain", io.FreeDomain(4), nil)
	h.wantCount(hugeBase.PFN(), 0)
	h.wantCount(hugeBase.PFN()+511, 0)
}

func TestAttachDetach(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	wantErr(t, "AttachDev(free domain)", io.AttachDev(3, 7), linuxerr.EINVAL)
	wantErr(t, "AllocDomain", io.AllocDomain(3, DomainDMA), nil)
	wantErr(t, "AttachDev", io.AttachDev(3, 7), nil)
	wantErr(t, "AttachDev(again)", io.AttachDev(3, 7), linuxerr.EEXIST)
	wantErr(t, "FreeDomain(attached)", io.FreeDomain(3), linuxerr.EINVAL)
	wantErr(t, "DetachDev(unknown endpoint)", io.DetachDev(3, 8), linuxerr.ENOENT)
	wantErr(t, "DetachDev", io.DetachDev(3, 7), nil)
	wantErr(t, "DetachDev(again)", io.DetachDev(3, 7), linuxerr.EINVAL)
	wantErr(t, "FreeDomain", io.FreeDomain(3), nil)
}

func TestRegistryDispatch(t *testing.T) {
	h := newHarness(t)
	io := h.newIOMMU(0)
	var r allocmgt.Registry
	id, err := r.Register(io)
	wantErr(t, "Register", err, nil)

	wantErr(t, "Refill", r.Refill(0, id, h.memcache(3)), nil)
	if got := r.Reclaimable(); got != 3 {
		t.Errorf("Reclaimable = %d, want 3", got)
	}
	var out memcache.Memcache
	if got := r.Reclaim(0, &out, 2); got != 2 {
		t.Errorf("Reclaim = %d, want 2", got)
	}
}
