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

package memprotect

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pkvm/pkg/errors"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/physmem"
)

const (
	ramBase      = hostarch.Addr(0x40000000)
	ramSize      = 8 << 20
	mmioBase     = hostarch.Addr(0x09000000)
	mmioSize     = 0x10000
	poolPages    = 64
	hypPoolBase  = ramBase + 7<<20
	hostPoolBase = hypPoolBase + poolPages*hostarch.PageSize
)

type harness struct {
	t   *testing.T
	mm  *MM
	mem *physmem.Memory

	// next is the next page handed out by hostPages.
	next hostarch.PFN
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := physmem.New(
		[]physmem.Region{{Base: ramBase, Size: ramSize}},
		[]physmem.Region{{Base: mmioBase, Size: mmioSize}})
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
	mm := New(Config{Mem: mem, Table: tbl, HostPool: hostPool, HypPool: hypPool, Debug: true})
	for _, base := range []hostarch.Addr{hypPoolBase, hostPoolBase} {
		if err := mm.Reserve(base, poolPages*hostarch.PageSize); err != nil {
			t.Fatalf("Reserve(%v) failed: %v", base, err)
		}
	}
	return &harness{t: t, mm: mm, mem: mem, next: (ramBase + 0x10000).PFN()}
}

// hostPages returns n fresh host-owned pages.
func (h *harness) hostPages(n uint64) hostarch.PFN {
	pfn := h.next
	h.next += hostarch.PFN(n)
	return pfn
}

// topup donates n pages to the hypervisor and pushes them on mc.
func (h *harness) topup(mc *memcache.Memcache, n uint64) {
	h.t.Helper()
	for i := uint64(0); i < n; i++ {
		pfn := h.hostPages(1)
		if err := h.mm.HostDonateHyp(pfn, 1); err != nil {
			h.t.Fatalf("HostDonateHyp(%v) failed: %v", pfn, err)
		}
		mc.Push(h.mem, pfn, 0)
	}
}

func (h *harness) newVM(handle uint32, mcPages uint64) (*VM, *VCPU) {
	h.t.Helper()
	pgd := h.hostPages(1)
	if err := h.mm.HostDonateHyp(pgd, 1); err != nil {
		h.t.Fatalf("HostDonateHyp(pgd) failed: %v", err)
	}
	vm, err := h.mm.NewVM(handle, true, pgd, 1)
	if err != nil {
		h.t.Fatalf("NewVM failed: %v", err)
	}
	vcpu := &VCPU{VM: vm}
	h.topup(&vcpu.MC, mcPages)
	return vm, vcpu
}

func (h *harness) wantState(pfn hostarch.PFN, want PageState) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.mm.HostPageState(pfn)); diff != "" {
		h.t.Errorf("HostPageState(%v) mismatch (-want +got):\n%s", pfn, diff)
	}
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

// failOnce returns a fault injector failing the first operation only.
func failOnce() func() error {
	done := false
	return func() error {
		if done {
			return nil
		}
		done = true
		return linuxerr.EFAULT
	}
}

func TestNewVMRejected(t *testing.T) {
	h := newHarness(t)
	h.hostPages(1)
	pgd := h.hostPages(2)
	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(pgd, 2), nil)

	_, err := h.mm.NewVM(1, true, pgd, 3)
	wantErr(t, "NewVM(3 pages)", err, linuxerr.EINVAL)
	_, err = h.mm.NewVM(1, true, pgd, 2)
	wantErr(t, "NewVM(misaligned)", err, linuxerr.EINVAL)

	for i := hostarch.PFN(0); i < 2; i++ {
		if page := h.mm.Table().Page(pgd + i); page.IsFree() || page.Order != vmemmap.NoOrder {
			t.Errorf("page %v left managed: order %d", pgd+i, page.Order)
		}
	}
	wantErr(t, "HypDonateHost", h.mm.HypDonateHost(pgd, 2), nil)
	h.wantState(pgd, HostOwned{})
}

func TestReserve(t *testing.T) {
	h := newHarness(t)
	h.wantState(hypPoolBase.PFN(), HypOwned{})
	h.wantState(hostPoolBase.PFN()+poolPages-1, HypOwned{})
	h.wantState(ramBase.PFN(), HostOwned{})
	wantErr(t, "HandleMemAbort(hyp pool)", h.mm.HandleMemAbort(hypPoolBase), linuxerr.EPERM)
}

func TestDonateRoundTrip(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(4)
	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(pfn, 4), nil)
	for i := hostarch.PFN(0); i < 4; i++ {
		h.wantState(pfn+i, HypOwned{})
	}
	if pte, _ := h.mm.HostLeaf(pfn.Addr()); pte.Valid() || pte.Owner() != IDHyp {
		t.Errorf("host entry after donation = %v, want owner %d", pte, IDHyp)
	}
	if pte, _ := h.mm.HypLeaf(pfn.Addr()); !pte.Valid() || pte.Prot() != hypMemProt || pte.State() != pgtable.Owned {
		t.Errorf("hyp entry after donation = %v", pte)
	}

	wantErr(t, "HypDonateHost", h.mm.HypDonateHost(pfn, 4), nil)
	for i := hostarch.PFN(0); i < 4; i++ {
		h.wantState(pfn+i, HostOwned{})
	}
	if pte, _ := h.mm.HostLeaf(pfn.Addr()); !pte.Empty() {
		t.Errorf("host entry after return = %v, want empty", pte)
	}
	if pte, _ := h.mm.HypLeaf(pfn.Addr()); pte.Valid() {
		t.Errorf("hyp entry after return = %v, want invalid", pte)
	}
}

func TestDonateRejected(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(2)
	wantErr(t, "HostDonateHyp(0 pages)", h.mm.HostDonateHyp(pfn, 0), linuxerr.EINVAL)
	wantErr(t, "HostDonateHyp(mmio)", h.mm.HostDonateHyp(mmioBase.PFN(), 1), linuxerr.EPERM)
	wantErr(t, "HypDonateHost(host page)", h.mm.HypDonateHost(pfn, 1), linuxerr.EPERM)

	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(pfn, 1), nil)
	wantErr(t, "HostDonateHyp(again)", h.mm.HostDonateHyp(pfn, 1), linuxerr.EPERM)
	// The second page is fine but the range is not.
	wantErr(t, "HostDonateHyp(overlap)", h.mm.HostDonateHyp(pfn, 2), linuxerr.EPERM)
	h.wantState(pfn+1, HostOwned{})

	h.mm.Table().Page(pfn).Refcount.Inc()
	wantErr(t, "HypDonateHost(held)", h.mm.HypDonateHost(pfn, 1), linuxerr.EBUSY)
	h.mm.Table().Page(pfn).Refcount.Dec()
	wantErr(t, "HypDonateHost", h.mm.HypDonateHost(pfn, 1), nil)

	wantErr(t, "HostUseDMA", h.mm.HostUseDMA(pfn.Addr(), hostarch.PageSize), nil)
	wantErr(t, "HostDonateHyp(dma)", h.mm.HostDonateHyp(pfn, 1), linuxerr.EINVAL)
}

func TestHypDonateHostFreePoolPage(t *testing.T) {
	h := newHarness(t)
	hypPool := h.mm.HypPool()
	var head hostarch.PFN
	var order uint8
	found := false
	hypPool.Walk(func(o uint8, pfn hostarch.PFN) {
		if !found && o > 0 {
			head, order, found = pfn, o, true
		}
	})
	if !found {
		t.Fatalf("hyp pool has no free block above order 0")
	}
	free := hypPool.FreePages()
	for _, pfn := range []hostarch.PFN{head, head + 1<<order - 1} {
		wantErr(t, "HypDonateHost(free pool page)", h.mm.HypDonateHost(pfn, 1), linuxerr.EBUSY)
		h.wantState(pfn, HypOwned{})
	}
	wantErr(t, "HypDonateHost(range over free pages)", h.mm.HypDonateHost(head, 1<<order), linuxerr.EBUSY)

	pfn, err := hypPool.AllocPages(0)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	wantErr(t, "HypDonateHost(allocated)", h.mm.HypDonateHost(pfn, 1), linuxerr.EBUSY)
	hypPool.PutPage(pfn)
	wantErr(t, "HypDonateHost(freed)", h.mm.HypDonateHost(pfn, 1), linuxerr.EBUSY)
	h.wantState(pfn, HypOwned{})

	if got := hypPool.FreePages(); got != free {
		t.Errorf("FreePages = %d, want %d", got, free)
	}
	if err := hypPool.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestDonateAtomicOnFault(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(3)

	h.mm.host.pgt.SetFaultInjector(failOnce())
	wantErr(t, "HostDonateHyp(host fault)", h.mm.HostDonateHyp(pfn, 3), linuxerr.EFAULT)
	for i := hostarch.PFN(0); i < 3; i++ {
		h.wantState(pfn+i, HostOwned{})
	}

	h.mm.hyp.pgt.SetFaultInjector(failOnce())
	wantErr(t, "HostDonateHyp(hyp fault)", h.mm.HostDonateHyp(pfn, 3), linuxerr.EFAULT)
	for i := hostarch.PFN(0); i < 3; i++ {
		h.wantState(pfn+i, HostOwned{})
		if pte, _ := h.mm.HostLeaf((pfn + i).Addr()); !pte.Empty() {
			t.Errorf("host entry of %v = %v after failed donation", pfn+i, pte)
		}
	}

	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(pfn, 3), nil)
	h.wantState(pfn+2, HypOwned{})
}

func TestHandleMemAbort(t *testing.T) {
	h := newHarness(t)
	block := ramBase + 4<<20
	addr := block + 0x3000
	wantErr(t, "HandleMemAbort", h.mm.HandleMemAbort(addr), nil)
	pte, level := h.mm.HostLeaf(addr)
	if !pte.Valid() || level != pgtable.BlockLevel || pte.Addr() != block || pte.Prot() != hostMemProt {
		t.Fatalf("host leaf = %v at level %d, want RWX block at %v", pte, level, block)
	}
	wantErr(t, "HandleMemAbort(mapped)", h.mm.HandleMemAbort(addr), linuxerr.EAGAIN)

	// Donating a page out of the block splits it.
	donated := (block + 0x5000).PFN()
	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(donated, 1), nil)
	if pte, level := h.mm.HostLeaf(addr); !pte.Valid() || level != pgtable.PageLevel || pte.Addr() != addr {
		t.Errorf("neighbour leaf = %v at level %d, want page mapping", pte, level)
	}
	wantErr(t, "HandleMemAbort(donated)", h.mm.HandleMemAbort(donated.Addr()), linuxerr.EPERM)

	wantErr(t, "HandleMemAbort(mmio)", h.mm.HandleMemAbort(mmioBase+0x1000), nil)
	if pte, _ := h.mm.HostLeaf(mmioBase + 0x1000); !pte.Valid() || pte.Prot() != hostMMIOProt {
		t.Errorf("mmio leaf = %v, want device mapping", pte)
	}
	h.wantState(mmioBase.PFN()+1, HostMMIO{})
}

func TestShareHyp(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(1)
	wantErr(t, "HostShareHyp", h.mm.HostShareHyp(pfn), nil)
	h.wantState(pfn, SharedHostHyp{})
	wantErr(t, "HostShareHyp(again)", h.mm.HostShareHyp(pfn), linuxerr.EPERM)
	wantErr(t, "HostDonateHyp(shared)", h.mm.HostDonateHyp(pfn, 1), linuxerr.EPERM)

	wantErr(t, "PinSharedMem", h.mm.PinSharedMem(pfn, 1), nil)
	h.wantState(pfn, SharedHostHyp{Pinned: 1})
	wantErr(t, "HostUnshareHyp(pinned)", h.mm.HostUnshareHyp(pfn), linuxerr.EINVAL)
	wantErr(t, "UnpinSharedMem", h.mm.UnpinSharedMem(pfn, 1), nil)
	wantErr(t, "UnpinSharedMem(again)", h.mm.UnpinSharedMem(pfn, 1), linuxerr.EINVAL)

	wantErr(t, "HostUnshareHyp", h.mm.HostUnshareHyp(pfn), nil)
	h.wantState(pfn, HostOwned{})
	if pte, _ := h.mm.HypLeaf(pfn.Addr()); pte.Valid() {
		t.Errorf("hyp entry after unshare = %v", pte)
	}
	wantErr(t, "HostUnshareHyp(again)", h.mm.HostUnshareHyp(pfn), linuxerr.EPERM)
	wantErr(t, "PinSharedMem(unshared)", h.mm.PinSharedMem(pfn, 1), linuxerr.EPERM)
}

func TestShareGuest(t *testing.T) {
	h := newHarness(t)
	vm, vcpu := h.newVM(1, 2)
	pfn := h.hostPages(1)
	gfn := hostarch.PFN(0x100)

	wantErr(t, "HostShareGuest(device)", h.mm.HostShareGuest(vcpu, pfn, gfn, 1, hostarch.ProtDevice), linuxerr.EPERM)
	wantErr(t, "HostShareGuest", h.mm.HostShareGuest(vcpu, pfn, gfn, 1, hostarch.ProtRW), nil)
	h.wantState(pfn, SharedHostGuest{VM: 1, Holders: 1})
	if diff := cmp.Diff(PageState(SharedHostGuest{VM: 1, Holders: 1}), h.mm.GuestPageState(vm, gfn.Addr())); diff != "" {
		t.Errorf("GuestPageState mismatch (-want +got):\n%s", diff)
	}
	if got := h.mm.PageCount(pfn); got != 1 {
		t.Errorf("PageCount = %d, want 1", got)
	}

	wantErr(t, "HostShareGuest(again)", h.mm.HostShareGuest(vcpu, pfn, gfn+1, 1, hostarch.ProtRW), linuxerr.EPERM)
	wantErr(t, "HostShareGuest(gfn taken)", h.mm.HostShareGuest(vcpu, h.hostPages(1), gfn, 1, hostarch.ProtRW), linuxerr.EPERM)
	wantErr(t, "HostDonateHyp(shared)", h.mm.HostDonateHyp(pfn, 1), linuxerr.EPERM)
	wantErr(t, "HostShareHyp(shared)", h.mm.HostShareHyp(pfn), linuxerr.EPERM)

	wantErr(t, "RelaxPerms", h.mm.RelaxPerms(vcpu, pfn, gfn, 0, hostarch.ProtExec), nil)
	if pte, _ := vm.Leaf(gfn.Addr()); pte.Prot() != hostarch.ProtRWX {
		t.Errorf("prot after RelaxPerms = %v, want rwx", pte.Prot())
	}
	wantErr(t, "Wrprotect", h.mm.Wrprotect(vm, pfn, gfn, 0), nil)
	if pte, _ := vm.Leaf(gfn.Addr()); pte.Prot()&hostarch.ProtWrite != 0 {
		t.Errorf("prot after Wrprotect = %v, want no write", pte.Prot())
	}
	wantErr(t, "DirtyLog", h.mm.DirtyLog(vcpu, pfn, gfn), nil)
	if pte, _ := vm.Leaf(gfn.Addr()); pte.Prot() != hostarch.ProtRWX {
		t.Errorf("prot after DirtyLog = %v, want rwx", pte.Prot())
	}
	wantErr(t, "RelaxPerms(wrong pfn)", h.mm.RelaxPerms(vcpu, pfn+1, gfn, 0, hostarch.ProtRead), linuxerr.EINVAL)
	wantErr(t, "HostUnshareGuest(order 3)", h.mm.HostUnshareGuest(vm, pfn, gfn, 3), linuxerr.EINVAL)
	wantErr(t, "HostUnshareGuest(block)", h.mm.HostUnshareGuest(vm, pfn, gfn, hostarch.HugePageOrder), linuxerr.E2BIG)

	wantErr(t, "HostUnshareGuest", h.mm.HostUnshareGuest(vm, pfn, gfn, 0), nil)
	h.wantState(pfn, HostOwned{})
	if got := h.mm.PageCount(pfn); got != 0 {
		t.Errorf("PageCount after unshare = %d, want 0", got)
	}
	wantErr(t, "HostUnshareGuest(again)", h.mm.HostUnshareGuest(vm, pfn, gfn, 0), linuxerr.ENOENT)
}

func TestShareGuestOutOfMemory(t *testing.T) {
	h := newHarness(t)
	_, vcpu := h.newVM(1, 0)
	pfn := h.hostPages(2)
	wantErr(t, "HostShareGuest", h.mm.HostShareGuest(vcpu, pfn, 0x10, 2, hostarch.ProtRW), linuxerr.ENOMEM)
	h.wantState(pfn, HostOwned{})
	h.wantState(pfn+1, HostOwned{})
	if got := h.mm.PageCount(pfn); got != 0 {
		t.Errorf("PageCount = %d, want 0", got)
	}
}

func TestDonateGuestAndShareBack(t *testing.T) {
	h := newHarness(t)
	vm, vcpu := h.newVM(1, 2)
	pfn := h.hostPages(4)
	gfn := hostarch.PFN(0x200)
	ipa := gfn.Addr()

	wantErr(t, "HostDonateGuest", h.mm.HostDonateGuest(vcpu, pfn, gfn, 4), nil)
	h.wantState(pfn+3, GuestOwned{VM: 1})
	wantErr(t, "HandleMemAbort(guest page)", h.mm.HandleMemAbort(pfn.Addr()), linuxerr.EPERM)

	n, err := h.mm.GuestShareHost(vcpu, ipa, 4)
	wantErr(t, "GuestShareHost", err, nil)
	if n != 4 {
		t.Fatalf("GuestShareHost shared %d pages, want 4", n)
	}
	h.wantState(pfn, SharedGuestHost{VM: 1})
	wantErr(t, "HandleMemAbort(shared page)", h.mm.HandleMemAbort(pfn.Addr()), nil)
	if _, err := h.mm.GuestShareHost(vcpu, ipa, 1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("GuestShareHost(shared) = %v, want EINVAL", err)
	}

	n, err = h.mm.GuestUnshareHost(vcpu, ipa, 4)
	wantErr(t, "GuestUnshareHost", err, nil)
	if n != 4 {
		t.Fatalf("GuestUnshareHost unshared %d pages, want 4", n)
	}
	h.wantState(pfn, GuestOwned{VM: 1})
	wantErr(t, "HandleMemAbort(unshared page)", h.mm.HandleMemAbort(pfn.Addr()), linuxerr.EPERM)

	if _, err := h.mm.GuestShareHost(vcpu, (gfn + 0x40).Addr(), 1); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("GuestShareHost(unmapped) = %v, want EFAULT", err)
	}

	wantErr(t, "HostReclaimPage", h.mm.HostReclaimPage(vm, pfn, ipa, 0), nil)
	h.wantState(pfn, HostOwned{})
}

func TestGuestShareHostPartial(t *testing.T) {
	h := newHarness(t)
	_, vcpu := h.newVM(1, 2)
	a := h.hostPages(2)
	h.hostPages(6)
	b := h.hostPages(2)
	gfn := hostarch.PFN(0x300)
	wantErr(t, "HostDonateGuest(a)", h.mm.HostDonateGuest(vcpu, a, gfn, 2), nil)
	wantErr(t, "HostDonateGuest(b)", h.mm.HostDonateGuest(vcpu, b, gfn+2, 2), nil)

	n, err := h.mm.GuestShareHost(vcpu, gfn.Addr(), 4)
	wantErr(t, "GuestShareHost", err, nil)
	if n != 2 {
		t.Fatalf("GuestShareHost shared %d pages, want the 2 contiguous ones", n)
	}
	h.wantState(a+1, SharedGuestHost{VM: 1})
	h.wantState(b, GuestOwned{VM: 1})

	n, err = h.mm.GuestShareHost(vcpu, (gfn + 2).Addr(), 2)
	wantErr(t, "GuestShareHost(rest)", err, nil)
	if n != 2 {
		t.Fatalf("GuestShareHost(rest) shared %d pages, want 2", n)
	}
	h.wantState(b+1, SharedGuestHost{VM: 1})
}

func TestIOGuard(t *testing.T) {
	h := newHarness(t)
	vm, vcpu := h.newVM(1, 2)
	ipa := hostarch.Addr(0x10000000)

	if _, err := h.mm.InstallIOGuard(vcpu, ipa, 2); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Fatalf("InstallIOGuard before enrolment = %v, want EINVAL", err)
	}
	if !h.mm.CheckIOGuard(vcpu, ipa+0x8000, 8) {
		t.Errorf("CheckIOGuard before enrolment = false")
	}
	vm.MMIOGuard.Store(true)

	n, err := h.mm.InstallIOGuard(vcpu, ipa, 2)
	wantErr(t, "InstallIOGuard", err, nil)
	if n != 2 {
		t.Fatalf("InstallIOGuard = %d, want 2", n)
	}
	if !h.mm.CheckIOGuard(vcpu, ipa+0x1ffc, 4) {
		t.Errorf("CheckIOGuard(guarded) = false")
	}
	if h.mm.CheckIOGuard(vcpu, ipa+0x1ffc, 8) {
		t.Errorf("CheckIOGuard(straddling) = true")
	}
	if diff := cmp.Diff(PageState(MMIOGuarded{VM: 1}), h.mm.GuestPageState(vm, ipa)); diff != "" {
		t.Errorf("GuestPageState mismatch (-want +got):\n%s", diff)
	}
	if n, err := h.mm.InstallIOGuard(vcpu, ipa, 1); err != nil || n != 1 {
		t.Errorf("InstallIOGuard(again) = %d, %v", n, err)
	}

	n, err = h.mm.RemoveIOGuard(vcpu, ipa, 2)
	wantErr(t, "RemoveIOGuard", err, nil)
	if n != 2 {
		t.Fatalf("RemoveIOGuard = %d, want 2", n)
	}
	if h.mm.CheckIOGuard(vcpu, ipa, 8) {
		t.Errorf("CheckIOGuard after removal = true")
	}
	if _, err := h.mm.RemoveIOGuard(vcpu, ipa, 1); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("RemoveIOGuard(unguarded) = %v, want EFAULT", err)
	}

	pfn := h.hostPages(1)
	wantErr(t, "HostDonateGuest", h.mm.HostDonateGuest(vcpu, pfn, 0x500, 1), nil)
	if _, err := h.mm.InstallIOGuard(vcpu, hostarch.PFN(0x500).Addr(), 1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("InstallIOGuard(memory) = %v, want EINVAL", err)
	}
}

func TestDMA(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(2)
	wantErr(t, "HostUseDMA(unaligned)", h.mm.HostUseDMA(pfn.Addr()+8, hostarch.PageSize), linuxerr.EINVAL)
	wantErr(t, "HostUseDMA", h.mm.HostUseDMA(pfn.Addr(), 2*hostarch.PageSize), nil)
	if got := h.mm.PageCount(pfn + 1); got != 1 {
		t.Errorf("PageCount = %d, want 1", got)
	}
	wantErr(t, "HostUnuseDMA", h.mm.HostUnuseDMA(pfn.Addr(), 2*hostarch.PageSize), nil)
	wantErr(t, "HostUnuseDMA(again)", h.mm.HostUnuseDMA(pfn.Addr(), hostarch.PageSize), linuxerr.EINVAL)
	wantErr(t, "HostUseDMA(hyp pool)", h.mm.HostUseDMA(hypPoolBase, hostarch.PageSize), linuxerr.EPERM)

	wantErr(t, "HostUseDMA(mmio)", h.mm.HostUseDMA(mmioBase, hostarch.PageSize), nil)
	h.wantState(mmioBase.PFN(), HostMMIO{DMA: true})
	wantErr(t, "HostUnuseDMA(mmio)", h.mm.HostUnuseDMA(mmioBase, hostarch.PageSize), nil)
	h.wantState(mmioBase.PFN(), HostMMIO{})
	wantErr(t, "HostUnuseDMA(mmio again)", h.mm.HostUnuseDMA(mmioBase, hostarch.PageSize), linuxerr.EPERM)
}

func TestModuleChangeHostPageProt(t *testing.T) {
	h := newHarness(t)
	pfn := h.hostPages(2)
	wantErr(t, "ModuleChangeHostPageProt(bad prot)", h.mm.ModuleChangeHostPageProt(pfn, 1<<7, 1), linuxerr.EINVAL)
	wantErr(t, "ModuleChangeHostPageProt(mmio)", h.mm.ModuleChangeHostPageProt(mmioBase.PFN(), 0, 1), linuxerr.EPERM)

	wantErr(t, "ModuleChangeHostPageProt(none)", h.mm.ModuleChangeHostPageProt(pfn, 0, 2), nil)
	h.wantState(pfn, ModuleOwned{})
	wantErr(t, "HandleMemAbort(module page)", h.mm.HandleMemAbort(pfn.Addr()), linuxerr.EPERM)
	wantErr(t, "HostDonateHyp(module page)", h.mm.HostDonateHyp(pfn, 1), linuxerr.EPERM)

	wantErr(t, "ModuleChangeHostPageProt(read)", h.mm.ModuleChangeHostPageProt(pfn, hostarch.ProtRead, 2), nil)
	h.wantState(pfn+1, ModuleOwned{})
	wantErr(t, "HandleMemAbort(read only page)", h.mm.HandleMemAbort(pfn.Addr()), linuxerr.EAGAIN)

	wantErr(t, "ModuleChangeHostPageProt(rwx)", h.mm.ModuleChangeHostPageProt(pfn, hostarch.ProtRWX, 2), nil)
	h.wantState(pfn, HostOwned{})
	wantErr(t, "HostDonateHyp", h.mm.HostDonateHyp(pfn, 2), nil)
}

func TestReclaimDyingGuest(t *testing.T) {
	h := newHarness(t)
	vm, vcpu := h.newVM(1, 2)
	owned := h.hostPages(1)
	shared := h.hostPages(1)
	wantErr(t, "HostDonateGuest", h.mm.HostDonateGuest(vcpu, owned, 0x10, 1), nil)
	wantErr(t, "HostShareGuest", h.mm.HostShareGuest(vcpu, shared, 0x11, 1, hostarch.ProtRW), nil)
	h.mem.Store64(owned.Addr()+0x80, 0xdeadbeef)

	wantErr(t, "HostReclaimPage(wrong ipa)", h.mm.HostReclaimPage(vm, owned, hostarch.PFN(0x11).Addr(), 0), linuxerr.EINVAL)
	wantErr(t, "HostReclaimPage(owned)", h.mm.HostReclaimPage(vm, owned, hostarch.PFN(0x10).Addr(), 0), nil)
	h.wantState(owned, HostOwned{})
	if !h.mem.IsZero(owned) {
		t.Errorf("reclaimed guest page was not wiped")
	}
	wantErr(t, "HostReclaimPage(shared)", h.mm.HostReclaimPage(vm, shared, hostarch.PFN(0x11).Addr(), 0), nil)
	h.wantState(shared, HostOwned{})
	if got := h.mm.PageCount(shared); got != 0 {
		t.Errorf("PageCount = %d, want 0", got)
	}
}

func TestVMTeardownReturnsPages(t *testing.T) {
	h := newHarness(t)
	vm, vcpu := h.newVM(7, 2)
	pfn := h.hostPages(1)
	wantErr(t, "HostShareGuest", h.mm.HostShareGuest(vcpu, pfn, 0x20, 1, hostarch.ProtRW), nil)
	wantErr(t, "HostUnshareGuest", h.mm.HostUnshareGuest(vm, pfn, 0x20, 0), nil)
	pgd := vm.pgd

	h.mm.DestroyVM(vm)
	var mc memcache.Memcache
	n, err := h.mm.DrainPool(vm, &mc)
	wantErr(t, "DrainPool", err, nil)
	// The root plus the table page taken from the vCPU memcache.
	if n != 2 || mc.NrPages != 2 {
		t.Fatalf("DrainPool returned %d pages (%d in memcache), want 2", n, mc.NrPages)
	}
	h.wantState(pgd, HostOwned{})
	mc.ForEach(h.mem, func(pfn hostarch.PFN, order uint8) {
		h.wantState(pfn, HostOwned{})
	})
	if vcpu.MC.NrPages != 1 {
		t.Errorf("vCPU memcache has %d pages, want 1", vcpu.MC.NrPages)
	}
}

func TestConcurrentTransitions(t *testing.T) {
	h := newHarness(t)
	const workers, rounds = 4, 50
	base := h.hostPages(workers * 4)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		pfn := base + hostarch.PFN(w*4)
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				if err := h.mm.HostDonateHyp(pfn, 2); err != nil {
					return err
				}
				if err := h.mm.HostShareHyp(pfn + 2); err != nil {
					return err
				}
				if err := h.mm.HypDonateHost(pfn, 2); err != nil {
					return err
				}
				if err := h.mm.HostUnshareHyp(pfn + 2); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	for i := hostarch.PFN(0); i < workers*4; i++ {
		h.wantState(base+i, HostOwned{})
	}
}
