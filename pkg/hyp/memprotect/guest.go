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
	"fmt"

	"gvisor.dev/pkvm/pkg/atomicbitops"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/sync"
)

// VM is the hypervisor's view of a guest's memory: its stage-2 and the pool
// its tables come from.
type VM struct {
	// Handle identifies the VM to the host.
	Handle uint32

	// Protected is set for guests whose memory the host may not access.
	Protected bool

	// MMIOGuard is set once the guest enrolled in MMIO guard: it may then
	// only access MMIO through granted pages.
	MMIOGuard atomicbitops.Bool

	// mu is the stage-2 lock. It nests inside the host and hyp locks.
	mu sync.Spinlock

	mm   *MM
	pool *pool.Pool
	pgt  *pgtable.PageTable

	// pgd is the first of the pgdPages pages donated for the root table.
	pgd      hostarch.PFN
	pgdPages uint64
}

// VCPU is a guest vCPU as far as memory is concerned.
type VCPU struct {
	VM    *VM
	Index int

	// MC holds hypervisor-owned pages topped up by the host, consumed when
	// the guest stage-2 needs a table page and the VM pool is empty.
	MC memcache.Memcache
}

// guestMM allocates guest table pages from the VM pool, falling back on the
// vCPU memcache.
type guestMM struct {
	vm *VM
}

// ZallocPage implements pgtable.MMOps.ZallocPage.
func (g guestMM) ZallocPage(mc *memcache.Memcache) (hostarch.PFN, error) {
	if pfn, err := g.vm.pool.AllocPages(0); err == nil {
		return pfn, nil
	}
	if mc == nil {
		return 0, linuxerr.ENOMEM
	}
	mem := g.vm.mm.mem
	pfn, order, ok := mc.Pop(mem)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if order != 0 {
		g.vm.mm.warn.Warningf("memprotect: order-%d block %v in a stage-2 memcache", order, pfn)
	}
	mem.Zero(pfn, 1)
	page := g.vm.mm.table.Page(pfn)
	page.Refcount.Set(1)
	page.Order = 0
	return pfn, nil
}

// PutPage implements pgtable.MMOps.PutPage.
func (g guestMM) PutPage(pfn hostarch.PFN) {
	g.vm.pool.PutPage(pfn)
}

// NewVM sets up the stage-2 of a guest. The nrPages pages at pgd must have
// been donated to the hypervisor; they seed the VM pool and hold the root
// table.
func (mm *MM) NewVM(handle uint32, protected bool, pgd hostarch.PFN, nrPages uint64) (*VM, error) {
	if nrPages == 0 || nrPages&(nrPages-1) != 0 {
		return nil, linuxerr.EINVAL
	}
	order := uint8(0)
	for 1<<order < nrPages {
		order++
	}
	if order >= pool.MaxOrder || !pgd.IsAligned(order) {
		return nil, linuxerr.EINVAL
	}
	vm := &VM{
		Handle:    handle,
		Protected: protected,
		mm:        mm,
		pool:      pool.New(fmt.Sprintf("vm%d", handle), mm.table, mm.mem),
		pgd:       pgd,
		pgdPages:  nrPages,
	}
	if err := vm.pool.Init(pgd, nrPages, 0); err != nil {
		return nil, err
	}
	// The root table is carved out of the pool right away, as concatenated
	// pages the pool can later take back one by one.
	root, err := vm.pool.AllocPages(order)
	if err != nil {
		return nil, err
	}
	vm.pool.SplitPages(root)
	vm.pgd = root
	vm.pgt = pgtable.New(guestMM{vm}, pgtable.Options{Name: fmt.Sprintf("vm%d", handle)})

	mm.vmsMu.Lock()
	mm.vms[handle] = vm
	mm.vmsMu.Unlock()
	return vm, nil
}

// DestroyVM tears the guest stage-2 down. Table pages and the root return to
// the VM pool, to be given back to the host by DrainPool.
func (mm *MM) DestroyVM(vm *VM) {
	mm.vmsMu.Lock()
	delete(mm.vms, vm.Handle)
	mm.vmsMu.Unlock()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pgt.Destroy()
	for i := uint64(0); i < vm.pgdPages; i++ {
		vm.pool.PutPage(vm.pgd + hostarch.PFN(i))
	}
	vm.pgdPages = 0
}

// DrainPool gives every free page of the VM pool back to the host through
// mc.
func (mm *MM) DrainPool(vm *VM, mc *memcache.Memcache) (uint64, error) {
	return vm.pool.Reclaim(mm, mm.mem, mc, 0)
}

// Pool returns the VM's private pool.
func (vm *VM) Pool() *pool.Pool {
	return vm.pool
}

// Leaf returns the stage-2 entry covering ipa.
func (vm *VM) Leaf(ipa hostarch.Addr) (pgtable.PTE, pgtable.Level) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pgt.GetLeaf(ipa)
}

// Leaves returns every stage-2 leaf.
func (vm *VM) Leaves() []pgtable.Leaf {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pgt.Leaves()
}

// SetFaultInjector installs a fault injector on the guest stage-2.
func (vm *VM) SetFaultInjector(fn func() error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pgt.SetFaultInjector(fn)
}

// guestState returns the guest's view of a page given its stage-2 entry.
func guestState(pte pgtable.PTE) pgtable.State {
	if !pte.Valid() {
		if pte == pgtable.MMIONote {
			return pgtable.NoPage | pgtable.MMIO
		}
		return pgtable.NoPage
	}
	state := pte.State()
	if pte.Prot()&hostarch.ProtRWX != hostarch.ProtRWX {
		state |= pgtable.RestrictedProt
	}
	return state
}

func (vm *VM) checkRange(addr hostarch.Addr, size uint64, state pgtable.State) error {
	vm.mu.AssertHeld()
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		pte, _ := vm.pgt.GetLeaf(a)
		if guestState(pte) != state {
			return linuxerr.EPERM
		}
	}
	return nil
}

// guestRequest accumulates the leaves of a guest-initiated request.
type guestRequest struct {
	ipaStart  hostarch.Addr
	physStart hostarch.Addr
	size      uint64
	desired   pgtable.State
	mask      pgtable.State

	// maxPTEs bounds the number of leaves a single request walks.
	maxPTEs int
}

// noPhys marks a request over unmapped leaves.
const noPhys = ^hostarch.Addr(0)

func newGuestRequest(desired pgtable.State) *guestRequest {
	return &guestRequest{
		desired: desired,
		mask:    ^pgtable.State(0),
		maxPTEs: hostarch.PTEsPerTable,
	}
}

func (mm *MM) visitGuestRequest(r *guestRequest, l pgtable.Leaf) error {
	state := guestState(l.PTE)
	if state&r.mask != r.desired&r.mask {
		if state&pgtable.NoPage != 0 {
			return linuxerr.EFAULT
		}
		return linuxerr.EINVAL
	}

	phys := noPhys
	if state&pgtable.NoPage == 0 {
		phys = l.PTE.Addr()
		if !mm.mem.IsAllowedMemory(phys) {
			return linuxerr.EINVAL
		}
	}

	r.maxPTEs--
	granule := l.Level.Size()
	if r.size == 0 {
		r.physStart = phys
		r.size = granule
		r.ipaStart = l.Addr
	} else {
		// Only physically contiguous ranges can be described.
		if r.physStart != noPhys && phys != r.physStart+hostarch.Addr(r.size) {
			return linuxerr.E2BIG
		}
		r.size += granule
	}
	if r.maxPTEs <= 0 {
		return linuxerr.E2BIG
	}
	return nil
}

// walkGuestRequest visits every leaf covering [ipa, ipa+size), absent ones
// included, stopping at the first error.
func (mm *MM) walkGuestRequest(vm *VM, ipa hostarch.Addr, size uint64, r *guestRequest) error {
	vm.mu.AssertHeld()
	for a, end := ipa, ipa+hostarch.Addr(size); a < end; {
		pte, level := vm.pgt.GetLeaf(a)
		base := a &^ hostarch.Addr(level.Size()-1)
		if err := mm.visitGuestRequest(r, pgtable.Leaf{Addr: base, Level: level, PTE: pte}); err != nil {
			return err
		}
		a = base + hostarch.Addr(level.Size())
	}
	return nil
}

// guestRequestTransition checks a guest-initiated transition of up to
// nrPages pages at ipa from desired. It returns the physical address of the
// first page and the length of the physically contiguous prefix that can be
// processed.
func (mm *MM) guestRequestTransition(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64, desired pgtable.State) (hostarch.Addr, uint64, error) {
	size, ok := pagesSize(nrPages)
	if !ok || !ipa.IsPageAligned() || ipa+hostarch.Addr(size) < ipa {
		return 0, 0, linuxerr.EINVAL
	}
	r := newGuestRequest(desired)
	err := mm.walkGuestRequest(vcpu.VM, ipa, size, r)
	if err != nil && !linuxerr.Equals(linuxerr.E2BIG, err) {
		return 0, 0, err
	}
	if r.ipaStart > ipa || r.physStart == noPhys {
		return 0, 0, linuxerr.EINVAL
	}

	// A transition that does not cover whole blocks splits them, which
	// takes memory.
	offset := uint64(ipa - r.ipaStart)
	if offset != 0 || size < r.size {
		if vcpu.MC.NrPages < guestMMUCacheMinPages {
			return 0, 0, linuxerr.ENOMEM
		}
	}
	return r.physStart + hostarch.Addr(offset), min((r.size-offset)>>hostarch.PageShift, nrPages), nil
}

// guestValidPTE returns the stage-2 entry mapping pfn at ipa with the given
// order, which must be 0 or a block.
func (vm *VM) guestValidPTE(pfn hostarch.PFN, ipa hostarch.Addr, order uint8) (pgtable.PTE, error) {
	vm.mu.AssertHeld()
	size, ok := orderSize(order)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	pte, level := vm.pgt.GetLeaf(ipa)
	if !pte.Valid() {
		return 0, linuxerr.ENOENT
	}
	if level.Size() != size {
		return 0, linuxerr.E2BIG
	}
	if pte.Addr() != pfn.Addr() {
		return 0, linuxerr.EINVAL
	}
	return pte, nil
}
