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

// Package pkvm is the protected VM table: the hypervisor's record of every
// guest, their vCPUs, and which vCPU each physical CPU has loaded.
//
// The host describes a guest through a page of its own memory, its KVM
// page, shared with and pinned by the hypervisor for the life of the VM.
// The hypervisor reads the vCPU count from it and writes the teardown
// memcache back into it, through which guest metadata pages return to the
// host.
package pkvm

import (
	"gvisor.dev/pkvm/pkg/atomicbitops"
	"gvisor.dev/pkvm/pkg/cleanup"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/alloc"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/memprotect"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/refs"
	"gvisor.dev/pkvm/pkg/sync"
)

const (
	// HandleOffset is added to a table index to form a VM handle, so that
	// zero is never a valid handle.
	HandleOffset = 0x1000

	// DefaultMaxVMs is the default size of the table.
	DefaultMaxVMs = 255

	// MaxVCPUs is the largest number of vCPUs a VM may have.
	MaxVCPUs = 64

	// vmMetaSize and vcpuMetaSize are the heap footprints of a VM and of
	// a vCPU.
	vmMetaSize   = 1024
	vcpuMetaSize = 512
)

// Layout of a host KVM page.
const (
	// KVMCreatedVCPUs holds the number of vCPUs the host created.
	KVMCreatedVCPUs = 0

	// KVMProtected is non-zero for a protected VM.
	KVMProtected = 8

	// KVMTeardownHead and KVMTeardownNrPages hold the teardown memcache.
	KVMTeardownHead    = 16
	KVMTeardownNrPages = 24
)

// VM is a guest.
type VM struct {
	// Handle identifies the VM to the host.
	Handle uint32

	// S2 is the guest's memory state.
	S2 *memprotect.VM

	hostKVM hostarch.PFN
	nrVCPUs int
	meta    hostarch.Addr

	// refs counts loaded vCPUs and GetVM callers. A VM with references
	// cannot start its teardown.
	refs refs.Refcount

	// dying is set by StartTeardown, under the table write lock.
	dying bool

	vcpusMu sync.Spinlock
	vcpus   []*VCPU

	// teardownMu serializes updates of the teardown memcache.
	teardownMu sync.Spinlock
}

// VCPU is a guest vCPU.
type VCPU struct {
	VM *VM

	// S2 is the vCPU's memory state, including its memcache.
	S2 memprotect.VCPU

	hostVCPU hostarch.PFN
	meta     hostarch.Addr
	loaded   atomicbitops.Bool
}

// Config configures a Table.
type Config struct {
	MaxVMs int
	NrCPUs int
	MM     *memprotect.MM
	Heap   *alloc.Heap
}

// Table is the VM table.
type Table struct {
	mm   *memprotect.MM
	heap *alloc.Heap

	mu  sync.RWSpinlock
	vms []*VM

	// loaded is indexed by CPU. Each entry is only touched by its CPU.
	loaded []*VCPU
}

// NewTable returns an empty VM table.
func NewTable(cfg Config) *Table {
	if cfg.MaxVMs <= 0 {
		cfg.MaxVMs = DefaultMaxVMs
	}
	return &Table{
		mm:     cfg.MM,
		heap:   cfg.Heap,
		vms:    make([]*VM, cfg.MaxVMs),
		loaded: make([]*VCPU, cfg.NrCPUs),
	}
}

// getLocked returns the VM with the given handle, or nil.
func (t *Table) getLocked(handle uint32) *VM {
	if handle < HandleOffset {
		return nil
	}
	idx := handle - HandleOffset
	if idx >= uint32(len(t.vms)) {
		return nil
	}
	return t.vms[idx]
}

func (t *Table) readKVM(pfn hostarch.PFN, off hostarch.Addr) uint64 {
	return t.mm.Mem().Load64(pfn.Addr() + off)
}

// InitVM creates a VM on behalf of cpu. hostKVM is the host KVM page,
// already shared with the hypervisor; the pgdPages pages at pgd become the
// VM's root table and pool. It returns the VM handle.
//
// A heap allocation failure is returned as is, ENOMEM meaning the host
// should refill the heap and retry.
func (t *Table) InitVM(cpu int, hostKVM, pgd hostarch.PFN, pgdPages uint64) (uint32, error) {
	if err := t.mm.PinSharedMem(hostKVM, 1); err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { t.warnOn(t.mm.UnpinSharedMem(hostKVM, 1), "unpinning kvm page %v", hostKVM) })
	defer cu.Clean()

	nrVCPUs := t.readKVM(hostKVM, KVMCreatedVCPUs)
	if nrVCPUs < 1 || nrVCPUs > MaxVCPUs {
		return 0, linuxerr.EINVAL
	}
	protected := t.readKVM(hostKVM, KVMProtected) != 0

	meta, err := t.heap.Alloc(cpu, vmMetaSize+nrVCPUs*8)
	if err != nil {
		return 0, err
	}
	cu.Add(func() { t.heap.Free(meta) })

	if pgdPages == 0 || pgdPages&(pgdPages-1) != 0 {
		return 0, linuxerr.EINVAL
	}
	if err := t.mm.HostDonateHyp(pgd, pgdPages); err != nil {
		return 0, linuxerr.EINVAL
	}
	cu.Add(func() { t.warnOn(t.mm.HypDonateHost(pgd, pgdPages), "returning pgd %v", pgd) })

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, vm := range t.vms {
		if vm == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, linuxerr.ENOSPC
	}
	handle := uint32(idx) + HandleOffset
	s2, err := t.mm.NewVM(handle, protected, pgd, pgdPages)
	if err != nil {
		return 0, err
	}
	t.vms[idx] = &VM{
		Handle:  handle,
		S2:      s2,
		hostKVM: hostKVM,
		nrVCPUs: int(nrVCPUs),
		meta:    meta,
		vcpus:   make([]*VCPU, 0, nrVCPUs),
	}
	cu.Release()
	return handle, nil
}

// InitVCPU adds the next vCPU to VM handle, on behalf of cpu. hostVCPU is
// the host's vCPU page, shared with the hypervisor. It returns the vCPU
// index.
func (t *Table) InitVCPU(cpu int, handle uint32, hostVCPU hostarch.PFN) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vm := t.getLocked(handle)
	if vm == nil {
		return 0, linuxerr.ENOENT
	}
	if err := t.mm.PinSharedMem(hostVCPU, 1); err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { t.warnOn(t.mm.UnpinSharedMem(hostVCPU, 1), "unpinning vcpu page %v", hostVCPU) })
	defer cu.Clean()

	meta, err := t.heap.Alloc(cpu, vcpuMetaSize)
	if err != nil {
		return 0, err
	}
	cu.Add(func() { t.heap.Free(meta) })

	vm.vcpusMu.Lock()
	defer vm.vcpusMu.Unlock()
	idx := len(vm.vcpus)
	if idx >= vm.nrVCPUs {
		return 0, linuxerr.EINVAL
	}
	vm.vcpus = append(vm.vcpus, &VCPU{
		VM:       vm,
		S2:       memprotect.VCPU{VM: vm.S2, Index: idx},
		hostVCPU: hostVCPU,
		meta:     meta,
	})
	cu.Release()
	return idx, nil
}

// GetVM returns VM handle with a reference held.
func (t *Table) GetVM(handle uint32) (*VM, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vm := t.getLocked(handle)
	if vm == nil {
		return nil, linuxerr.ENOENT
	}
	if vm.dying {
		return nil, linuxerr.EINVAL
	}
	vm.refs.Inc()
	return vm, nil
}

// PutVM drops a reference taken by GetVM.
func (t *Table) PutVM(vm *VM) {
	vm.refs.Dec()
}

// LoadVCPU loads vCPU idx of VM handle on cpu. A CPU holds at most one
// vCPU, and a vCPU is loaded on at most one CPU.
func (t *Table) LoadVCPU(cpu int, handle uint32, idx int) (*VCPU, error) {
	if t.loaded[cpu] != nil {
		return nil, linuxerr.EBUSY
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	vm := t.getLocked(handle)
	if vm == nil || vm.dying {
		return nil, linuxerr.ENOENT
	}
	vm.vcpusMu.Lock()
	var vcpu *VCPU
	if idx >= 0 && idx < len(vm.vcpus) {
		vcpu = vm.vcpus[idx]
	}
	vm.vcpusMu.Unlock()
	if vcpu == nil {
		return nil, linuxerr.EINVAL
	}
	if !vcpu.loaded.CompareAndSwap(false, true) {
		return nil, linuxerr.EBUSY
	}
	vm.refs.Inc()
	t.loaded[cpu] = vcpu
	return vcpu, nil
}

// PutVCPU unloads the vCPU loaded on cpu, if any.
func (t *Table) PutVCPU(cpu int) {
	vcpu := t.loaded[cpu]
	if vcpu == nil {
		return
	}
	t.loaded[cpu] = nil
	vcpu.loaded.Store(false)
	// The VM may be torn down once this drops.
	vcpu.VM.refs.Dec()
}

// Loaded returns the vCPU loaded on cpu, or nil.
func (t *Table) Loaded(cpu int) *VCPU {
	return t.loaded[cpu]
}

// TopupVCPU moves the pages of the host memcache mc into the memcache of
// the vCPU loaded on cpu.
func (t *Table) TopupVCPU(cpu int, mc *memcache.Memcache) error {
	vcpu := t.loaded[cpu]
	if vcpu == nil {
		return linuxerr.ENOENT
	}
	mem := t.mm.Mem()
	for !mc.Empty() {
		pfn, order, _ := mc.Peek()
		if err := t.mm.HostDonateHyp(pfn, 1<<order); err != nil {
			return err
		}
		mc.Pop(mem)
		vcpu.S2.MC.Push(mem, pfn, order)
	}
	return nil
}

// StartTeardown marks VM handle as dying. It fails with EBUSY while the VM
// is referenced.
func (t *Table) StartTeardown(handle uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	vm := t.getLocked(handle)
	switch {
	case vm == nil:
		return linuxerr.ENOENT
	case vm.refs.Read() != 0:
		return linuxerr.EBUSY
	case vm.dying:
		return linuxerr.EINVAL
	}
	vm.dying = true
	return nil
}

// teardownMC runs fn on the teardown memcache in vm's host KVM page.
func (t *Table) teardownMC(vm *VM, fn func(mc *memcache.Memcache)) {
	vm.teardownMu.Lock()
	defer vm.teardownMu.Unlock()
	mem := t.mm.Mem()
	base := vm.hostKVM.Addr()
	mc := memcache.Memcache{
		Head:    mem.Load64(base + KVMTeardownHead),
		NrPages: mem.Load64(base + KVMTeardownNrPages),
	}
	fn(&mc)
	mem.Store64(base+KVMTeardownHead, mc.Head)
	mem.Store64(base+KVMTeardownNrPages, mc.NrPages)
}

func (t *Table) drainPool(vm *VM) {
	t.teardownMC(vm, func(mc *memcache.Memcache) {
		_, err := t.mm.DrainPool(vm.S2, mc)
		t.warnOn(err, "draining vm%d pool", vm.Handle)
	})
}

// ReclaimDyingGuestPage gives a page of a dying VM back to the host, along
// with any VM pool pages its unmapping freed.
func (t *Table) ReclaimDyingGuestPage(handle uint32, pfn, gfn hostarch.PFN, order uint8) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vm := t.getLocked(handle)
	if vm == nil || !vm.dying {
		return linuxerr.EINVAL
	}
	if err := t.mm.HostReclaimPage(vm.S2, pfn, gfn.Addr(), order); err != nil {
		return err
	}
	t.drainPool(vm)
	return nil
}

// FinalizeTeardown destroys dying VM handle. Its stage-2, pool and vCPU
// memcache pages go back to the host through the teardown memcache.
func (t *Table) FinalizeTeardown(handle uint32) error {
	t.mu.Lock()
	vm := t.getLocked(handle)
	switch {
	case vm == nil:
		t.mu.Unlock()
		return linuxerr.ENOENT
	case !vm.dying:
		t.mu.Unlock()
		return linuxerr.EBUSY
	}
	t.vms[handle-HandleOffset] = nil
	t.mu.Unlock()

	// Nothing else can reach the VM now.
	t.mm.DestroyVM(vm.S2)
	t.drainPool(vm)
	mem := t.mm.Mem()
	t.teardownMC(vm, func(mc *memcache.Memcache) {
		for _, vcpu := range vm.vcpus {
			for !vcpu.S2.MC.Empty() {
				pfn, order, _ := vcpu.S2.MC.Pop(mem)
				if err := t.mm.HypDonateHost(pfn, 1<<order); err != nil {
					t.warnOn(err, "returning vcpu page %v", pfn)
					continue
				}
				mc.Push(mem, pfn, order)
			}
		}
	})
	for _, vcpu := range vm.vcpus {
		t.warnOn(t.mm.UnpinSharedMem(vcpu.hostVCPU, 1), "unpinning vcpu page %v", vcpu.hostVCPU)
		t.heap.Free(vcpu.meta)
	}
	t.heap.Free(vm.meta)
	t.warnOn(t.mm.UnpinSharedMem(vm.hostKVM, 1), "unpinning kvm page %v", vm.hostKVM)
	return nil
}

// VMs returns the live VMs, in handle order.
func (t *Table) VMs() []*VM {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var vms []*VM
	for _, vm := range t.vms {
		if vm != nil {
			vms = append(vms, vm)
		}
	}
	return vms
}

// NrVCPUs returns the number of initialized vCPUs.
func (vm *VM) NrVCPUs() int {
	vm.vcpusMu.Lock()
	defer vm.vcpusMu.Unlock()
	return len(vm.vcpus)
}

func (t *Table) warnOn(err error, format string, v ...any) {
	if err != nil {
		log.Warningf("pkvm: "+format+": %v", append(v, err)...)
	}
}
