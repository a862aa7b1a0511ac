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

package host

import (
	"context"
	"fmt"

	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/hypercall"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pkvm"
)

// GuestPage is a host page given to a guest.
type GuestPage struct {
	PFN hostarch.PFN `json:"pfn" yaml:"pfn"`

	// Shared is set for pages the host still owns.
	Shared bool `json:"shared" yaml:"shared"`
}

// VM is the host's view of a guest.
type VM struct {
	Handle uint32

	kvm   hostarch.PFN
	vcpus []hostarch.PFN

	// guest maps guest frames to the pages behind them.
	guest map[hostarch.PFN]GuestPage
}

// Pages returns the pages given to the guest, by guest frame.
func (vm *VM) Pages() map[hostarch.PFN]GuestPage {
	pages := make(map[hostarch.PFN]GuestPage, len(vm.guest))
	for gfn, p := range vm.guest {
		pages[gfn] = p
	}
	return pages
}

// sharedPage returns a fresh page shared with the hypervisor.
func (h *Host) sharedPage(ctx context.Context, cpu int) (hostarch.PFN, error) {
	pfn, err := h.AllocPages(0)
	if err != nil {
		return 0, err
	}
	if _, err := h.Call(ctx, cpu, hypercall.HostShareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		h.FreePages(pfn, 0)
		return 0, err
	}
	return pfn, nil
}

func (h *Host) unsharePage(ctx context.Context, cpu int, pfn hostarch.PFN) error {
	if _, err := h.Call(ctx, cpu, hypercall.HostUnshareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		return fmt.Errorf("unsharing %v: %w", pfn, err)
	}
	h.FreePages(pfn, 0)
	return nil
}

// CreateVM creates a protected VM with nrVCPUs vCPUs and a stage-2 root of
// pgdPages pages.
func (h *Host) CreateVM(ctx context.Context, cpu int, nrVCPUs int, pgdPages uint64) (*VM, error) {
	if pgdPages == 0 || pgdPages&(pgdPages-1) != 0 {
		return nil, linuxerr.EINVAL
	}
	order := uint8(0)
	for 1<<order < pgdPages {
		order++
	}
	kvm, err := h.sharedPage(ctx, cpu)
	if err != nil {
		return nil, err
	}
	h.mem.Store64(kvm.Addr()+pkvm.KVMCreatedVCPUs, uint64(nrVCPUs))
	h.mem.Store64(kvm.Addr()+pkvm.KVMProtected, 1)
	h.mem.Store64(kvm.Addr()+pkvm.KVMTeardownHead, 0)
	h.mem.Store64(kvm.Addr()+pkvm.KVMTeardownNrPages, 0)
	pgd, err := h.AllocPages(order)
	if err != nil {
		h.unsharePage(ctx, cpu, kvm)
		return nil, err
	}
	handle, err := h.Call(ctx, cpu, hypercall.InitVM, &hypercall.Args{uint64(kvm), uint64(pgd), pgdPages})
	if err != nil {
		h.FreePages(pgd, order)
		h.unsharePage(ctx, cpu, kvm)
		return nil, err
	}
	vm := &VM{
		Handle: uint32(handle),
		kvm:    kvm,
		guest:  make(map[hostarch.PFN]GuestPage),
	}
	for i := 0; i < nrVCPUs; i++ {
		if err := h.createVCPU(ctx, cpu, vm); err != nil {
			return nil, fmt.Errorf("creating vcpu %d of vm %#x: %w", i, vm.Handle, err)
		}
	}
	h.mu.Lock()
	h.vms[vm.Handle] = vm
	h.mu.Unlock()
	return vm, nil
}

func (h *Host) createVCPU(ctx context.Context, cpu int, vm *VM) error {
	pfn, err := h.sharedPage(ctx, cpu)
	if err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.InitVCPU, &hypercall.Args{uint64(vm.Handle), uint64(pfn)}); err != nil {
		h.unsharePage(ctx, cpu, pfn)
		return err
	}
	vm.vcpus = append(vm.vcpus, pfn)
	return nil
}

// LoadVCPU loads vCPU idx of vm on cpu.
func (h *Host) LoadVCPU(ctx context.Context, cpu int, vm *VM, idx int) error {
	if _, err := h.Call(ctx, cpu, hypercall.VCPULoad, &hypercall.Args{uint64(vm.Handle), uint64(idx)}); err != nil {
		return err
	}
	h.mu.Lock()
	h.loaded[cpu] = vm
	h.mu.Unlock()
	return nil
}

// PutVCPU unloads the vCPU loaded on cpu.
func (h *Host) PutVCPU(ctx context.Context, cpu int) error {
	if _, err := h.Call(ctx, cpu, hypercall.VCPUPut, &hypercall.Args{}); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.loaded, cpu)
	h.mu.Unlock()
	return nil
}

func (h *Host) loadedVM(cpu int) (*VM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.loaded[cpu]
	if !ok {
		return nil, linuxerr.EINVAL
	}
	return vm, nil
}

// giveGuest hands a fresh page to the guest whose vCPU is loaded on cpu,
// at gfn.
func (h *Host) giveGuest(ctx context.Context, cpu int, gfn hostarch.PFN, shared bool, prot hostarch.Prot) (hostarch.PFN, error) {
	vm, err := h.loadedVM(cpu)
	if err != nil {
		return 0, err
	}
	pfn, err := h.AllocPages(0)
	if err != nil {
		return 0, err
	}
	args := &hypercall.Args{uint64(pfn), uint64(gfn), 1}
	id := hypercall.HostDonateGuest
	if shared {
		id = hypercall.HostShareGuest
		args[3] = uint64(prot)
	}
	if _, err := h.Call(ctx, cpu, id, args); err != nil {
		h.FreePages(pfn, 0)
		return 0, err
	}
	h.mu.Lock()
	vm.guest[gfn] = GuestPage{PFN: pfn, Shared: shared}
	h.mu.Unlock()
	return pfn, nil
}

// DonateGuest gives a fresh page to the guest loaded on cpu, at gfn.
func (h *Host) DonateGuest(ctx context.Context, cpu int, gfn hostarch.PFN) (hostarch.PFN, error) {
	return h.giveGuest(ctx, cpu, gfn, false, 0)
}

// ShareGuest shares a fresh page with the guest loaded on cpu, at gfn.
func (h *Host) ShareGuest(ctx context.Context, cpu int, gfn hostarch.PFN, prot hostarch.Prot) (hostarch.PFN, error) {
	return h.giveGuest(ctx, cpu, gfn, true, prot)
}

// UnshareGuest revokes the page shared with vm at gfn and takes it back.
func (h *Host) UnshareGuest(ctx context.Context, cpu int, vm *VM, gfn hostarch.PFN) error {
	h.mu.Lock()
	p, ok := vm.guest[gfn]
	h.mu.Unlock()
	if !ok || !p.Shared {
		return linuxerr.EINVAL
	}
	if _, err := h.Call(ctx, cpu, hypercall.HostUnshareGuest, &hypercall.Args{uint64(vm.Handle), uint64(p.PFN), uint64(gfn), 0}); err != nil {
		return err
	}
	h.mu.Lock()
	delete(vm.guest, gfn)
	h.mu.Unlock()
	h.FreePages(p.PFN, 0)
	return nil
}

// DestroyVM tears vm down and takes back every page it used: guest pages,
// stage-2 pages and the pages shared with the hypervisor.
func (h *Host) DestroyVM(ctx context.Context, cpu int, vm *VM) error {
	if _, err := h.Call(ctx, cpu, hypercall.StartTeardown, &hypercall.Args{uint64(vm.Handle)}); err != nil {
		return err
	}
	for gfn, p := range vm.guest {
		args := &hypercall.Args{uint64(vm.Handle), uint64(p.PFN), uint64(gfn), 0}
		if _, err := h.Call(ctx, cpu, hypercall.ReclaimDyingGuestPage, args); err != nil {
			return fmt.Errorf("reclaiming gfn %v: %w", gfn, err)
		}
		delete(vm.guest, gfn)
		h.FreePages(p.PFN, 0)
	}
	if _, err := h.Call(ctx, cpu, hypercall.FinalizeTeardown, &hypercall.Args{uint64(vm.Handle)}); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.vms, vm.Handle)
	h.mu.Unlock()

	h.Release(&memcache.Memcache{
		Head:    h.mem.Load64(vm.kvm.Addr() + pkvm.KVMTeardownHead),
		NrPages: h.mem.Load64(vm.kvm.Addr() + pkvm.KVMTeardownNrPages),
	})
	for _, pfn := range append(vm.vcpus, vm.kvm) {
		if err := h.unsharePage(ctx, cpu, pfn); err != nil {
			return err
		}
	}
	return nil
}

// VMs returns the live VMs.
func (h *Host) VMs() []*VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	vms := make([]*VM, 0, len(h.vms))
	for _, vm := range h.vms {
		vms = append(vms, vm)
	}
	return vms
}
