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

package hypercall

import (
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/iommu"
	"gvisor.dev/pkvm/pkg/hyp/pkvm"
)

// hostDonateHyp: pfn, nr_pages.
func hostDonateHyp(h *Handler, _ int, a *Args) (uint64, error) {
	return 0, h.MM.HostDonateHyp(a.pfn(0), a[1])
}

// hostShareHyp: pfn.
func hostShareHyp(h *Handler, _ int, a *Args) (uint64, error) {
	return 0, h.MM.HostShareHyp(a.pfn(0))
}

// hostUnshareHyp: pfn.
func hostUnshareHyp(h *Handler, _ int, a *Args) (uint64, error) {
	return 0, h.MM.HostUnshareHyp(a.pfn(0))
}

// hostShareGuest: pfn, gfn, nr_pages, prot.
func hostShareGuest(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	prot, err := a.prot(3)
	if err != nil {
		return 0, err
	}
	return 0, h.MM.HostShareGuest(&vcpu.S2, a.pfn(0), a.pfn(1), a[2], prot)
}

// hostUnshareGuest: handle, pfn, gfn, order.
func hostUnshareGuest(h *Handler, _ int, a *Args) (uint64, error) {
	order, err := a.order(3)
	if err != nil {
		return 0, err
	}
	return 0, h.withVM(a, 0, func(vm *pkvm.VM) error {
		return h.MM.HostUnshareGuest(vm.S2, a.pfn(1), a.pfn(2), order)
	})
}

// hostDonateGuest: pfn, gfn, nr_pages.
func hostDonateGuest(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return 0, h.MM.HostDonateGuest(&vcpu.S2, a.pfn(0), a.pfn(1), a[2])
}

// relaxPerms: pfn, gfn, order, prot.
func relaxPerms(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	order, err := a.order(2)
	if err != nil {
		return 0, err
	}
	prot, err := a.prot(3)
	if err != nil {
		return 0, err
	}
	return 0, h.MM.RelaxPerms(&vcpu.S2, a.pfn(0), a.pfn(1), order, prot)
}

// wrprotect: handle, pfn, gfn, order.
func wrprotect(h *Handler, _ int, a *Args) (uint64, error) {
	order, err := a.order(3)
	if err != nil {
		return 0, err
	}
	return 0, h.withVM(a, 0, func(vm *pkvm.VM) error {
		return h.MM.Wrprotect(vm.S2, a.pfn(1), a.pfn(2), order)
	})
}

// dirtyLog: pfn, gfn.
func dirtyLog(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return 0, h.MM.DirtyLog(&vcpu.S2, a.pfn(0), a.pfn(1))
}

// initVM: host kvm pfn, pgd pfn, pgd pages. Returns the handle.
func initVM(h *Handler, cpu int, a *Args) (uint64, error) {
	handle, err := h.VMs.InitVM(cpu, a.pfn(0), a.pfn(1), a[2])
	return uint64(handle), err
}

// initVCPU: handle, host vcpu pfn. Returns the vCPU index.
func initVCPU(h *Handler, cpu int, a *Args) (uint64, error) {
	handle, err := a.uint32(0)
	if err != nil {
		return 0, err
	}
	idx, err := h.VMs.InitVCPU(cpu, handle, a.pfn(1))
	return uint64(idx), err
}

// vcpuLoad: handle, vcpu index.
func vcpuLoad(h *Handler, cpu int, a *Args) (uint64, error) {
	handle, err := a.uint32(0)
	if err != nil {
		return 0, err
	}
	if a[1] >= pkvm.MaxVCPUs {
		return 0, linuxerr.EINVAL
	}
	_, err = h.VMs.LoadVCPU(cpu, handle, int(a[1]))
	return 0, err
}

// vcpuPut: none.
func vcpuPut(h *Handler, cpu int, _ *Args) (uint64, error) {
	h.VMs.PutVCPU(cpu)
	return 0, nil
}

// vcpuTopup: memcache head, memcache nr_pages.
func vcpuTopup(h *Handler, cpu int, a *Args) (uint64, error) {
	mc := a.memcache(0)
	defer a.setMemcache(0, mc)
	return 0, h.VMs.TopupVCPU(cpu, mc)
}

// startTeardown: handle.
func startTeardown(h *Handler, _ int, a *Args) (uint64, error) {
	handle, err := a.uint32(0)
	if err != nil {
		return 0, err
	}
	return 0, h.VMs.StartTeardown(handle)
}

// finalizeTeardown: handle.
func finalizeTeardown(h *Handler, _ int, a *Args) (uint64, error) {
	handle, err := a.uint32(0)
	if err != nil {
		return 0, err
	}
	return 0, h.VMs.FinalizeTeardown(handle)
}

// reclaimDyingGuestPage: handle, pfn, gfn, order.
func reclaimDyingGuestPage(h *Handler, _ int, a *Args) (uint64, error) {
	handle, err := a.uint32(0)
	if err != nil {
		return 0, err
	}
	order, err := a.order(3)
	if err != nil {
		return 0, err
	}
	return 0, h.VMs.ReclaimDyingGuestPage(handle, a.pfn(1), a.pfn(2), order)
}

func allocatorID(a *Args, i int) (allocmgt.ID, error) {
	if a[i] >= allocmgt.MaxAllocators {
		return 0, linuxerr.EINVAL
	}
	return allocmgt.ID(a[i]), nil
}

// allocMgtRefill: allocator id, memcache head, memcache nr_pages.
func allocMgtRefill(h *Handler, cpu int, a *Args) (uint64, error) {
	id, err := allocatorID(a, 0)
	if err != nil {
		return 0, err
	}
	mc := a.memcache(1)
	defer a.setMemcache(1, mc)
	return 0, h.Allocators.Refill(cpu, id, mc)
}

// allocMgtReclaimable: none. Returns the number of reclaimable pages.
func allocMgtReclaimable(h *Handler, _ int, _ *Args) (uint64, error) {
	return h.Allocators.Reclaimable(), nil
}

// allocMgtReclaim: target, memcache head, memcache nr_pages. Returns the
// number of pages pushed to the memcache.
func allocMgtReclaim(h *Handler, cpu int, a *Args) (uint64, error) {
	mc := a.memcache(1)
	defer a.setMemcache(1, mc)
	return h.Allocators.Reclaim(cpu, mc, a[0]), nil
}

// hypRequest: none. Returns the number of blocks an allocator asked for
// on this CPU, zero if none, and sets args to the allocator id and the
// block order.
func hypRequest(h *Handler, cpu int, a *Args) (uint64, error) {
	if h.Heap != nil {
		if n := h.Heap.MissingDonations(cpu); n != 0 {
			a[0], a[1] = uint64(allocmgt.HeapID), 0
			return uint64(n), nil
		}
	}
	if h.IOMMU != nil {
		if r := h.IOMMU.TakeRequest(cpu); r.Type == iommu.RequestMem {
			order := uint8(0)
			for hostarch.OrderSize(order) < r.SizeAlloc {
				order++
			}
			a[0], a[1] = uint64(allocmgt.IOMMUID), uint64(order)
			return r.NrPages, nil
		}
	}
	return 0, nil
}

// poolFreePages: none. Returns the free pages of the hypervisor pool.
func poolFreePages(h *Handler, _ int, _ *Args) (uint64, error) {
	return h.MM.HypPool().FreePages(), nil
}

// pageCount: pfn. Returns the page's refcount.
func pageCount(h *Handler, _ int, a *Args) (uint64, error) {
	if !h.MM.Table().Contains(a.pfn(0)) {
		return 0, linuxerr.EINVAL
	}
	return uint64(h.MM.PageCount(a.pfn(0))), nil
}

func domainID(a *Args, i int) (uint32, error) {
	if a[i] >= iommu.MaxDomains {
		return 0, linuxerr.EINVAL
	}
	return uint32(a[i]), nil
}

// iommuAllocDomain: domain id, domain type.
func iommuAllocDomain(h *Handler, _ int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	typ, err := a.uint32(1)
	if err != nil {
		return 0, err
	}
	return 0, h.IOMMU.AllocDomain(id, iommu.DomainType(typ))
}

// iommuFreeDomain: domain id.
func iommuFreeDomain(h *Handler, _ int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	return 0, h.IOMMU.FreeDomain(id)
}

// iommuAttachDev: domain id, endpoint.
func iommuAttachDev(h *Handler, _ int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	ep, err := a.uint32(1)
	if err != nil {
		return 0, err
	}
	return 0, h.IOMMU.AttachDev(id, ep)
}

// iommuDetachDev: domain id, endpoint.
func iommuDetachDev(h *Handler, _ int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	ep, err := a.uint32(1)
	if err != nil {
		return 0, err
	}
	return 0, h.IOMMU.DetachDev(id, ep)
}

// iommuMapPages: domain id, iova, paddr, pgsize, pgcount, prot. Returns the
// number of bytes mapped.
func iommuMapPages(h *Handler, cpu int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	prot, err := a.prot(5)
	if err != nil {
		return 0, err
	}
	return h.IOMMU.MapPages(cpu, id, a.addr(1), a.addr(2), a[3], a[4], prot)
}

// iommuUnmapPages: domain id, iova, pgsize, pgcount. Returns the number of
// bytes unmapped.
func iommuUnmapPages(h *Handler, cpu int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	return h.IOMMU.UnmapPages(cpu, id, a.addr(1), a[2], a[3])
}

// iommuIOVAToPhys: domain id, iova. Returns the physical address.
func iommuIOVAToPhys(h *Handler, _ int, a *Args) (uint64, error) {
	id, err := domainID(a, 0)
	if err != nil {
		return 0, err
	}
	pa, err := h.IOMMU.IOVAToPhys(id, a.addr(1))
	return uint64(pa), err
}
