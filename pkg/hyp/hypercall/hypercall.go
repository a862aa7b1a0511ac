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

// Package hypercall decodes the calls the host and guests make into the
// hypervisor and dispatches them to the memory management core.
//
// A call is a number and six argument registers. The result is a return
// register and a status, zero or a negative errno. Calls that move pages
// through a memcache read its head and length from two argument registers
// and write them back before returning, so the caller sees what was left
// in, or added to, the memcache even when the call fails.
package hypercall

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/alloc"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/iommu"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/memprotect"
	"gvisor.dev/pkvm/pkg/hyp/pkvm"
	"gvisor.dev/pkvm/pkg/log"
)

// ID is a hypercall number.
type ID uint32

// Host hypercalls.
const (
	HostDonateHyp ID = iota + 1
	HostShareHyp
	HostUnshareHyp
	HostShareGuest
	HostUnshareGuest
	HostDonateGuest
	RelaxPerms
	Wrprotect
	DirtyLog
	InitVM
	InitVCPU
	VCPULoad
	VCPUPut
	VCPUTopup
	StartTeardown
	FinalizeTeardown
	ReclaimDyingGuestPage
	AllocMgtRefill
	AllocMgtReclaimable
	AllocMgtReclaim
	HypRequest
	PoolFreePages
	PageCount
	IOMMUAllocDomain
	IOMMUFreeDomain
	IOMMUAttachDev
	IOMMUDetachDev
	IOMMUMapPages
	IOMMUUnmapPages
	IOMMUIOVAToPhys
)

// Guest hypercalls. They act on the vCPU loaded on the calling CPU.
const (
	GuestMemShare ID = iota + 0x100
	GuestMemUnshare
	GuestMMIOGuardEnroll
	GuestMMIOGuardMap
	GuestMMIOGuardUnmap
)

// Args holds the argument registers of a call.
type Args [6]uint64

// Fn implements a hypercall. It may write results back into args.
type Fn func(h *Handler, cpu int, args *Args) (uint64, error)

// Call describes a hypercall.
type Call struct {
	Name string
	Fn   Fn
}

// Handler dispatches hypercalls to the hypervisor's state.
type Handler struct {
	MM         *memprotect.MM
	VMs        *pkvm.Table
	Allocators *allocmgt.Registry
	Heap       *alloc.Heap
	IOMMU      *iommu.IOMMU
}

// Dispatch runs call id with args on behalf of cpu. It returns the return
// register and the status. Unknown calls fail with -ENOSYS.
func (h *Handler) Dispatch(cpu int, id ID, args *Args) (uint64, int) {
	c, ok := table[id]
	if !ok {
		return 0, linuxerr.ToStatus(linuxerr.ENOSYS)
	}
	ret, err := c.Fn(h, cpu, args)
	if err != nil && log.IsLogging(log.Debug) {
		log.Debugf("hypercall: %s on cpu %d: %v", c.Name, cpu, err)
	}
	return ret, linuxerr.ToStatus(err)
}

// String implements fmt.Stringer.
func (id ID) String() string {
	if c, ok := table[id]; ok {
		return c.Name
	}
	return fmt.Sprintf("hypercall(%#x)", uint32(id))
}

// Lookup returns the hypercall named name.
func Lookup(name string) (ID, bool) {
	for id, c := range table {
		if c.Name == name {
			return id, true
		}
	}
	return 0, false
}

func (a *Args) pfn(i int) hostarch.PFN {
	return hostarch.PFN(a[i])
}

func (a *Args) addr(i int) hostarch.Addr {
	return hostarch.Addr(a[i])
}

func (a *Args) uint32(i int) (uint32, error) {
	if a[i] > 0xffffffff {
		return 0, linuxerr.EINVAL
	}
	return uint32(a[i]), nil
}

func (a *Args) order(i int) (uint8, error) {
	if a[i] >= 64 {
		return 0, linuxerr.EINVAL
	}
	return uint8(a[i]), nil
}

func (a *Args) prot(i int) (hostarch.Prot, error) {
	if a[i] > 0xff {
		return 0, linuxerr.EINVAL
	}
	return hostarch.Prot(a[i]), nil
}

func (a *Args) memcache(i int) *memcache.Memcache {
	return &memcache.Memcache{Head: a[i], NrPages: a[i+1]}
}

func (a *Args) setMemcache(i int, mc *memcache.Memcache) {
	a[i], a[i+1] = mc.Head, mc.NrPages
}

// loaded returns the vCPU loaded on cpu.
func (h *Handler) loaded(cpu int) (*pkvm.VCPU, error) {
	vcpu := h.VMs.Loaded(cpu)
	if vcpu == nil {
		return nil, linuxerr.EINVAL
	}
	return vcpu, nil
}

// withVM runs fn on VM handle, holding a reference.
func (h *Handler) withVM(a *Args, i int, fn func(vm *pkvm.VM) error) error {
	handle, err := a.uint32(i)
	if err != nil {
		return err
	}
	vm, err := h.VMs.GetVM(handle)
	if err != nil {
		return err
	}
	defer h.VMs.PutVM(vm)
	return fn(vm)
}

var table = map[ID]Call{
	HostDonateHyp:         {"host_donate_hyp", hostDonateHyp},
	HostShareHyp:          {"host_share_hyp", hostShareHyp},
	HostUnshareHyp:        {"host_unshare_hyp", hostUnshareHyp},
	HostShareGuest:        {"host_share_guest", hostShareGuest},
	HostUnshareGuest:      {"host_unshare_guest", hostUnshareGuest},
	HostDonateGuest:       {"host_donate_guest", hostDonateGuest},
	RelaxPerms:            {"relax_perms", relaxPerms},
	Wrprotect:             {"wrprotect", wrprotect},
	DirtyLog:              {"dirty_log", dirtyLog},
	InitVM:                {"init_vm", initVM},
	InitVCPU:              {"init_vcpu", initVCPU},
	VCPULoad:              {"vcpu_load", vcpuLoad},
	VCPUPut:               {"vcpu_put", vcpuPut},
	VCPUTopup:             {"vcpu_topup", vcpuTopup},
	StartTeardown:         {"start_teardown_vm", startTeardown},
	FinalizeTeardown:      {"finalize_teardown_vm", finalizeTeardown},
	ReclaimDyingGuestPage: {"reclaim_dying_guest_page", reclaimDyingGuestPage},
	AllocMgtRefill:        {"alloc_mgt_refill", allocMgtRefill},
	AllocMgtReclaimable:   {"alloc_mgt_reclaimable", allocMgtReclaimable},
	AllocMgtReclaim:       {"alloc_mgt_reclaim", allocMgtReclaim},
	HypRequest:            {"hyp_request", hypRequest},
	PoolFreePages:         {"pool_free_pages", poolFreePages},
	PageCount:             {"page_count", pageCount},
	IOMMUAllocDomain:      {"iommu_alloc_domain", iommuAllocDomain},
	IOMMUFreeDomain:       {"iommu_free_domain", iommuFreeDomain},
	IOMMUAttachDev:        {"iommu_attach_dev", iommuAttachDev},
	IOMMUDetachDev:        {"iommu_detach_dev", iommuDetachDev},
	IOMMUMapPages:         {"iommu_map_pages", iommuMapPages},
	IOMMUUnmapPages:       {"iommu_unmap_pages", iommuUnmapPages},
	IOMMUIOVAToPhys:       {"iommu_iova_to_phys", iommuIOVAToPhys},

	GuestMemShare:        {"guest_mem_share", guestMemShare},
	GuestMemUnshare:      {"guest_mem_unshare", guestMemUnshare},
	GuestMMIOGuardEnroll: {"guest_mmio_guard_enroll", guestMMIOGuardEnroll},
	GuestMMIOGuardMap:    {"guest_mmio_guard_map", guestMMIOGuardMap},
	GuestMMIOGuardUnmap:  {"guest_mmio_guard_unmap", guestMMIOGuardUnmap},
}
