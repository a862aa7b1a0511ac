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

package sim

import (
	"context"
	"fmt"
	"sort"

	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/hypercall"
	"gvisor.dev/pkvm/pkg/hyp/iommu"
	"gvisor.dev/pkvm/pkg/hyp/memprotect"
	"gvisor.dev/pkvm/pkg/log"
)

// Scenario is a workload run from one CPU. Every scenario gives back what
// it takes, so scenarios may run concurrently from distinct CPUs.
type Scenario struct {
	Name     string
	Synopsis string
	Run      func(ctx context.Context, e *Env, cpu int) error
}

var scenarios = map[string]Scenario{
	"share": {
		Name:     "share",
		Synopsis: "share a page with the hypervisor and check it cannot be donated while shared",
		Run:      runShare,
	},
	"vm": {
		Name:     "vm",
		Synopsis: "create a protected VM, give it memory, run guest calls and tear it down",
		Run:      runVM,
	},
	"iommu": {
		Name:     "iommu",
		Synopsis: "map a host page through an IOMMU domain and unmap it",
		Run:      runIOMMU,
	},
	"reclaim": {
		Name:     "reclaim",
		Synopsis: "run the vm scenario, then reclaim the memory the hypervisor allocators hold",
		Run:      runReclaim,
	},
}

// Scenarios returns every scenario, by name.
func Scenarios() []Scenario {
	ss := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].Name < ss[j].Name })
	return ss
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// expectState checks the state of pfn.
func expectState(e *Env, pfn hostarch.PFN, want memprotect.PageState) error {
	if got := e.Hyp.MM.HostPageState(pfn); got != want {
		return fmt.Errorf("page %v is %v, want %v", pfn, got, want)
	}
	return nil
}

func runShare(ctx context.Context, e *Env, cpu int) error {
	h := e.Host
	pfn, err := h.AllocPages(0)
	if err != nil {
		return err
	}
	defer h.FreePages(pfn, 0)

	if _, err := h.Call(ctx, cpu, hypercall.HostShareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		return fmt.Errorf("sharing %v: %w", pfn, err)
	}
	if err := expectState(e, pfn, memprotect.SharedHostHyp{}); err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.HostUnshareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		return fmt.Errorf("unsharing %v: %w", pfn, err)
	}

	if err := expectState(e, pfn, memprotect.HostOwned{}); err != nil {
		return err
	}

	// A shared page stays with the host until it is unshared.
	if _, err := h.Call(ctx, cpu, hypercall.HostShareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		return fmt.Errorf("sharing %v again: %w", pfn, err)
	}
	if _, err := h.Call(ctx, cpu, hypercall.HostDonateHyp, &hypercall.Args{uint64(pfn), 1}); !linuxerr.Equals(linuxerr.EPERM, err) {
		return fmt.Errorf("donating shared %v: got %v, want EPERM", pfn, err)
	}
	if _, err := h.Call(ctx, cpu, hypercall.HostUnshareHyp, &hypercall.Args{uint64(pfn)}); err != nil {
		return fmt.Errorf("unsharing %v: %w", pfn, err)
	}
	return expectState(e, pfn, memprotect.HostOwned{})
}

// Guest frames used by the vm scenario.
const (
	privateGFN = 0x10
	sharedGFN  = 0x11
	mmioIPA    = 0x200000
)

func runVM(ctx context.Context, e *Env, cpu int) error {
	h := e.Host
	vm, err := h.CreateVM(ctx, cpu, 1, 1)
	if err != nil {
		return fmt.Errorf("creating vm: %w", err)
	}
	log.Debugf("sim: cpu %d created vm %#x", cpu, vm.Handle)
	if err := h.LoadVCPU(ctx, cpu, vm, 0); err != nil {
		return err
	}

	private, err := h.DonateGuest(ctx, cpu, privateGFN)
	if err != nil {
		return fmt.Errorf("donating gfn %#x: %w", privateGFN, err)
	}
	if _, err := h.ShareGuest(ctx, cpu, sharedGFN, hostarch.ProtRW); err != nil {
		return fmt.Errorf("sharing gfn %#x: %w", sharedGFN, err)
	}

	ipa := uint64(hostarch.PFN(privateGFN).Addr())
	if _, err := h.Call(ctx, cpu, hypercall.GuestMemShare, &hypercall.Args{ipa, 1}); err != nil {
		return fmt.Errorf("guest sharing %#x: %w", ipa, err)
	}
	if err := expectState(e, private, memprotect.SharedGuestHost{VM: vm.Handle}); err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.GuestMemUnshare, &hypercall.Args{ipa, 1}); err != nil {
		return fmt.Errorf("guest unsharing %#x: %w", ipa, err)
	}

	if _, err := h.Call(ctx, cpu, hypercall.GuestMMIOGuardEnroll, &hypercall.Args{}); err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.GuestMMIOGuardMap, &hypercall.Args{mmioIPA, 1}); err != nil {
		return fmt.Errorf("guarding %#x: %w", mmioIPA, err)
	}
	if _, err := h.Call(ctx, cpu, hypercall.GuestMMIOGuardUnmap, &hypercall.Args{mmioIPA, 1}); err != nil {
		return fmt.Errorf("unguarding %#x: %w", mmioIPA, err)
	}

	if err := h.UnshareGuest(ctx, cpu, vm, sharedGFN); err != nil {
		return fmt.Errorf("unsharing gfn %#x: %w", sharedGFN, err)
	}
	if err := h.PutVCPU(ctx, cpu); err != nil {
		return err
	}
	if err := h.DestroyVM(ctx, cpu, vm); err != nil {
		return fmt.Errorf("destroying vm %#x: %w", vm.Handle, err)
	}
	return expectState(e, private, memprotect.HostOwned{})
}

// iovaBase is where the iommu scenario maps its page.
const iovaBase = 0x100000

func runIOMMU(ctx context.Context, e *Env, cpu int) error {
	h := e.Host
	domain := uint64(cpu % iommu.MaxDomains)
	const endpoint = 1

	pfn, err := h.AllocPages(0)
	if err != nil {
		return err
	}
	defer h.FreePages(pfn, 0)

	if _, err := h.Call(ctx, cpu, hypercall.IOMMUAllocDomain, &hypercall.Args{domain, uint64(iommu.DomainDMA)}); err != nil {
		return fmt.Errorf("allocating domain %d: %w", domain, err)
	}
	if _, err := h.Call(ctx, cpu, hypercall.IOMMUAttachDev, &hypercall.Args{domain, endpoint}); err != nil {
		return err
	}
	args := &hypercall.Args{domain, iovaBase, uint64(pfn.Addr()), hostarch.PageSize, 1, uint64(hostarch.ProtRW)}
	if _, err := h.Call(ctx, cpu, hypercall.IOMMUMapPages, args); err != nil {
		return fmt.Errorf("mapping %v: %w", pfn, err)
	}
	pa, err := h.Call(ctx, cpu, hypercall.IOMMUIOVAToPhys, &hypercall.Args{domain, iovaBase})
	if err != nil {
		return err
	}
	if hostarch.Addr(pa) != pfn.Addr() {
		return fmt.Errorf("iova %#x translates to %#x, want %v", iovaBase, pa, pfn.Addr())
	}
	if n := e.Hyp.MM.PageCount(pfn); n != 1 {
		return fmt.Errorf("mapped page %v has %d holders, want 1", pfn, n)
	}
	if _, err := h.Call(ctx, cpu, hypercall.IOMMUUnmapPages, &hypercall.Args{domain, iovaBase, hostarch.PageSize, 1}); err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.IOMMUDetachDev, &hypercall.Args{domain, endpoint}); err != nil {
		return err
	}
	if _, err := h.Call(ctx, cpu, hypercall.IOMMUFreeDomain, &hypercall.Args{domain}); err != nil {
		return err
	}
	return expectState(e, pfn, memprotect.HostOwned{})
}

func runReclaim(ctx context.Context, e *Env, cpu int) error {
	if err := runVM(ctx, e, cpu); err != nil {
		return err
	}
	n, err := e.Host.Reclaim(cpu, e.Hyp.Allocators.Reclaimable())
	if err != nil {
		return err
	}
	log.Infof("sim: cpu %d reclaimed %d pages, host has %d free pages", cpu, n, e.Host.FreeCount())
	return nil
}
