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

// Package setup brings the hypervisor up on a simulated machine.
package setup

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/cleanup"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/alloc"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/hypercall"
	"gvisor.dev/pkvm/pkg/hyp/iommu"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/memprotect"
	"gvisor.dev/pkvm/pkg/hyp/pkvm"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/physmem"
)

// Layout describes where boot put things.
type Layout struct {
	HypPool     physmem.Region `json:"hyp_pool" yaml:"hyp_pool"`
	HostPool    physmem.Region `json:"host_pool" yaml:"host_pool"`
	IOMMUAtomic physmem.Region `json:"iommu_atomic" yaml:"iommu_atomic"`
	Heap        physmem.Region `json:"heap" yaml:"heap"`
}

// Hypervisor is a booted hypervisor.
type Hypervisor struct {
	Config *config.Config
	Layout Layout

	Mem        *physmem.Memory
	Table      *vmemmap.Table
	MM         *memprotect.MM
	Heap       *alloc.Heap
	IOMMU      *iommu.IOMMU
	Allocators *allocmgt.Registry
	VMs        *pkvm.Table

	handler hypercall.Handler
	cpus    []*CPU
}

// CPU is a physical CPU of the hypervisor.
type CPU struct {
	ID int
	h  *Hypervisor
}

// Call issues hypercall id from this CPU.
func (c *CPU) Call(id hypercall.ID, args *hypercall.Args) (uint64, int) {
	return c.h.handler.Dispatch(c.ID, id, args)
}

func region(pfn hostarch.PFN, nrPages uint64) physmem.Region {
	return physmem.Region{Base: pfn.Addr(), Size: nrPages * hostarch.PageSize}
}

// Boot maps the machine described by cfg and initializes the hypervisor on
// it. The boot pages are carved out of the end of the highest mappable
// memory region: the hypervisor pool, then the host stage-2 pool, both
// owned by the hypervisor from then on, then the IOMMU atomic pool, donated
// through the regular path.
func Boot(cfg *config.Config) (*Hypervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	carve, _ := cfg.CarveOut()

	mem, err := physmem.New(cfg.Memory, cfg.MMIO)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	regions := mem.MemoryRegions()
	tbl := vmemmap.New(regions[0].Base, regions[len(regions)-1].End())

	hypPFN := carve.Base.PFN()
	hostPFN := hypPFN + hostarch.PFN(cfg.HypPoolPages)
	atomicPFN := hostPFN + hostarch.PFN(cfg.HostS2PoolPages)
	layout := Layout{
		HypPool:     region(hypPFN, cfg.HypPoolPages),
		HostPool:    region(hostPFN, cfg.HostS2PoolPages),
		IOMMUAtomic: region(atomicPFN, cfg.IOMMUAtomicPages),
		Heap:        physmem.Region{Base: cfg.HeapVA, Size: cfg.HeapVASize},
	}

	hypPool := pool.New("hyp", tbl, mem)
	if err := hypPool.Init(hypPFN, cfg.HypPoolPages, 0); err != nil {
		return nil, fmt.Errorf("initializing the hyp pool: %w", err)
	}
	hostPool := pool.New("host", tbl, mem)
	if err := hostPool.Init(hostPFN, cfg.HostS2PoolPages, 0); err != nil {
		return nil, fmt.Errorf("initializing the host stage-2 pool: %w", err)
	}
	mm := memprotect.New(memprotect.Config{
		Mem:      mem,
		Table:    tbl,
		HostPool: hostPool,
		HypPool:  hypPool,
		Debug:    cfg.Debug,
	})
	for _, r := range []physmem.Region{layout.HypPool, layout.HostPool} {
		if err := mm.Reserve(r.Base, r.Size); err != nil {
			return nil, fmt.Errorf("reserving %v: %w", r, err)
		}
	}

	heap, err := alloc.New(alloc.Config{
		Start:  cfg.HeapVA,
		Size:   cfg.HeapVASize,
		NrCPUs: cfg.NrCPUs,
		Mem:    mem,
		Donor:  mm,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing the heap: %w", err)
	}

	var atomicMC *memcache.Memcache
	if cfg.IOMMUAtomicPages > 0 {
		atomicMC = &memcache.Memcache{}
		for i := uint64(0); i < cfg.IOMMUAtomicPages; i++ {
			atomicMC.Push(mem, atomicPFN+hostarch.PFN(i), 0)
		}
	}
	io, err := iommu.New(iommu.Config{
		NrCPUs:        cfg.NrCPUs,
		Table:         tbl,
		Mem:           mem,
		Donor:         mm,
		DMA:           mm,
		HostPoolOrder: cfg.IOMMUPoolOrder,
		AtomicMC:      atomicMC,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing the iommu: %w", err)
	}

	var registry allocmgt.Registry
	for _, a := range []struct {
		want allocmgt.ID
		a    allocmgt.Allocator
	}{
		{allocmgt.HeapID, heap},
		{allocmgt.IOMMUID, io},
	} {
		id, err := registry.Register(a.a)
		if err != nil {
			return nil, fmt.Errorf("registering allocator %d: %w", a.want, err)
		}
		if id != a.want {
			panic(fmt.Sprintf("allocator registered as %d, want %d", id, a.want))
		}
	}
	registry.Close()

	h := &Hypervisor{
		Config:     cfg,
		Layout:     layout,
		Mem:        mem,
		Table:      tbl,
		MM:         mm,
		Heap:       heap,
		IOMMU:      io,
		Allocators: &registry,
		VMs: pkvm.NewTable(pkvm.Config{
			MaxVMs: cfg.MaxVMs,
			NrCPUs: cfg.NrCPUs,
			MM:     mm,
			Heap:   heap,
		}),
	}
	h.handler = hypercall.Handler{
		MM:         mm,
		VMs:        h.VMs,
		Allocators: h.Allocators,
		Heap:       heap,
		IOMMU:      io,
	}
	for i := 0; i < cfg.NrCPUs; i++ {
		h.cpus = append(h.cpus, &CPU{ID: i, h: h})
	}
	cu.Release()

	log.Infof("setup: hyp pool %v, host pool %v, iommu atomic pool %v, heap %v, %d cpus",
		layout.HypPool, layout.HostPool, layout.IOMMUAtomic, layout.Heap, cfg.NrCPUs)
	return h, nil
}

// Call issues hypercall id from cpu.
func (h *Hypervisor) Call(cpu int, id hypercall.ID, args *hypercall.Args) (uint64, int) {
	return h.handler.Dispatch(cpu, id, args)
}

// HostMemory returns the memory left to the host after boot: the mappable
// RAM regions minus the boot pages.
func (h *Hypervisor) HostMemory() []physmem.Region {
	carve, _ := h.Config.CarveOut()
	var regions []physmem.Region
	for _, r := range h.Mem.MemoryRegions() {
		if r.NoMap {
			continue
		}
		if r.Contains(carve.Base) {
			r.Size = uint64(carve.Base - r.Base)
		}
		if r.Size != 0 {
			regions = append(regions, r)
		}
	}
	return regions
}

// CPU returns CPU i.
func (h *Hypervisor) CPU(i int) *CPU {
	return h.cpus[i]
}

// CPUs returns every CPU.
func (h *Hypervisor) CPUs() []*CPU {
	return h.cpus
}

// CheckInvariants checks the free lists of the boot pools.
func (h *Hypervisor) CheckInvariants() error {
	for _, p := range []*pool.Pool{h.MM.HypPool(), h.MM.HostPool()} {
		if err := p.CheckInvariants(); err != nil {
			return fmt.Errorf("%s pool: %w", p.Name(), err)
		}
	}
	return nil
}

// Close releases the machine's memory. The hypervisor must not be used
// afterwards.
func (h *Hypervisor) Close() error {
	return h.Mem.Close()
}
