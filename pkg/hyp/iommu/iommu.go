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

// Package iommu holds the hypervisor side of DMA isolation: the page
// allocator backing IOMMU page tables and the domains those tables
// translate for.
//
// Table pages come from two pools. The host pool starts empty and is
// refilled by the host through the allocator registry; an allocation that
// finds it empty records a memory request for the calling CPU, which the
// host reads back, satisfies and retries. The atomic pool is filled once at
// boot and serves callers that cannot hand a request back to the host.
//
// Every page a domain maps is pinned with HostUseDMA, so the host can
// neither donate it nor give it to a guest while a device can reach it.
package iommu

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/sync"
)

const (
	// DefaultHostPoolOrder is the largest block the host pool hands out.
	DefaultHostPoolOrder = 6

	// atomicPoolOrder is the largest block of the atomic pool.
	atomicPoolOrder = 10
)

// Memory is the physical memory pool pages live in.
type Memory interface {
	memcache.Memory
	pool.Zeroer
}

// DMA pins host pages for device access. It is implemented by
// memprotect.MM.
type DMA interface {
	HostUseDMA(addr hostarch.Addr, size uint64) error
	HostUnuseDMA(addr hostarch.Addr, size uint64) error
}

// RequestType is the kind of a pending request to the host.
type RequestType uint8

const (
	// RequestNone means no request is pending.
	RequestNone RequestType = iota

	// RequestMem asks the host for memory.
	RequestMem
)

// RequestDest names the allocator a memory request is for.
type RequestDest uint8

const (
	// DestHypIOMMU is the IOMMU host pool.
	DestHypIOMMU RequestDest = iota + 1
)

// Request is a request from the hypervisor to the host, left for the host
// to read after a call fails with ENOMEM.
type Request struct {
	Type RequestType `json:"type" yaml:"type"`
	Dest RequestDest `json:"dest" yaml:"dest"`

	// SizeAlloc is the size of each allocation the host should make.
	SizeAlloc uint64 `json:"size_alloc" yaml:"size_alloc"`

	// NrPages is the number of allocations.
	NrPages uint64 `json:"nr_pages" yaml:"nr_pages"`
}

// Config configures an IOMMU.
type Config struct {
	NrCPUs int
	Table  *vmemmap.Table
	Mem    Memory
	Donor  pool.Donor
	DMA    DMA

	// HostPoolOrder bounds the host pool blocks. DefaultHostPoolOrder is
	// used if zero.
	HostPoolOrder uint8

	// AtomicMC holds the pages of the atomic pool. It is drained by New.
	AtomicMC *memcache.Memcache
}

// IOMMU is the IOMMU page allocator and domain table.
type IOMMU struct {
	mem   Memory
	tbl   *vmemmap.Table
	donor pool.Donor
	dma   DMA

	hostPool   *pool.Pool
	atomicPool *pool.Pool

	// requests is indexed by CPU. Each entry is only touched by its CPU.
	requests []Request

	// domainMu serializes domain allocation and release.
	domainMu sync.Spinlock
	domains  [MaxDomains]domain
}

// New returns an IOMMU with an empty host pool and an atomic pool holding
// the pages of cfg.AtomicMC.
func New(cfg Config) (*IOMMU, error) {
	if cfg.NrCPUs <= 0 {
		return nil, linuxerr.EINVAL
	}
	order := cfg.HostPoolOrder
	if order == 0 {
		order = DefaultHostPoolOrder
	}
	if order >= pool.MaxOrder {
		return nil, linuxerr.EINVAL
	}
	io := &IOMMU{
		mem:        cfg.Mem,
		tbl:        cfg.Table,
		donor:      cfg.Donor,
		dma:        cfg.DMA,
		hostPool:   pool.New("iommu", cfg.Table, cfg.Mem),
		atomicPool: pool.New("iommu-atomic", cfg.Table, cfg.Mem),
		requests:   make([]Request, cfg.NrCPUs),
	}
	io.hostPool.InitEmpty(order)
	io.atomicPool.InitEmpty(atomicPoolOrder)
	if cfg.AtomicMC != nil {
		if err := io.atomicPool.Refill(cfg.Donor, cfg.Mem, cfg.AtomicMC); err != nil {
			return nil, fmt.Errorf("filling the atomic pool: %w", err)
		}
	}
	return io, nil
}

func (io *IOMMU) donatePages(p *pool.Pool, cpu int, order uint8, request bool) (hostarch.PFN, error) {
	pfn, err := p.AllocPages(order)
	if err == nil {
		return pfn, nil
	}
	if request {
		io.requests[cpu] = Request{
			Type:      RequestMem,
			Dest:      DestHypIOMMU,
			SizeAlloc: hostarch.OrderSize(order),
			NrPages:   1,
		}
	}
	return 0, err
}

func reclaimPages(p *pool.Pool, t *vmemmap.Table, pfn hostarch.PFN, order uint8) {
	// The pool may have handed out a larger block than asked for, never a
	// smaller one.
	if got := t.Page(pfn).Order; order > got {
		panic(fmt.Sprintf("iommu: reclaiming %v at order %d, allocated at order %d", pfn, order, got))
	}
	p.PutPage(pfn)
}

// DonatePages allocates a block of 2^order pages from the host pool. If the
// pool is empty and request is set, a memory request is left for cpu.
func (io *IOMMU) DonatePages(cpu int, order uint8, request bool) (hostarch.PFN, error) {
	return io.donatePages(io.hostPool, cpu, order, request)
}

// ReclaimPages releases a block returned by DonatePages.
func (io *IOMMU) ReclaimPages(pfn hostarch.PFN, order uint8) {
	reclaimPages(io.hostPool, io.tbl, pfn, order)
}

// DonatePagesAtomic allocates a block of 2^order pages from the atomic pool.
func (io *IOMMU) DonatePagesAtomic(order uint8) (hostarch.PFN, error) {
	return io.donatePages(io.atomicPool, 0, order, false)
}

// ReclaimPagesAtomic releases a block returned by DonatePagesAtomic.
func (io *IOMMU) ReclaimPagesAtomic(pfn hostarch.PFN, order uint8) {
	reclaimPages(io.atomicPool, io.tbl, pfn, order)
}

// TakeRequest returns the request pending for cpu, if any, and clears it.
func (io *IOMMU) TakeRequest(cpu int) Request {
	r := io.requests[cpu]
	io.requests[cpu] = Request{}
	return r
}

// SetRequest leaves r for the host on cpu. It fails with EBUSY if a request
// is already pending.
func (io *IOMMU) SetRequest(cpu int, r Request) error {
	if io.requests[cpu].Type != RequestNone {
		return linuxerr.EBUSY
	}
	io.requests[cpu] = r
	return nil
}

// Refill moves the pages of the host memcache mc into the host pool.
func (io *IOMMU) Refill(_ int, mc *memcache.Memcache) error {
	return io.hostPool.Refill(io.donor, io.mem, mc)
}

// Reclaimable returns the number of free pages of the host pool.
func (io *IOMMU) Reclaimable() uint64 {
	return io.hostPool.FreePages()
}

// Reclaim gives up to target free pages of the host pool back to the host
// through mc.
func (io *IOMMU) Reclaim(_ int, mc *memcache.Memcache, target uint64) {
	free := io.hostPool.FreePages()
	if _, err := io.hostPool.Reclaim(io.donor, io.mem, mc, free-min(target, free)); err != nil {
		log.Warningf("iommu: reclaim stopped early: %v", err)
	}
}

// AtomicFreePages returns the number of free pages of the atomic pool.
func (io *IOMMU) AtomicFreePages() uint64 {
	return io.atomicPool.FreePages()
}
