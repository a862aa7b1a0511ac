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
	"fmt"
	"math"
	"math/bits"

	"gvisor.dev/pkvm/pkg/atomicbitops"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/sync"
)

// MaxDomains is the number of domain IDs.
const MaxDomains = 64

// DomainType selects where a domain's table pages come from.
type DomainType uint32

const (
	// DomainDMA tables come from the host pool.
	DomainDMA DomainType = iota

	// DomainAtomic tables come from the atomic pool.
	DomainAtomic
)

// mapProt are the permissions a device mapping may carry.
const mapProt = hostarch.ProtRW | hostarch.ProtDevice

// domain is an IOMMU address space.
//
// refs is zero while the domain is free. Allocation holds one reference and
// each attached endpoint one more. Calls using the domain take a reference
// for their duration.
type domain struct {
	refs atomicbitops.Uint32

	mu        sync.Spinlock
	mm        domainMM
	pgt       *pgtable.PageTable
	endpoints map[uint32]struct{}
}

// domainMM allocates table pages for a domain. cpu is set under the domain
// lock before each table update.
type domainMM struct {
	io     *IOMMU
	atomic bool
	cpu    int
}

// ZallocPage implements pgtable.MMOps.ZallocPage.
func (m *domainMM) ZallocPage(*memcache.Memcache) (hostarch.PFN, error) {
	var (
		pfn hostarch.PFN
		err error
	)
	if m.atomic {
		pfn, err = m.io.DonatePagesAtomic(0)
	} else {
		pfn, err = m.io.DonatePages(m.cpu, 0, true)
	}
	if err != nil {
		return 0, err
	}
	m.io.mem.Zero(pfn, 1)
	return pfn, nil
}

// PutPage implements pgtable.MMOps.PutPage.
func (m *domainMM) PutPage(pfn hostarch.PFN) {
	if m.atomic {
		m.io.ReclaimPagesAtomic(pfn, 0)
	} else {
		m.io.ReclaimPages(pfn, 0)
	}
}

func (d *domain) get() bool {
	for {
		old := d.refs.Load()
		if old == 0 {
			return false
		}
		if old == math.MaxUint32 {
			panic("iommu: domain reference count overflow")
		}
		if d.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

func (d *domain) put() {
	if d.refs.Sub(1) == 0 {
		panic("iommu: dropped the last domain reference")
	}
}

func (io *IOMMU) domain(id uint32) (*domain, error) {
	if id >= MaxDomains {
		return nil, linuxerr.EINVAL
	}
	return &io.domains[id], nil
}

// getDomain returns the live domain id with a reference held.
func (io *IOMMU) getDomain(id uint32) (*domain, error) {
	d, err := io.domain(id)
	if err != nil {
		return nil, err
	}
	if !d.get() {
		return nil, linuxerr.EINVAL
	}
	return d, nil
}

// AllocDomain creates domain id. It fails with EINVAL if the domain is in
// use.
func (io *IOMMU) AllocDomain(id uint32, typ DomainType) error {
	d, err := io.domain(id)
	if err != nil {
		return err
	}
	if typ > DomainAtomic {
		return linuxerr.EINVAL
	}
	io.domainMu.Lock()
	defer io.domainMu.Unlock()
	if d.refs.Load() != 0 {
		return linuxerr.EINVAL
	}
	d.mm = domainMM{io: io, atomic: typ == DomainAtomic}
	d.pgt = pgtable.New(&d.mm, pgtable.Options{Name: fmt.Sprintf("iommu domain %d", id)})
	d.endpoints = make(map[uint32]struct{})
	d.refs.Store(1)
	return nil
}

// FreeDomain releases domain id, unpinning whatever it still maps. It fails
// with EINVAL if the domain is free, attached or in use.
func (io *IOMMU) FreeDomain(id uint32) error {
	d, err := io.domain(id)
	if err != nil {
		return err
	}
	io.domainMu.Lock()
	defer io.domainMu.Unlock()
	if !d.refs.CompareAndSwap(1, 0) {
		return linuxerr.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.pgt.Leaves() {
		if l.PTE.Valid() {
			io.warnOn(io.dma.HostUnuseDMA(l.PTE.Addr(), l.Level.Size()), "unpinning %v", l.PTE.Addr())
		}
	}
	d.pgt.Destroy()
	d.pgt = nil
	d.endpoints = nil
	return nil
}

// AttachDev attaches endpoint to domain id.
func (io *IOMMU) AttachDev(id, endpoint uint32) error {
	d, err := io.getDomain(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[endpoint]; ok {
		d.put()
		return linuxerr.EEXIST
	}
	// The reference taken above is kept until DetachDev.
	d.endpoints[endpoint] = struct{}{}
	return nil
}

// DetachDev detaches endpoint from domain id.
func (io *IOMMU) DetachDev(id, endpoint uint32) error {
	d, err := io.domain(id)
	if err != nil {
		return err
	}
	if d.refs.Load() <= 1 {
		return linuxerr.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[endpoint]; !ok {
		return linuxerr.ENOENT
	}
	delete(d.endpoints, endpoint)
	d.put()
	return nil
}

func checkPgsize(pgsize, pgcount uint64) (uint64, error) {
	if pgsize != hostarch.PageSize && pgsize != hostarch.HugePageSize {
		return 0, linuxerr.EINVAL
	}
	hi, size := bits.Mul64(pgsize, pgcount)
	if hi != 0 || size == 0 {
		return 0, linuxerr.EINVAL
	}
	return size, nil
}

// MapPages maps pgcount pages of pgsize bytes at iova in domain id to paddr,
// on behalf of cpu. It returns the number of bytes mapped; on a partial
// mapping the error says why it stopped, and the host either continues from
// there or unmaps what was done. If the domain needs table pages the host
// pool lacks, the error is ENOMEM and a request is left for cpu.
func (io *IOMMU) MapPages(cpu int, id uint32, iova, paddr hostarch.Addr, pgsize, pgcount uint64, prot hostarch.Prot) (uint64, error) {
	if prot&^mapProt != 0 {
		return 0, linuxerr.EINVAL
	}
	size, err := checkPgsize(pgsize, pgcount)
	if err != nil {
		return 0, err
	}
	if iova+hostarch.Addr(size) < iova || paddr+hostarch.Addr(size) < paddr {
		return 0, linuxerr.EINVAL
	}
	if uint64(iova)&(pgsize-1) != 0 || uint64(paddr)&(pgsize-1) != 0 {
		return 0, linuxerr.EINVAL
	}
	d, err := io.getDomain(id)
	if err != nil {
		return 0, err
	}
	defer d.put()

	if err := io.dma.HostUseDMA(paddr, size); err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.mm.cpu = cpu
	var mapped uint64
	for mapped < size {
		a := iova + hostarch.Addr(mapped)
		if err = d.pgt.Walk(a, pgsize, func(l pgtable.Leaf) error {
			if l.PTE.Valid() {
				return linuxerr.EEXIST
			}
			return nil
		}); err != nil {
			break
		}
		if err = d.pgt.Map(a, pgsize, paddr+hostarch.Addr(mapped), prot, pgtable.Owned, nil); err != nil {
			break
		}
		mapped += pgsize
	}
	d.mu.Unlock()

	if mapped < size {
		io.warnOn(io.dma.HostUnuseDMA(paddr+hostarch.Addr(mapped), size-mapped), "unpinning %v", paddr+hostarch.Addr(mapped))
	}
	return mapped, err
}

// UnmapPages unmaps pgcount pages of pgsize bytes at iova in domain id, on
// behalf of cpu, and unpins what they mapped. It stops at the first page
// with nothing mapped and returns the number of bytes unmapped.
func (io *IOMMU) UnmapPages(cpu int, id uint32, iova hostarch.Addr, pgsize, pgcount uint64) (uint64, error) {
	size, err := checkPgsize(pgsize, pgcount)
	if err != nil {
		return 0, err
	}
	if iova+hostarch.Addr(size) < iova || uint64(iova)&(pgsize-1) != 0 {
		return 0, linuxerr.EINVAL
	}
	d, err := io.getDomain(id)
	if err != nil {
		return 0, err
	}
	defer d.put()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mm.cpu = cpu
	var unmapped uint64
	for unmapped < size {
		a := iova + hostarch.Addr(unmapped)
		end := a + hostarch.Addr(pgsize)
		type pinned struct {
			phys hostarch.Addr
			size uint64
		}
		var pins []pinned
		d.pgt.Walk(a, pgsize, func(l pgtable.Leaf) error {
			if !l.PTE.Valid() {
				return nil
			}
			lo, hi := max(l.Addr, a), min(l.End(), end)
			pins = append(pins, pinned{l.PTE.Addr() + (lo - l.Addr), uint64(hi - lo)})
			return nil
		})
		if len(pins) == 0 {
			break
		}
		if err = d.pgt.Unmap(a, pgsize); err != nil {
			break
		}
		for _, p := range pins {
			io.warnOn(io.dma.HostUnuseDMA(p.phys, p.size), "unpinning %v", p.phys)
		}
		unmapped += pgsize
	}
	if unmapped == 0 && err == nil {
		err = linuxerr.ENOENT
	}
	return unmapped, err
}

// IOVAToPhys translates iova in domain id.
func (io *IOMMU) IOVAToPhys(id uint32, iova hostarch.Addr) (hostarch.Addr, error) {
	d, err := io.getDomain(id)
	if err != nil {
		return 0, err
	}
	defer d.put()

	d.mu.Lock()
	defer d.mu.Unlock()
	pte, level := d.pgt.GetLeaf(iova)
	if !pte.Valid() {
		return 0, linuxerr.ENOENT
	}
	return pte.Addr() + iova&hostarch.Addr(level.Size()-1), nil
}

// TablePages returns the number of table pages domain id uses.
func (io *IOMMU) TablePages(id uint32) (int, error) {
	d, err := io.getDomain(id)
	if err != nil {
		return 0, err
	}
	defer d.put()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pgt.TablePages(), nil
}

func (io *IOMMU) warnOn(err error, format string, v ...any) {
	if err != nil {
		log.Warningf("iommu: "+format+": %v", append(v, err)...)
	}
}
