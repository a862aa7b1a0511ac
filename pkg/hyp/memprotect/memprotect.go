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

// Package memprotect implements the ownership and donation protocol between
// the host, the hypervisor and protected guests.
//
// Every physical page has exactly one owner. The owner may share it with one
// other component, or donate it, losing access. Each transition is checked
// against the current state of both ends under their locks before anything
// is written, so a rejected request leaves no trace.
//
// The host stage-2 is kept sparse: an absent entry over memory means the
// page is host owned and will be identity mapped on first access. The host's
// view of each memory page is recorded in the vmemmap. MMIO state lives in
// the host stage-2 itself.
//
// Locks are always taken in the order host, hyp, guest.
package memprotect

import (
	"time"

	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/physmem"
	"gvisor.dev/pkvm/pkg/sync"
)

// Component IDs, stored in host stage-2 annotations.
const (
	IDHost      pgtable.OwnerID = 0
	IDHyp       pgtable.OwnerID = 1
	IDGuest     pgtable.OwnerID = 2
	IDProtected pgtable.OwnerID = 3
)

// ModuleOwnedPage is the host state of memory whose host permissions were
// changed by a hypervisor module.
const ModuleOwnedPage pgtable.State = 1 << 5

// Default permissions.
const (
	hostMemProt  = hostarch.ProtRWX
	hostMMIOProt = hostarch.ProtRW | hostarch.ProtDevice
	hypMemProt   = hostarch.ProtRW
	hypMMIOProt  = hostarch.ProtRW | hostarch.ProtDevice
)

// guestMMUCacheMinPages is the number of vCPU memcache pages a guest
// request that may split a block mapping needs up front.
const guestMMUCacheMinPages = 1

// Config describes the memory the ownership layer manages.
type Config struct {
	// Mem is the physical address space.
	Mem *physmem.Memory

	// Table holds the metadata of every page of Mem's RAM.
	Table *vmemmap.Table

	// HostPool backs the host stage-2 tables.
	HostPool *pool.Pool

	// HypPool backs the hypervisor stage-1 tables.
	HypPool *pool.Pool

	// Debug enables the completer-side state checks that are redundant
	// with the initiator's.
	Debug bool
}

// MM is the ownership layer.
type MM struct {
	mem   *physmem.Memory
	table *vmemmap.Table
	debug bool

	host struct {
		mu   sync.Spinlock
		pgt  *pgtable.PageTable
		pool *pool.Pool
	}

	hyp struct {
		// mu is pkvm_pgd_lock.
		mu   sync.Spinlock
		pgt  *pgtable.PageTable
		pool *pool.Pool
	}

	// vmsMu protects vms.
	vmsMu sync.Spinlock
	vms   map[uint32]*VM

	// warn reports transitions that fail after their checks passed. It is
	// rate limited as the host drives how often that can happen.
	warn log.Logger
}

// poolMM allocates table pages from a pool.
type poolMM struct {
	p *pool.Pool
}

// ZallocPage implements pgtable.MMOps.ZallocPage.
func (m poolMM) ZallocPage(*memcache.Memcache) (hostarch.PFN, error) {
	return m.p.AllocPages(0)
}

// PutPage implements pgtable.MMOps.PutPage.
func (m poolMM) PutPage(pfn hostarch.PFN) {
	m.p.PutPage(pfn)
}

// New returns the ownership layer with every memory page owned by the host
// and nothing mapped in the hypervisor.
func New(cfg Config) *MM {
	mm := &MM{
		mem:   cfg.Mem,
		table: cfg.Table,
		debug: cfg.Debug,
		vms:   make(map[uint32]*VM),
		warn:  log.BasicRateLimitedLogger(time.Second),
	}
	mm.host.pool = cfg.HostPool
	mm.host.pgt = pgtable.New(poolMM{cfg.HostPool}, pgtable.Options{Name: "host"})
	mm.hyp.pool = cfg.HypPool
	mm.hyp.pgt = pgtable.New(poolMM{cfg.HypPool}, pgtable.Options{Name: "hyp"})
	return mm
}

// Mem returns the physical address space.
func (mm *MM) Mem() *physmem.Memory {
	return mm.mem
}

// Table returns the page metadata table.
func (mm *MM) Table() *vmemmap.Table {
	return mm.table
}

// HypPool returns the pool backing the hypervisor's private memory.
func (mm *MM) HypPool() *pool.Pool {
	return mm.hyp.pool
}

// HostPool returns the pool backing the host stage-2.
func (mm *MM) HostPool() *pool.Pool {
	return mm.host.pool
}

func (mm *MM) lockHost() {
	mm.host.mu.Lock()
}

func (mm *MM) unlockHost() {
	mm.host.mu.Unlock()
}

func (mm *MM) lockHyp() {
	mm.hyp.mu.Lock()
}

func (mm *MM) unlockHyp() {
	mm.hyp.mu.Unlock()
}

// warnOn reports err, if any, as a broken invariant and returns it.
func (mm *MM) warnOn(err error, format string, v ...any) error {
	if err != nil {
		mm.warn.Warningf("memprotect: "+format+": %v", append(v, err)...)
	}
	return err
}

// page returns the metadata of the RAM page containing addr.
func (mm *MM) page(addr hostarch.Addr) *vmemmap.Page {
	return mm.table.PageOf(addr)
}

// isRangeRefcounted returns true if any page of the range has a holder.
func (mm *MM) isRangeRefcounted(addr hostarch.Addr, nrPages uint64) bool {
	for i := uint64(0); i < nrPages; i++ {
		if mm.page(addr+hostarch.Addr(i*hostarch.PageSize)).Refcount.Read() != 0 {
			return true
		}
	}
	return false
}

// isRangePoolFree returns true if any page of the range sits in a free pool
// block.
func (mm *MM) isRangePoolFree(addr hostarch.Addr, nrPages uint64) bool {
	for i := uint64(0); i < nrPages; i++ {
		if mm.page(addr+hostarch.Addr(i*hostarch.PageSize)).Flags&vmemmap.PoolFree != 0 {
			return true
		}
	}
	return false
}

func pagesSize(nrPages uint64) (uint64, bool) {
	if nrPages == 0 || nrPages > (1<<(64-hostarch.PageShift))-1 {
		return 0, false
	}
	return nrPages << hostarch.PageShift, true
}

func orderSize(order uint8) (uint64, bool) {
	if order != 0 && order != hostarch.HugePageOrder {
		return 0, false
	}
	return hostarch.PageSize << order, true
}
