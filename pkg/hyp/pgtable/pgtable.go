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

// Package pgtable models a stage-2 page table.
//
// Leaves are kept in an ordered tree keyed by input address. A leaf maps
// either a 4K page or a 2M block. Every 2M region holding page leaves is
// backed by one table page obtained from the owner's MMOps, and the table
// page is released once the region holds no entry. Blocks are split into
// pages when an operation covers part of them.
//
// A PageTable is not synchronized; its owner serializes access.
package pgtable

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
)

// MMOps provides table pages.
type MMOps interface {
	// ZallocPage returns a zeroed page, taking it from mc if the owner
	// has nowhere else to get it from. It returns ENOMEM on exhaustion.
	ZallocPage(mc *memcache.Memcache) (hostarch.PFN, error)

	// PutPage releases a page returned by ZallocPage.
	PutPage(pfn hostarch.PFN)
}

// PermPolicy computes the permissions of a leaf when a relaxation to want is
// requested on a leaf currently mapped with old.
type PermPolicy func(old, want hostarch.Prot) (hostarch.Prot, error)

// DefaultPermPolicy allows adding any of read, write and execute. Requests
// outside that set fail with EPERM. Permissions are never removed.
func DefaultPermPolicy(old, want hostarch.Prot) (hostarch.Prot, error) {
	if !want.Subset(hostarch.ProtRWX) {
		return old, linuxerr.EPERM
	}
	return old | want, nil
}

// Options configures a PageTable.
type Options struct {
	// Name identifies the table in messages.
	Name string

	// ForcePageMappings disables block mappings of valid entries.
	ForcePageMappings bool

	// Policy governs RelaxPerms. DefaultPermPolicy is used if nil.
	Policy PermPolicy
}

// Leaf is a leaf entry.
type Leaf struct {
	Addr  hostarch.Addr `json:"addr" yaml:"addr"`
	Level Level         `json:"level" yaml:"level"`
	PTE   PTE           `json:"pte" yaml:"pte"`
}

// End returns the first address after the leaf.
func (l Leaf) End() hostarch.Addr {
	return l.Addr + hostarch.Addr(l.Level.Size())
}

func leafLess(a, b Leaf) bool {
	return a.Addr < b.Addr
}

// PageTable is a stage-2 page table.
type PageTable struct {
	opts   Options
	mm     MMOps
	leaves *btree.BTreeG[Leaf]

	// tables maps the base of every 2M region holding page leaves to its
	// table page.
	tables map[hostarch.Addr]*table

	// inject, if set, is consulted before every mutation.
	inject func() error
}

type table struct {
	pfn  hostarch.PFN
	used int
}

// New returns an empty page table.
func New(mm MMOps, opts Options) *PageTable {
	if opts.Policy == nil {
		opts.Policy = DefaultPermPolicy
	}
	return &PageTable{
		opts:   opts,
		mm:     mm,
		leaves: btree.NewG[Leaf](8, leafLess),
		tables: make(map[hostarch.Addr]*table),
	}
}

// SetFaultInjector installs fn, which is called before each mutation. A
// non-nil return fails the mutation before it touches the table.
func (pt *PageTable) SetFaultInjector(fn func() error) {
	pt.inject = fn
}

func (pt *PageTable) injected() error {
	if pt.inject == nil {
		return nil
	}
	return pt.inject()
}

// addrEnd returns the next size-aligned boundary after addr, or end if that
// comes earlier.
func addrEnd(addr, end hostarch.Addr, size uint64) hostarch.Addr {
	next := (addr + hostarch.Addr(size)) &^ hostarch.Addr(size-1)
	if next < addr || next > end {
		return end
	}
	return next
}

func checkRange(addr hostarch.Addr, size uint64) (hostarch.Addr, error) {
	end := addr + hostarch.Addr(size)
	if size == 0 || !addr.IsPageAligned() || size%hostarch.PageSize != 0 || end < addr {
		return 0, linuxerr.EINVAL
	}
	return end, nil
}

// GetLeaf returns the leaf covering addr. An absent entry is reported as an
// empty PTE at the level it would be installed at.
func (pt *PageTable) GetLeaf(addr hostarch.Addr) (PTE, Level) {
	base := addr.HugeRoundDown()
	if _, ok := pt.tables[base]; ok {
		l, _ := pt.leaves.Get(Leaf{Addr: addr.RoundDown()})
		return l.PTE, PageLevel
	}
	l, _ := pt.leaves.Get(Leaf{Addr: base})
	return l.PTE, BlockLevel
}

// RegionEmpty returns true if the 2M region containing addr has no entries.
func (pt *PageTable) RegionEmpty(addr hostarch.Addr) bool {
	base := addr.HugeRoundDown()
	if _, ok := pt.tables[base]; ok {
		return false
	}
	_, ok := pt.leaves.Get(Leaf{Addr: base})
	return !ok
}

// Map maps [addr, addr+size) to phys. Table pages are obtained through
// MMOps with mc. On failure the table is unchanged.
func (pt *PageTable) Map(addr hostarch.Addr, size uint64, phys hostarch.Addr, prot hostarch.Prot, state State, mc *memcache.Memcache) error {
	if !phys.IsPageAligned() || phys+hostarch.Addr(size) < phys {
		return linuxerr.EINVAL
	}
	return pt.set(addr, size, mc, !pt.opts.ForcePageMappings, func(a hostarch.Addr) PTE {
		return MakePTE(phys+(a-addr), prot, state)
	})
}

// Unmap removes every entry in [addr, addr+size), annotations included.
func (pt *PageTable) Unmap(addr hostarch.Addr, size uint64) error {
	return pt.set(addr, size, nil, true, func(hostarch.Addr) PTE { return 0 })
}

// SetOwner annotates [addr, addr+size) as owned by owner. Owner zero
// removes the entries.
func (pt *PageTable) SetOwner(addr hostarch.Addr, size uint64, owner OwnerID, mc *memcache.Memcache) error {
	pte := OwnerPTE(owner)
	return pt.set(addr, size, mc, true, func(hostarch.Addr) PTE { return pte })
}

// Annotate installs the invalid entry pte over [addr, addr+size), always at
// page granularity.
func (pt *PageTable) Annotate(addr hostarch.Addr, size uint64, pte PTE, mc *memcache.Memcache) error {
	if pte.Valid() {
		return linuxerr.EINVAL
	}
	return pt.set(addr, size, mc, false, func(hostarch.Addr) PTE { return pte })
}

// set installs mk(a) for every page a of [addr, addr+size).
func (pt *PageTable) set(addr hostarch.Addr, size uint64, mc *memcache.Memcache, blocks bool, mk func(a hostarch.Addr) PTE) error {
	end, err := checkRange(addr, size)
	if err != nil {
		return err
	}
	if err := pt.injected(); err != nil {
		return err
	}

	// Allocate every table page first so that the update cannot fail
	// halfway.
	useBlock := func(a, next hostarch.Addr) bool {
		if !blocks || !a.IsHugePageAligned() || uint64(next-a) != hostarch.HugePageSize {
			return false
		}
		pte := mk(a)
		return !pte.Valid() || pte.Addr().IsHugePageAligned()
	}
	var prealloc []hostarch.PFN
	for a := addr; a < end; {
		next := addrEnd(a, end, hostarch.HugePageSize)
		if _, ok := pt.tables[a.HugeRoundDown()]; !ok && !useBlock(a, next) && !(mk(a).Empty() && pt.RegionEmpty(a)) {
			pfn, err := pt.mm.ZallocPage(mc)
			if err != nil {
				for _, pfn := range prealloc {
					pt.mm.PutPage(pfn)
				}
				return err
			}
			prealloc = append(prealloc, pfn)
		}
		a = next
	}

	for a := addr; a < end; {
		next := addrEnd(a, end, hostarch.HugePageSize)
		base := a.HugeRoundDown()
		if useBlock(a, next) {
			pt.clearRegion(base)
			if pte := mk(a); !pte.Empty() {
				pt.leaves.ReplaceOrInsert(Leaf{Addr: a, Level: BlockLevel, PTE: pte})
			}
			a = next
			continue
		}
		t, ok := pt.tables[base]
		if !ok {
			if mk(a).Empty() && pt.RegionEmpty(a) {
				a = next
				continue
			}
			t = &table{pfn: prealloc[0]}
			prealloc = prealloc[1:]
			pt.installTable(base, t)
		}
		for ; a < next; a += hostarch.PageSize {
			pt.setPage(t, a, mk(a))
		}
		if t.used == 0 {
			pt.freeTable(base)
		}
	}
	return nil
}

// installTable replaces the block leaf of the region at base, if any, with
// equivalent page leaves.
func (pt *PageTable) installTable(base hostarch.Addr, t *table) {
	pt.tables[base] = t
	block, ok := pt.leaves.Delete(Leaf{Addr: base})
	if !ok {
		return
	}
	for i := uint64(0); i < hostarch.PTEsPerTable; i++ {
		pte := block.PTE
		if pte.Valid() {
			pte = MakePTE(pte.Addr()+hostarch.Addr(i*hostarch.PageSize), pte.Prot(), pte.State())
		}
		pt.leaves.ReplaceOrInsert(Leaf{Addr: base + hostarch.Addr(i*hostarch.PageSize), Level: PageLevel, PTE: pte})
	}
	t.used = hostarch.PTEsPerTable
}

func (pt *PageTable) setPage(t *table, a hostarch.Addr, pte PTE) {
	if pte.Empty() {
		if _, ok := pt.leaves.Delete(Leaf{Addr: a}); ok {
			t.used--
		}
		return
	}
	if _, replaced := pt.leaves.ReplaceOrInsert(Leaf{Addr: a, Level: PageLevel, PTE: pte}); !replaced {
		t.used++
	}
}

// clearRegion removes every entry of the region at base and frees its table
// page.
func (pt *PageTable) clearRegion(base hostarch.Addr) {
	if _, ok := pt.tables[base]; !ok {
		pt.leaves.Delete(Leaf{Addr: base})
		return
	}
	var addrs []hostarch.Addr
	pt.leaves.AscendRange(Leaf{Addr: base}, Leaf{Addr: base + hostarch.HugePageSize}, func(l Leaf) bool {
		addrs = append(addrs, l.Addr)
		return true
	})
	for _, a := range addrs {
		pt.leaves.Delete(Leaf{Addr: a})
	}
	pt.freeTable(base)
}

func (pt *PageTable) freeTable(base hostarch.Addr) {
	t := pt.tables[base]
	delete(pt.tables, base)
	pt.mm.PutPage(t.pfn)
}

// Walk calls fn for each leaf intersecting [addr, addr+size), in address
// order. fn may modify the table.
func (pt *PageTable) Walk(addr hostarch.Addr, size uint64, fn func(l Leaf) error) error {
	end, err := checkRange(addr, size)
	if err != nil {
		return err
	}
	var leaves []Leaf
	pt.leaves.AscendRange(Leaf{Addr: addr.HugeRoundDown()}, Leaf{Addr: end}, func(l Leaf) bool {
		if l.End() > addr {
			leaves = append(leaves, l)
		}
		return true
	})
	for _, l := range leaves {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

// RelaxPerms widens the permissions of the valid leaf covering addr according
// to the table's PermPolicy.
func (pt *PageTable) RelaxPerms(addr hostarch.Addr, prot hostarch.Prot) error {
	pte, level := pt.GetLeaf(addr)
	if !pte.Valid() {
		return linuxerr.ENOENT
	}
	newProt, err := pt.opts.Policy(pte.Prot(), prot)
	if err != nil {
		return err
	}
	if err := pt.injected(); err != nil {
		return err
	}
	pt.leaves.ReplaceOrInsert(Leaf{
		Addr:  addr &^ hostarch.Addr(level.Size()-1),
		Level: level,
		PTE:   pte.withProt(newProt),
	})
	return nil
}

// Wrprotect removes write permission from every valid leaf intersecting
// [addr, addr+size).
func (pt *PageTable) Wrprotect(addr hostarch.Addr, size uint64) error {
	if _, err := checkRange(addr, size); err != nil {
		return err
	}
	if err := pt.injected(); err != nil {
		return err
	}
	return pt.Walk(addr, size, func(l Leaf) error {
		if l.PTE.Valid() {
			l.PTE = l.PTE.withProt(l.PTE.Prot() &^ hostarch.ProtWrite)
			pt.leaves.ReplaceOrInsert(l)
		}
		return nil
	})
}

// Destroy removes every entry and frees all table pages.
func (pt *PageTable) Destroy() {
	for base := range pt.tables {
		pt.freeTable(base)
	}
	pt.leaves.Clear(false)
}

// Leaves returns every leaf in address order.
func (pt *PageTable) Leaves() []Leaf {
	leaves := make([]Leaf, 0, pt.leaves.Len())
	pt.leaves.Ascend(func(l Leaf) bool {
		leaves = append(leaves, l)
		return true
	})
	return leaves
}

// TablePages returns the number of table pages in use.
func (pt *PageTable) TablePages() int {
	return len(pt.tables)
}

// String implements fmt.Stringer.
func (pt *PageTable) String() string {
	return fmt.Sprintf("%s: %d leaves, %d tables", pt.opts.Name, pt.leaves.Len(), len(pt.tables))
}
