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

// Package vmemmap holds the hypervisor's per-page metadata: one Page record
// for every frame of the physical address space, indexed by frame number.
//
// Conversions between addresses, frame numbers and records are pure
// arithmetic and need no locking. The contents of a record are protected by
// the lock of whoever owns the page: the pool lock for free pages, the host
// lock for the host state, and so on.
package vmemmap

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/refs"
)

// NoOrder marks a page that is not the head of a block managed by a pool.
const NoOrder uint8 = 0xff

// Flags are per-page flag bits.
type Flags uint8

const (
	// ModuleOwned marks pages donated to a dynamically loaded hypervisor
	// module.
	ModuleOwned Flags = 1 << iota

	// PoolFree marks every page of a block sitting on a pool free list.
	PoolFree
)

// Page is the metadata of one physical page.
type Page struct {
	// Refcount counts active holders. A page with a non-zero count is
	// never on a free list.
	Refcount refs.Refcount

	// Order is the order of the block this page heads, or NoOrder. It is
	// kept while a block is allocated so that it can be freed whole.
	Order uint8

	// Flags holds Flags bits.
	Flags Flags

	// HostState is the host's view of the page. It is owned by the host
	// stage-2 lock and is opaque to this package.
	HostState uint8

	// list is the free list the page is on, or nil. next and prev are only
	// valid while list is not nil.
	list       *FreeList
	next, prev hostarch.PFN
}

// OnList returns true if the page heads a block on free list l.
func (p *Page) OnList(l *FreeList) bool {
	return p.list == l
}

// IsFree returns true if the page heads a block on any free list.
func (p *Page) IsFree() bool {
	return p.list != nil
}

// Table is the arena of Page records covering [base, base+len(pages)).
type Table struct {
	base  hostarch.PFN
	pages []Page
}

// New returns a table covering the frames of [start, end). Every record
// starts out unmanaged: Order is NoOrder and Refcount is zero.
func New(start, end hostarch.Addr) *Table {
	first := start.PFN()
	last, ok := end.RoundUp()
	if !ok || last <= start {
		panic(fmt.Sprintf("invalid vmemmap span [%v, %v)", start, end))
	}
	t := &Table{
		base:  first,
		pages: make([]Page, uint64(last.PFN()-first)),
	}
	for i := range t.pages {
		t.pages[i].Order = NoOrder
	}
	return t
}

// Start returns the first frame covered by the table.
func (t *Table) Start() hostarch.PFN {
	return t.base
}

// End returns the first frame after the table.
func (t *Table) End() hostarch.PFN {
	return t.base + hostarch.PFN(len(t.pages))
}

// Contains returns true if pfn has a record. Frame numbers coming from
// untrusted callers must be checked with Contains before calling Page.
func (t *Table) Contains(pfn hostarch.PFN) bool {
	return pfn >= t.base && pfn-t.base < hostarch.PFN(len(t.pages))
}

// ContainsRange returns true if all of [pfn, pfn+nrPages) have records.
func (t *Table) ContainsRange(pfn hostarch.PFN, nrPages uint64) bool {
	if nrPages == 0 {
		return t.Contains(pfn)
	}
	last := pfn + hostarch.PFN(nrPages-1)
	return last >= pfn && t.Contains(pfn) && t.Contains(last)
}

// Page returns the record of pfn. It panics if pfn is out of range.
func (t *Table) Page(pfn hostarch.PFN) *Page {
	if !t.Contains(pfn) {
		panic(fmt.Sprintf("%v outside vmemmap [%v, %v)", pfn, t.base, t.End()))
	}
	return &t.pages[pfn-t.base]
}

// PageOf returns the record of the page containing addr.
func (t *Table) PageOf(addr hostarch.Addr) *Page {
	return t.Page(addr.PFN())
}
