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

// Package memcache implements the host-supplied page cache: a singly linked
// list of spare pages, threaded through the first word of each page, plus a
// count. The low bits of every link encode the order of the block it points
// to.
//
// A memcache is owned by the host. The hypervisor only pushes to or pops
// from it while handling a hypercall on behalf of that host, and never from
// two CPUs at once.
package memcache

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/hostarch"
)

// orderMask extracts the order from a link.
const orderMask = hostarch.PageSize - 1

// Memory is the word-addressable physical memory the links live in.
type Memory interface {
	Load64(addr hostarch.Addr) uint64
	Store64(addr hostarch.Addr, v uint64)
}

// Memcache is a list of donated blocks.
type Memcache struct {
	// Head is the physical address of the first block, with its order in
	// the low bits. It is zero when the cache is empty.
	Head uint64 `json:"head" yaml:"head"`

	// NrPages is the number of entries. It always matches the list length.
	NrPages uint64 `json:"nr_pages" yaml:"nr_pages"`
}

// Empty returns true if the cache holds no blocks.
func (mc *Memcache) Empty() bool {
	return mc.NrPages == 0
}

// Peek returns the first block without removing it.
func (mc *Memcache) Peek() (hostarch.PFN, uint8, bool) {
	if mc.NrPages == 0 {
		return 0, 0, false
	}
	return hostarch.Addr(mc.Head &^ orderMask).PFN(), uint8(mc.Head & orderMask), true
}

// Push adds the block of 2^order pages at pfn to the front of the cache. The
// block's first word is overwritten with the link to the previous head.
func (mc *Memcache) Push(mem Memory, pfn hostarch.PFN, order uint8) {
	if order > hostarch.PageShift {
		panic(fmt.Sprintf("order %d cannot be encoded in a memcache link", order))
	}
	mem.Store64(pfn.Addr(), mc.Head)
	mc.Head = uint64(pfn.Addr()) | uint64(order)
	mc.NrPages++
}

// Pop removes and returns the first block.
func (mc *Memcache) Pop(mem Memory) (hostarch.PFN, uint8, bool) {
	pfn, order, ok := mc.Peek()
	if !ok {
		return 0, 0, false
	}
	mc.Head = mem.Load64(pfn.Addr())
	mc.NrPages--
	mem.Store64(pfn.Addr(), 0)
	return pfn, order, true
}

// ForEach calls fn for each block in the cache, front to back.
func (mc *Memcache) ForEach(mem Memory, fn func(pfn hostarch.PFN, order uint8)) {
	head := mc.Head
	for i := uint64(0); i < mc.NrPages; i++ {
		addr := hostarch.Addr(head &^ orderMask)
		fn(addr.PFN(), uint8(head&orderMask))
		head = mem.Load64(addr)
	}
}
