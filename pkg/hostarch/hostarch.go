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

// Package hostarch contains the address and page-size definitions shared by
// the hypervisor and its host model. Physical addresses, intermediate
// physical addresses and hypervisor virtual addresses all use Addr.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the block (PMD) mapping size.
	// For 4K pages: PageShift + (PageShift - 3) = 12 + 9 = 21
	HugePageShift = 21

	// HugePageSize is the block (PMD) mapping size.
	HugePageSize = 1 << HugePageShift

	// HugePageOrder is the allocation order of a block mapping.
	HugePageOrder = HugePageShift - PageShift

	// PTEsPerTable is the number of entries in one table page.
	PTEsPerTable = PageSize / 8
)

// Addr represents an address. It is used for physical addresses,
// intermediate physical addresses and hypervisor virtual addresses.
type Addr uint64

// PFN is a page frame number: an address shifted right by PageShift. It is
// the stable identity of a physical page.
type PFN uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// IsHugePageAligned returns true if v is aligned to a block mapping.
func (v Addr) IsHugePageAligned() bool {
	return v&Addr(HugePageSize-1) == 0
}

// PFN returns the frame containing v.
func (v Addr) PFN() PFN {
	return PFN(v >> PageShift)
}

// Addr returns the address of the first byte of the frame.
func (p PFN) Addr() Addr {
	return Addr(p) << PageShift
}

// String implements fmt.Stringer.String.
func (p PFN) String() string {
	return fmt.Sprintf("pfn:%#x", uint64(p))
}

// OrderSize returns the size in bytes of a block of 2^order pages.
func OrderSize(order uint8) uint64 {
	return PageSize << order
}

// IsAligned reports whether pfn is aligned to a block of 2^order pages.
func (p PFN) IsAligned(order uint8) bool {
	return uint64(p)&((1<<order)-1) == 0
}
