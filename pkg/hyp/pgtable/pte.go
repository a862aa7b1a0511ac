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

package pgtable

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/hostarch"
)

// PTE is a stage-2 page table entry.
//
// A valid entry holds an output address, permissions and the software page
// state. An invalid entry may carry an annotation: the ID of the component
// owning the page, and the MMIO guard marker.
type PTE uint64

// Bits of a valid PTE.
const (
	pteValid PTE = 1 << 0

	protShift = 1
	protMask  = 0xf

	addrMask PTE = 0x0000fffffffff000

	stateShift = 55
	stateMask  = 0x7
)

// Bits of an invalid PTE.
const (
	ownerShift = 2
	ownerMask  = 0xff

	// MMIONote marks an invalid entry as an MMIO guard granted to the
	// guest.
	MMIONote PTE = 1 << 10
)

// State is the software page state a component attaches to a mapping. The
// low two bits are an enumeration; the rest are flags.
type State uint8

const (
	// Owned is a page exclusively owned and accessible by the component.
	Owned State = 0

	// SharedOwned is a page owned by the component and shared with
	// another.
	SharedOwned State = 1

	// SharedBorrowed is a page owned by another component and shared with
	// this one.
	SharedBorrowed State = 2

	// MMIODMA is a host MMIO page that a device may reach through DMA.
	MMIODMA State = 3

	stateEnumMask State = 3

	// RestrictedProt marks a mapping whose permissions were narrowed by a
	// hypervisor module.
	RestrictedProt State = 1 << 2

	// NoPage is the state of a page the component has no access to. It is
	// never stored in an entry.
	NoPage State = 1 << 3

	// MMIO is the state of an MMIO page. It is never stored in an entry.
	MMIO State = 1 << 4
)

// Base returns the enumerated part of s.
func (s State) Base() State {
	return s & stateEnumMask
}

// String implements fmt.Stringer.
func (s State) String() string {
	var str string
	switch {
	case s&NoPage != 0:
		str = "nopage"
	case s&MMIO != 0:
		str = "mmio"
	default:
		str = [...]string{"owned", "shared-owned", "shared-borrowed", "mmio-dma"}[s.Base()]
	}
	if s&RestrictedProt != 0 {
		str += "+restricted"
	}
	return str
}

// OwnerID identifies the component an invalid entry is annotated for.
type OwnerID uint8

// MakePTE returns a valid entry mapping phys.
func MakePTE(phys hostarch.Addr, prot hostarch.Prot, state State) PTE {
	if !phys.IsPageAligned() {
		panic(fmt.Sprintf("unaligned output address %v", phys))
	}
	return pteValid | PTE(phys)&addrMask | PTE(prot&protMask)<<protShift | PTE(state&stateMask)<<stateShift
}

// OwnerPTE returns an invalid entry annotated with owner.
func OwnerPTE(owner OwnerID) PTE {
	return PTE(owner) << ownerShift
}

// Valid returns true if the entry maps memory.
func (p PTE) Valid() bool {
	return p&pteValid != 0
}

// Empty returns true if the entry is invalid and carries no annotation.
func (p PTE) Empty() bool {
	return p == 0
}

// Addr returns the output address of a valid entry.
func (p PTE) Addr() hostarch.Addr {
	return hostarch.Addr(p & addrMask)
}

// Prot returns the permissions of a valid entry.
func (p PTE) Prot() hostarch.Prot {
	if !p.Valid() {
		return hostarch.ProtNone
	}
	return hostarch.Prot(p>>protShift) & protMask
}

// State returns the software state of a valid entry.
func (p PTE) State() State {
	return State(p>>stateShift) & stateMask
}

// Owner returns the owner annotation of an invalid entry.
func (p PTE) Owner() OwnerID {
	if p.Valid() {
		return 0
	}
	return OwnerID(p>>ownerShift) & ownerMask
}

// IsMMIONote returns true if p is an MMIO guard annotation.
func (p PTE) IsMMIONote() bool {
	return !p.Valid() && p&MMIONote != 0
}

// withProt returns p with its permissions replaced.
func (p PTE) withProt(prot hostarch.Prot) PTE {
	return p&^(protMask<<protShift) | PTE(prot&protMask)<<protShift
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	switch {
	case p.Valid():
		return fmt.Sprintf("%v %v %v", p.Addr(), p.Prot(), p.State())
	case p.IsMMIONote():
		return fmt.Sprintf("mmio-guard owner=%d", p.Owner())
	case p.Empty():
		return "none"
	default:
		return fmt.Sprintf("owner=%d", p.Owner())
	}
}

// Level is the translation level of a leaf.
type Level int

const (
	// BlockLevel leaves map a 2M block.
	BlockLevel Level = 2

	// PageLevel leaves map a 4K page.
	PageLevel Level = 3
)

// Size returns the number of bytes a leaf at level l maps.
func (l Level) Size() uint64 {
	if l == BlockLevel {
		return hostarch.HugePageSize
	}
	return hostarch.PageSize
}

// Order returns the page order of a leaf at level l.
func (l Level) Order() uint8 {
	if l == BlockLevel {
		return hostarch.HugePageOrder
	}
	return 0
}
