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

// Package physmem simulates the physical address space handed to the
// hypervisor: RAM regions backed by an anonymous mapping, and device (MMIO)
// regions that have no backing store.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/pkvm/pkg/hostarch"
)

// Region describes one contiguous physical range.
type Region struct {
	// Base is the first byte of the region. It must be page aligned.
	Base hostarch.Addr `json:"base" yaml:"base" toml:"base"`

	// Size is the region length in bytes. It must be page aligned.
	Size uint64 `json:"size" yaml:"size" toml:"size"`

	// NoMap marks memory that the host may not hand to the hypervisor or
	// to guests (memblock NOMAP).
	NoMap bool `json:"nomap,omitempty" yaml:"nomap,omitempty" toml:"nomap"`
}

// End returns the first byte after the region.
func (r Region) End() hostarch.Addr {
	return r.Base + hostarch.Addr(r.Size)
}

// Contains returns true if addr lies in r.
func (r Region) Contains(addr hostarch.Addr) bool {
	return addr >= r.Base && addr < r.End()
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	s := fmt.Sprintf("[%v-%v)", r.Base, r.End())
	if r.NoMap {
		s += " nomap"
	}
	return s
}

// Memory is the simulated physical address space.
//
// RAM content is only accessed by the hypervisor under the lock that owns
// the page in question, or by the host on pages it owns.
type Memory struct {
	// memory holds the RAM regions, sorted by base.
	memory []Region

	// mmio holds the device regions, sorted by base.
	mmio []Region

	// start and end bound every RAM and MMIO region.
	start, end hostarch.Addr

	// ramStart is the base of the backing mapping.
	ramStart hostarch.Addr

	// ram backs [ramStart, ramStart+len(ram)). Gaps between RAM regions
	// are reserved but never touched.
	ram []byte
}

// New maps backing store for the given RAM regions. mmio regions have no
// backing store.
func New(memory, mmio []Region) (*Memory, error) {
	if len(memory) == 0 {
		return nil, fmt.Errorf("no memory regions")
	}
	m := &Memory{
		memory: append([]Region(nil), memory...),
		mmio:   append([]Region(nil), mmio...),
	}
	sort.Slice(m.memory, func(i, j int) bool { return m.memory[i].Base < m.memory[j].Base })
	sort.Slice(m.mmio, func(i, j int) bool { return m.mmio[i].Base < m.mmio[j].Base })

	all := append(append([]Region(nil), m.memory...), m.mmio...)
	sort.Slice(all, func(i, j int) bool { return all[i].Base < all[j].Base })
	for i, r := range all {
		if !r.Base.IsPageAligned() || r.Size%hostarch.PageSize != 0 || r.Size == 0 {
			return nil, fmt.Errorf("region %v is not page aligned", r)
		}
		if i > 0 && all[i-1].End() > r.Base {
			return nil, fmt.Errorf("region %v overlaps %v", r, all[i-1])
		}
	}
	m.start = all[0].Base
	m.end = all[len(all)-1].End()

	m.ramStart = m.memory[0].Base
	length := int(m.memory[len(m.memory)-1].End() - m.ramStart)
	ram, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of simulated RAM: %w", length, err)
	}
	m.ram = ram
	return m, nil
}

// Close releases the backing store.
func (m *Memory) Close() error {
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}

// Span returns the bounds of the physical address space, covering every RAM
// and MMIO region.
func (m *Memory) Span() (start, end hostarch.Addr) {
	return m.start, m.end
}

// MemoryRegions returns the RAM regions.
func (m *Memory) MemoryRegions() []Region {
	return m.memory
}

// MMIORegions returns the device regions.
func (m *Memory) MMIORegions() []Region {
	return m.mmio
}

func find(regions []Region, addr hostarch.Addr) (Region, bool) {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End() > addr })
	if i < len(regions) && regions[i].Contains(addr) {
		return regions[i], true
	}
	return Region{}, false
}

// MemRange returns the bounds of the range containing addr. If addr is RAM
// the range is its region, which is also returned. Otherwise it is the gap
// between the RAM regions around addr, and reg is nil.
func (m *Memory) MemRange(addr hostarch.Addr) (start, end hostarch.Addr, reg *Region) {
	i := sort.Search(len(m.memory), func(i int) bool { return m.memory[i].End() > addr })
	if i < len(m.memory) && m.memory[i].Contains(addr) {
		r := m.memory[i]
		return r.Base, r.End(), &r
	}
	end = ^hostarch.Addr(0)
	if i < len(m.memory) {
		end = m.memory[i].Base
	}
	if i > 0 {
		start = m.memory[i-1].End()
	}
	return start, end, nil
}

// IsMemory returns true if addr is RAM.
func (m *Memory) IsMemory(addr hostarch.Addr) bool {
	_, ok := find(m.memory, addr)
	return ok
}

// IsAllowedMemory returns true if addr is RAM that is not marked NoMap.
func (m *Memory) IsAllowedMemory(addr hostarch.Addr) bool {
	r, ok := find(m.memory, addr)
	return ok && !r.NoMap
}

// RangeIsMemory returns true if [addr, addr+size) lies within a single RAM
// region.
func (m *Memory) RangeIsMemory(addr hostarch.Addr, size uint64) bool {
	r, ok := find(m.memory, addr)
	return ok && uint64(r.End()-addr) >= size
}

// IsMMIO returns true if addr lies in a device region.
func (m *Memory) IsMMIO(addr hostarch.Addr) bool {
	_, ok := find(m.mmio, addr)
	return ok
}

// Page returns the backing store of the page frame pfn, which must be RAM.
func (m *Memory) Page(pfn hostarch.PFN) []byte {
	addr := pfn.Addr()
	if !m.IsMemory(addr) {
		panic(fmt.Sprintf("access to non-memory page %v", pfn))
	}
	off := int(addr - m.ramStart)
	return m.ram[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Load64 reads the little-endian word at addr, which must be 8-byte aligned.
func (m *Memory) Load64(addr hostarch.Addr) uint64 {
	p := m.Page(addr.PFN())
	off := addr.PageOffset()
	return binary.LittleEndian.Uint64(p[off : off+8])
}

// Store64 writes v as a little-endian word at addr.
func (m *Memory) Store64(addr hostarch.Addr, v uint64) {
	p := m.Page(addr.PFN())
	off := addr.PageOffset()
	binary.LittleEndian.PutUint64(p[off:off+8], v)
}

// Zero clears nrPages pages starting at pfn.
func (m *Memory) Zero(pfn hostarch.PFN, nrPages uint64) {
	for i := uint64(0); i < nrPages; i++ {
		clear(m.Page(pfn + hostarch.PFN(i)))
	}
}

// IsZero returns true if every byte of the page is zero.
func (m *Memory) IsZero(pfn hostarch.PFN) bool {
	for _, b := range m.Page(pfn) {
		if b != 0 {
			return false
		}
	}
	return true
}
