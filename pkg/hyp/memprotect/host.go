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

package memprotect

import (
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
)

func defaultHostProt(isMemory bool) hostarch.Prot {
	if isMemory {
		return hostMemProt
	}
	return hostMMIOProt
}

// hostState returns the host's view of the RAM page at addr.
func (mm *MM) hostState(addr hostarch.Addr) pgtable.State {
	return pgtable.State(mm.page(addr).HostState)
}

func (mm *MM) updateHostState(addr hostarch.Addr, size uint64, state pgtable.State) {
	for end := addr + hostarch.Addr(size); addr < end; addr += hostarch.PageSize {
		mm.page(addr).HostState = uint8(state)
	}
}

// hostMMIOState returns the host's view of an MMIO page given its host
// stage-2 entry.
func hostMMIOState(pte pgtable.PTE) pgtable.State {
	switch {
	case pte.Empty():
		return pgtable.Owned
	case !pte.Valid():
		return pgtable.NoPage
	}
	state := pte.State()
	if pte.Prot()&hostarch.ProtRWX != hostMMIOProt&hostarch.ProtRWX {
		state |= pgtable.RestrictedProt
	}
	return state
}

// checkHostRange verifies that every page of [addr, addr+size) is in state
// for the host. The range must not straddle memory and MMIO.
func (mm *MM) checkHostRange(addr hostarch.Addr, size uint64, state pgtable.State) error {
	mm.host.mu.AssertHeld()
	_, end, reg := mm.mem.MemRange(addr)
	last := addr + hostarch.Addr(size) - 1
	if last < addr || last >= end {
		return linuxerr.EINVAL
	}
	if reg == nil {
		for a := addr; a <= last; a += hostarch.PageSize {
			pte, _ := mm.host.pgt.GetLeaf(a)
			if hostMMIOState(pte) != state {
				return linuxerr.EPERM
			}
		}
		return nil
	}
	if reg.NoMap {
		return linuxerr.EPERM
	}
	for a := addr; a <= last; a += hostarch.PageSize {
		if mm.hostState(a) != state {
			return linuxerr.EPERM
		}
	}
	return nil
}

// hostTry runs fn, and once more after recycling the host stage-2 tables
// if it ran out of memory.
func (mm *MM) hostTry(fn func() error) error {
	mm.host.mu.AssertHeld()
	err := fn()
	if linuxerr.Equals(linuxerr.ENOMEM, err) {
		mm.hostRecycle()
		err = fn()
	}
	return err
}

// hostRecycle drops every host stage-2 mapping that can be rebuilt on the
// next host fault: default identity mappings with no state attached.
func (mm *MM) hostRecycle() {
	for _, l := range mm.host.pgt.Leaves() {
		if !l.PTE.Valid() || l.PTE.State() != pgtable.Owned {
			continue
		}
		if l.PTE.Prot() != defaultHostProt(mm.mem.IsMemory(l.Addr)) {
			continue
		}
		// Dropping a whole leaf never needs a table page.
		mm.host.pgt.Unmap(l.Addr, l.Level.Size())
	}
}

// hostSetOwnerLocked makes owner the owner of [addr, addr+size) in the
// host stage-2. Memory pages given away are marked NoPage|nopage in the
// vmemmap.
func (mm *MM) hostSetOwnerLocked(addr hostarch.Addr, size uint64, owner pgtable.OwnerID, nopage pgtable.State) error {
	mm.host.mu.AssertHeld()
	err := mm.hostTry(func() error {
		return mm.host.pgt.SetOwner(addr, size, owner, nil)
	})
	if err != nil || !mm.mem.IsMemory(addr) {
		return err
	}
	if owner == IDHost {
		mm.updateHostState(addr, size, pgtable.Owned)
	} else {
		mm.updateHostState(addr, size, pgtable.NoPage|nopage)
	}
	return nil
}

// setHostRange sets the host state of RAM range, restoring host access
// first if the host had none.
func (mm *MM) setHostRange(addr hostarch.Addr, size uint64, state pgtable.State) error {
	if mm.hostState(addr)&pgtable.NoPage != 0 {
		if err := mm.hostTry(func() error { return mm.host.pgt.Unmap(addr, size) }); err != nil {
			return err
		}
	}
	mm.updateHostState(addr, size, state)
	return nil
}

// hostIdmapLocked maps [addr, addr+size) one to one in the host stage-2.
func (mm *MM) hostIdmapLocked(addr hostarch.Addr, size uint64, prot hostarch.Prot, state pgtable.State) error {
	return mm.hostTry(func() error {
		return mm.host.pgt.Map(addr, size, addr, prot, state, nil)
	})
}

// HandleMemAbort handles a host stage-2 fault at addr by identity mapping
// the largest block around it that the host may access. It returns EAGAIN
// if the address is already mapped and EPERM if the host has no access, in
// which case the fault is to be injected back into the host.
func (mm *MM) HandleMemAbort(addr hostarch.Addr) error {
	mm.lockHost()
	defer mm.unlockHost()

	pte, level := mm.host.pgt.GetLeaf(addr)
	if pte.Valid() {
		return linuxerr.EAGAIN
	}
	start, end, reg := mm.mem.MemRange(addr)
	if !pte.Empty() {
		if reg != nil && mm.hostState(addr)&pgtable.NoPage == 0 {
			mm.warn.Warningf("memprotect: host page %v annotated but host owned", addr)
		}
		return linuxerr.EPERM
	}

	base, size := addr.RoundDown(), uint64(hostarch.PageSize)
	if block := addr.HugeRoundDown(); level == pgtable.BlockLevel && block >= start && block+hostarch.HugePageSize <= end && block+hostarch.HugePageSize > block {
		base, size = block, hostarch.HugePageSize
	}
	return mm.hostIdmapLocked(base, size, defaultHostProt(reg != nil), pgtable.Owned)
}

// HostLeaf returns the host stage-2 entry covering addr.
func (mm *MM) HostLeaf(addr hostarch.Addr) (pgtable.PTE, pgtable.Level) {
	mm.lockHost()
	defer mm.unlockHost()
	return mm.host.pgt.GetLeaf(addr)
}
