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

// The hypervisor's view of memory is its stage-1, in which physical memory
// is mapped at its own address.

func (mm *MM) defaultHypProt(addr hostarch.Addr) hostarch.Prot {
	if mm.mem.IsMemory(addr) {
		return hypMemProt
	}
	return hypMMIOProt
}

// hypState returns the hypervisor's view of a page given its stage-1 entry.
func hypState(pte pgtable.PTE) pgtable.State {
	if !pte.Valid() {
		return pgtable.NoPage
	}
	state := pte.State()
	if pte.Prot()&hostarch.ProtRWX != hypMemProt {
		state |= pgtable.RestrictedProt
	}
	return state
}

func (mm *MM) checkHypRange(addr hostarch.Addr, size uint64, state pgtable.State) error {
	mm.hyp.mu.AssertHeld()
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		pte, _ := mm.hyp.pgt.GetLeaf(a)
		if hypState(pte) != state {
			return linuxerr.EPERM
		}
	}
	return nil
}

// hypMapLocked maps [addr, addr+size) in the hypervisor stage-1.
func (mm *MM) hypMapLocked(addr hostarch.Addr, size uint64, prot hostarch.Prot, state pgtable.State) error {
	mm.hyp.mu.AssertHeld()
	return mm.hyp.pgt.Map(addr, size, addr, prot, state, nil)
}

func (mm *MM) hypUnmapLocked(addr hostarch.Addr, size uint64) error {
	mm.hyp.mu.AssertHeld()
	return mm.hyp.pgt.Unmap(addr, size)
}

// HypCreateMappings maps [addr, addr+size) into the hypervisor as owned
// memory. It is used at boot for the memory the hypervisor starts with.
func (mm *MM) HypCreateMappings(addr hostarch.Addr, size uint64, prot hostarch.Prot) error {
	mm.lockHyp()
	defer mm.unlockHyp()
	return mm.hypMapLocked(addr, size, prot, pgtable.Owned)
}

// HypLeaf returns the hypervisor stage-1 entry covering addr.
func (mm *MM) HypLeaf(addr hostarch.Addr) (pgtable.PTE, pgtable.Level) {
	mm.lockHyp()
	defer mm.unlockHyp()
	return mm.hyp.pgt.GetLeaf(addr)
}

// Reserve hands [addr, addr+size) to the hypervisor without a donation:
// the host loses access and the range is mapped in the hypervisor. It is
// used at boot for the memory carved out for the hypervisor's pools.
func (mm *MM) Reserve(addr hostarch.Addr, size uint64) error {
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.checkHostRange(addr, size, pgtable.Owned); err != nil {
		return err
	}
	if err := mm.hostSetOwnerLocked(addr, size, IDHyp, 0); err != nil {
		return err
	}
	return mm.hypMapLocked(addr, size, hypMemProt, pgtable.Owned)
}
