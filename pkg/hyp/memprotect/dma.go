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
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
)

func checkDMARange(addr hostarch.Addr, size uint64) error {
	if size == 0 || !addr.IsPageAligned() || size&(hostarch.PageSize-1) != 0 || addr+hostarch.Addr(size) < addr {
		return linuxerr.EINVAL
	}
	return nil
}

// HostUseDMA lets a device owned by the host access [addr, addr+size).
// Memory pages gain a holder, which blocks their donation. MMIO pages are
// mapped for DMA.
func (mm *MM) HostUseDMA(addr hostarch.Addr, size uint64) error {
	if err := checkDMARange(addr, size); err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()

	_, end, reg := mm.mem.MemRange(addr)
	if addr+hostarch.Addr(size)-1 >= end {
		return linuxerr.EINVAL
	}
	if reg == nil {
		return mm.hostUseDMAMMIO(addr, size)
	}
	if reg.NoMap {
		return linuxerr.EPERM
	}

	mm.lockHyp()
	defer mm.unlockHyp()
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		state := mm.hostState(a)
		if state&(pgtable.NoPage|ModuleOwnedPage) != 0 {
			return linuxerr.EPERM
		}
		if state.Base() != pgtable.Owned {
			// Pages shared with the hypervisor are not for devices.
			if pte, _ := mm.hyp.pgt.GetLeaf(a); pte.Valid() {
				return linuxerr.EPERM
			}
		}
	}
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		mm.page(a).Refcount.Inc()
	}
	return nil
}

func (mm *MM) hostUseDMAMMIO(addr hostarch.Addr, size uint64) error {
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		pte, _ := mm.host.pgt.GetLeaf(a)
		switch hostMMIOState(pte) {
		case pgtable.Owned, pgtable.MMIODMA:
		default:
			return linuxerr.EPERM
		}
	}
	return mm.hostIdmapLocked(addr, size, hostMMIOProt, pgtable.MMIODMA)
}

// HostUnuseDMA revokes HostUseDMA.
func (mm *MM) HostUnuseDMA(addr hostarch.Addr, size uint64) error {
	if err := checkDMARange(addr, size); err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()

	_, end, reg := mm.mem.MemRange(addr)
	if addr+hostarch.Addr(size)-1 >= end {
		return linuxerr.EINVAL
	}
	if reg == nil {
		if err := mm.checkHostRange(addr, size, pgtable.MMIODMA); err != nil {
			return err
		}
		// The next host access maps the range back by default.
		return mm.hostTry(func() error { return mm.host.pgt.Unmap(addr, size) })
	}
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		if mm.page(a).Refcount.Read() == 0 {
			return linuxerr.EINVAL
		}
	}
	for a, end := addr, addr+hostarch.Addr(size); a < end; a += hostarch.PageSize {
		mm.page(a).Refcount.Dec()
	}
	return nil
}

// moduleProt are the host permissions a module may set.
const moduleProt = hostarch.ProtRWX | hostarch.ProtDevice

// ModuleChangeHostPageProt changes the host permissions of nrPages memory
// pages on behalf of a hypervisor module. Pages given restricted
// permissions become module owned and can't take part in any other
// transition until restored to RWX.
func (mm *MM) ModuleChangeHostPageProt(pfn hostarch.PFN, prot hostarch.Prot, nrPages uint64) error {
	if !prot.Subset(moduleProt) {
		return linuxerr.EINVAL
	}
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	_, end, reg := mm.mem.MemRange(addr)
	if addr+hostarch.Addr(size)-1 >= end || reg == nil || reg.NoMap {
		return linuxerr.EPERM
	}
	mm.lockHost()
	defer mm.unlockHost()

	moduleOwned := mm.page(addr).Flags&vmemmap.ModuleOwned != 0
	for a := addr; a < addr+hostarch.Addr(size); a += hostarch.PageSize {
		page := mm.page(a)
		if moduleOwned {
			if page.Flags&vmemmap.ModuleOwned == 0 {
				return linuxerr.EPERM
			}
		} else if pgtable.State(page.HostState) != pgtable.Owned || page.Refcount.Read() != 0 {
			return linuxerr.EPERM
		}
	}

	state := ModuleOwnedPage
	switch {
	case !prot.Any():
		err = mm.hostSetOwnerLocked(addr, size, IDProtected, ModuleOwnedPage)
		state |= pgtable.NoPage
	case prot == hostMemProt:
		// Back to the default: the next host access maps it again.
		err = mm.hostTry(func() error { return mm.host.pgt.Unmap(addr, size) })
		state = pgtable.Owned
	default:
		err = mm.hostIdmapLocked(addr, size, prot, pgtable.Owned)
	}
	if err != nil {
		return err
	}
	for a := addr; a < addr+hostarch.Addr(size); a += hostarch.PageSize {
		page := mm.page(a)
		page.HostState = uint8(state)
		if state == pgtable.Owned {
			page.Flags &^= vmemmap.ModuleOwned
		} else {
			page.Flags |= vmemmap.ModuleOwned
		}
	}
	return nil
}
