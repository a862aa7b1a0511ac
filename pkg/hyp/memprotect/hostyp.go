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

// Transitions between the host and the hypervisor.

// pageRange validates a range of nrPages pages starting at pfn.
func pageRange(pfn hostarch.PFN, nrPages uint64) (hostarch.Addr, uint64, error) {
	size, ok := pagesSize(nrPages)
	addr := pfn.Addr()
	if !ok || addr.PFN() != pfn || addr+hostarch.Addr(size) < addr {
		return 0, 0, linuxerr.EINVAL
	}
	return addr, size, nil
}

// hostRequestOwned checks that the host owns a range it wants to give away.
// A page in another state is refused with EPERM. An owned page that still
// has holders, such as a DMA mapping, can't move either and gets EINVAL.
func (mm *MM) hostRequestOwned(addr hostarch.Addr, size uint64) error {
	if err := mm.checkHostRange(addr, size, pgtable.Owned); err != nil {
		return err
	}
	if mm.mem.RangeIsMemory(addr, size) && mm.isRangeRefcounted(addr, size>>hostarch.PageShift) {
		return linuxerr.EINVAL
	}
	return nil
}

// HostDonateHyp moves nrPages pages of host memory to the hypervisor.
func (mm *MM) HostDonateHyp(pfn hostarch.PFN, nrPages uint64) error {
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	if !mm.mem.RangeIsMemory(addr, size) {
		return linuxerr.EPERM
	}
	mm.lockHost()
	defer mm.unlockHost()
	return mm.HostDonateHypLocked(pfn, nrPages, hypMemProt)
}

// HostDonateHypLocked is HostDonateHyp with the host lock held and the
// hypervisor mapping made with prot.
func (mm *MM) HostDonateHypLocked(pfn hostarch.PFN, nrPages uint64, prot hostarch.Prot) error {
	mm.host.mu.AssertHeld()
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.hostRequestOwned(addr, size); err != nil {
		return err
	}
	if mm.debug {
		if err := mm.checkHypRange(addr, size, pgtable.NoPage); err != nil {
			return err
		}
	}

	if err := mm.hostSetOwnerLocked(addr, size, IDHyp, 0); err != nil {
		return err
	}
	if err := mm.hypMapLocked(addr, size, prot, pgtable.Owned); err != nil {
		mm.warnOn(mm.hostSetOwnerLocked(addr, size, IDHost, 0), "restoring %v+%#x to host", addr, size)
		return err
	}
	return nil
}

// HypDonateHost moves nrPages pages of hypervisor memory back to the host.
// Pages that still have holders, and free pages of a pool, are refused with
// EBUSY. The host cannot call it: hypervisor memory only goes back through
// the teardown and reclaim paths.
func (mm *MM) HypDonateHost(pfn hostarch.PFN, nrPages uint64) error {
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.checkHypRange(addr, size, pgtable.Owned); err != nil {
		return err
	}
	if mm.isRangeRefcounted(addr, nrPages) || mm.isRangePoolFree(addr, nrPages) {
		return linuxerr.EBUSY
	}
	if mm.debug {
		if err := mm.checkHostRange(addr, size, pgtable.NoPage); err != nil {
			return err
		}
	}

	if err := mm.hypUnmapLocked(addr, size); err != nil {
		return err
	}
	if err := mm.hostSetOwnerLocked(addr, size, IDHost, 0); err != nil {
		mm.warnOn(mm.hypMapLocked(addr, size, hypMemProt, pgtable.Owned), "restoring %v+%#x to hyp", addr, size)
		return err
	}
	return nil
}

// HostShareHyp lets the hypervisor access a host page. The host keeps it.
func (mm *MM) HostShareHyp(pfn hostarch.PFN) error {
	addr, size, err := pageRange(pfn, 1)
	if err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.hostRequestOwned(addr, size); err != nil {
		return err
	}
	if !mm.mem.IsMemory(addr) {
		return linuxerr.EPERM
	}
	if mm.debug {
		if err := mm.checkHypRange(addr, size, pgtable.NoPage); err != nil {
			return err
		}
	}

	if err := mm.hypMapLocked(addr, size, hypMemProt, pgtable.SharedBorrowed); err != nil {
		return err
	}
	return mm.setHostRange(addr, size, pgtable.SharedOwned)
}

// HostUnshareHyp revokes HostShareHyp. A page pinned by the hypervisor is
// refused with EINVAL.
func (mm *MM) HostUnshareHyp(pfn hostarch.PFN) error {
	addr, size, err := pageRange(pfn, 1)
	if err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if !mm.mem.IsMemory(addr) {
		return linuxerr.EPERM
	}
	if mm.isRangeRefcounted(addr, 1) {
		return linuxerr.EINVAL
	}
	if err := mm.checkHostRange(addr, size, pgtable.SharedOwned); err != nil {
		return err
	}
	if err := mm.checkHypRange(addr, size, pgtable.SharedBorrowed); err != nil {
		return err
	}

	if err := mm.hypUnmapLocked(addr, size); err != nil {
		return err
	}
	return mm.setHostRange(addr, size, pgtable.Owned)
}

// checkPinnable verifies that the range is shared by the host with the
// hypervisor.
func (mm *MM) checkPinnable(addr hostarch.Addr, size uint64) error {
	if !mm.mem.RangeIsMemory(addr, size) {
		return linuxerr.EPERM
	}
	if err := mm.checkHostRange(addr, size, pgtable.SharedOwned); err != nil {
		return err
	}
	return mm.checkHypRange(addr, size, pgtable.SharedBorrowed)
}

// PinSharedMem takes a hypervisor reference on pages shared by the host,
// preventing HostUnshareHyp until UnpinSharedMem.
func (mm *MM) PinSharedMem(pfn hostarch.PFN, nrPages uint64) error {
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.checkPinnable(addr, size); err != nil {
		return err
	}
	for i := uint64(0); i < nrPages; i++ {
		mm.table.Page(pfn + hostarch.PFN(i)).Refcount.Inc()
	}
	return nil
}

// UnpinSharedMem drops references taken by PinSharedMem.
func (mm *MM) UnpinSharedMem(pfn hostarch.PFN, nrPages uint64) error {
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	mm.lockHost()
	defer mm.unlockHost()
	mm.lockHyp()
	defer mm.unlockHyp()

	if err := mm.checkPinnable(addr, size); err != nil {
		return err
	}
	for i := uint64(0); i < nrPages; i++ {
		if mm.table.Page(pfn+hostarch.PFN(i)).Refcount.Read() == 0 {
			return linuxerr.EINVAL
		}
	}
	for i := uint64(0); i < nrPages; i++ {
		mm.table.Page(pfn + hostarch.PFN(i)).Refcount.Dec()
	}
	return nil
}
