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

// Transitions between the host and guests.

func (mm *MM) lockGuest(vm *VM) {
	mm.lockHost()
	vm.mu.Lock()
}

func (mm *MM) unlockGuest(vm *VM) {
	vm.mu.Unlock()
	mm.unlockHost()
}

// HostShareGuest maps nrPages host pages at gfn in the guest with prot. The
// host keeps ownership, and each page gains a holder until it is unshared.
func (mm *MM) HostShareGuest(vcpu *VCPU, pfn, gfn hostarch.PFN, nrPages uint64, prot hostarch.Prot) error {
	if !prot.Subset(hostarch.ProtRWX) {
		return linuxerr.EPERM
	}
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	ipa, _, err := pageRange(gfn, nrPages)
	if err != nil {
		return err
	}
	if !mm.mem.RangeIsMemory(addr, size) || !mm.mem.IsAllowedMemory(addr) {
		return linuxerr.EPERM
	}
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	if err := mm.hostRequestOwned(addr, size); err != nil {
		return err
	}
	if err := vm.checkRange(ipa, size, pgtable.NoPage); err != nil {
		return err
	}

	if err := vm.pgt.Map(ipa, size, addr, prot, pgtable.SharedBorrowed, &vcpu.MC); err != nil {
		return err
	}
	mm.updateHostState(addr, size, pgtable.SharedOwned)
	for i := uint64(0); i < nrPages; i++ {
		mm.table.Page(pfn + hostarch.PFN(i)).Refcount.Inc()
	}
	return nil
}

// checkHostUnshareGuest verifies that pfn is shared by the host at ipa in
// vm as a single leaf of the given order.
func (mm *MM) checkHostUnshareGuest(vm *VM, pfn hostarch.PFN, ipa hostarch.Addr, order uint8) (uint64, error) {
	pte, err := vm.guestValidPTE(pfn, ipa, order)
	if err != nil {
		return 0, err
	}
	if guestState(pte)&^pgtable.RestrictedProt != pgtable.SharedBorrowed {
		return 0, linuxerr.EPERM
	}
	size := hostarch.OrderSize(order)
	if err := mm.checkHostRange(pfn.Addr(), size, pgtable.SharedOwned); err != nil {
		return 0, err
	}
	return size, nil
}

// HostUnshareGuest revokes a HostShareGuest of the 1<<order pages at pfn
// mapped at gfn.
func (mm *MM) HostUnshareGuest(vm *VM, pfn, gfn hostarch.PFN, order uint8) error {
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	ipa := gfn.Addr()
	size, err := mm.checkHostUnshareGuest(vm, pfn, ipa, order)
	if err != nil {
		return err
	}
	if err := vm.pgt.Unmap(ipa, size); err != nil {
		return err
	}
	mm.hostUnshareGuestPages(pfn, size)
	return nil
}

// hostUnshareGuestPages drops the guest's hold on shared pages and returns
// them to the host. DMA holds, if any, stay.
func (mm *MM) hostUnshareGuestPages(pfn hostarch.PFN, size uint64) {
	for i := uint64(0); i < size>>hostarch.PageShift; i++ {
		page := mm.table.Page(pfn + hostarch.PFN(i))
		page.Refcount.Dec()
		page.HostState = uint8(pgtable.Owned)
	}
}

// RelaxPerms adds prot to the permissions of a page the host shares with
// the guest.
func (mm *MM) RelaxPerms(vcpu *VCPU, pfn, gfn hostarch.PFN, order uint8, prot hostarch.Prot) error {
	if !prot.Subset(hostarch.ProtRWX) {
		return linuxerr.EPERM
	}
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	ipa := gfn.Addr()
	if _, err := mm.checkHostUnshareGuest(vm, pfn, ipa, order); err != nil {
		return err
	}
	return vm.pgt.RelaxPerms(ipa, prot)
}

// Wrprotect removes write access to a page the host shares with the guest.
func (mm *MM) Wrprotect(vm *VM, pfn, gfn hostarch.PFN, order uint8) error {
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	ipa := gfn.Addr()
	size, err := mm.checkHostUnshareGuest(vm, pfn, ipa, order)
	if err != nil {
		return err
	}
	return vm.pgt.Wrprotect(ipa, size)
}

// DirtyLog restores full access to a shared page after a write fault
// under dirty logging.
func (mm *MM) DirtyLog(vcpu *VCPU, pfn, gfn hostarch.PFN) error {
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	ipa := gfn.Addr()
	if _, err := mm.checkHostUnshareGuest(vm, pfn, ipa, 0); err != nil {
		return err
	}
	return vm.pgt.Map(ipa, hostarch.PageSize, pfn.Addr(), hostarch.ProtRWX, pgtable.SharedBorrowed, &vcpu.MC)
}

// HostDonateGuest moves nrPages host pages to the guest, mapped at gfn.
func (mm *MM) HostDonateGuest(vcpu *VCPU, pfn, gfn hostarch.PFN, nrPages uint64) error {
	addr, size, err := pageRange(pfn, nrPages)
	if err != nil {
		return err
	}
	ipa, _, err := pageRange(gfn, nrPages)
	if err != nil {
		return err
	}
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	if err := mm.hostRequestOwned(addr, size); err != nil {
		return err
	}
	if !mm.mem.RangeIsMemory(addr, size) {
		return linuxerr.EPERM
	}
	if err := vm.checkRange(ipa, size, pgtable.NoPage); err != nil {
		return err
	}

	if err := vm.pgt.Map(ipa, size, addr, hostarch.ProtRWX, pgtable.Owned, &vcpu.MC); err != nil {
		return err
	}
	if err := mm.hostSetOwnerLocked(addr, size, IDGuest, 0); err != nil {
		mm.warnOn(vm.pgt.Unmap(ipa, size), "unmapping %v from vm%d", ipa, vm.Handle)
		return err
	}
	return nil
}

// GuestShareHost shares guest memory at ipa back with the host. At most the
// physically contiguous prefix of the nrPages pages is processed; the
// number of pages shared is returned.
func (mm *MM) GuestShareHost(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64) (uint64, error) {
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	phys, nr, err := mm.guestRequestTransition(vcpu, ipa, nrPages, pgtable.Owned)
	if err != nil {
		return 0, err
	}
	size := nr << hostarch.PageShift
	if err := mm.checkHostRange(phys, size, pgtable.NoPage); err != nil {
		return 0, err
	}

	pte, _ := vm.pgt.GetLeaf(ipa)
	if err := vm.pgt.Map(ipa, size, phys, pte.Prot(), pgtable.SharedOwned, &vcpu.MC); err != nil {
		return 0, err
	}
	if err := mm.setHostRange(phys, size, pgtable.SharedBorrowed); err != nil {
		mm.warnOn(vm.pgt.Map(ipa, size, phys, pte.Prot(), pgtable.Owned, &vcpu.MC), "restoring %v in vm%d", ipa, vm.Handle)
		return 0, err
	}
	return nr, nil
}

// GuestUnshareHost revokes GuestShareHost. Pages the host still holds are
// refused with EINVAL.
func (mm *MM) GuestUnshareHost(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64) (uint64, error) {
	vm := vcpu.VM
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	phys, nr, err := mm.guestRequestTransition(vcpu, ipa, nrPages, pgtable.SharedOwned)
	if err != nil {
		return 0, err
	}
	size := nr << hostarch.PageShift
	if mm.isRangeRefcounted(phys, nr) {
		return 0, linuxerr.EINVAL
	}
	if err := mm.checkHostRange(phys, size, pgtable.SharedBorrowed); err != nil {
		return 0, err
	}

	pte, _ := vm.pgt.GetLeaf(ipa)
	if err := vm.pgt.Map(ipa, size, phys, pte.Prot(), pgtable.Owned, &vcpu.MC); err != nil {
		return 0, err
	}
	if err := mm.hostSetOwnerLocked(phys, size, IDGuest, 0); err != nil {
		mm.warnOn(vm.pgt.Map(ipa, size, phys, pte.Prot(), pgtable.SharedOwned, &vcpu.MC), "restoring %v in vm%d", ipa, vm.Handle)
		return 0, err
	}
	return nr, nil
}
