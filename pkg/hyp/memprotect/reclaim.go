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

// HostReclaimPage takes back the 1<<order pages at pfn mapped at ipa in a
// dying guest. Pages the guest owned are wiped before the host gets them.
func (mm *MM) HostReclaimPage(vm *VM, pfn hostarch.PFN, ipa hostarch.Addr, order uint8) error {
	mm.lockGuest(vm)
	defer mm.unlockGuest(vm)

	pte, err := vm.guestValidPTE(pfn, ipa, order)
	if err != nil {
		return err
	}
	size := hostarch.OrderSize(order)
	addr := pfn.Addr()
	state := guestState(pte) &^ pgtable.RestrictedProt
	switch state {
	case pgtable.Owned:
		mm.warnOn(mm.checkHostRange(addr, size, pgtable.NoPage), "reclaiming %v", addr)
	case pgtable.SharedBorrowed:
		mm.warnOn(mm.checkHostRange(addr, size, pgtable.SharedOwned), "reclaiming %v", addr)
	case pgtable.SharedOwned:
		mm.warnOn(mm.checkHostRange(addr, size, pgtable.SharedBorrowed), "reclaiming %v", addr)
	default:
		return linuxerr.EPERM
	}

	if err := vm.pgt.Unmap(ipa, size); err != nil {
		return err
	}
	switch state {
	case pgtable.Owned:
		mm.mem.Zero(pfn, size>>hostarch.PageShift)
	case pgtable.SharedBorrowed:
		mm.hostUnshareGuestPages(pfn, size)
		return nil
	}
	return mm.warnOn(mm.hostSetOwnerLocked(addr, size, IDHost, 0), "returning %v to host", addr)
}
