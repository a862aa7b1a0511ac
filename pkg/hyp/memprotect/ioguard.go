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

// MMIO guard lets a guest declare the IPAs it expects to be MMIO. Once the
// guest has enrolled, aborts outside of guarded pages are not forwarded to
// the host.

// ioGuardRange walks the unmapped range at ipa and returns how many of its
// pages can be processed in one go.
func (mm *MM) ioGuardRange(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64, desired, mask pgtable.State) (uint64, error) {
	vm := vcpu.VM
	if !vm.MMIOGuard.Load() {
		return 0, linuxerr.EINVAL
	}
	size, ok := pagesSize(nrPages)
	if !ok || !ipa.IsPageAligned() || ipa+hostarch.Addr(size) < ipa {
		return 0, linuxerr.EINVAL
	}
	r := newGuestRequest(desired)
	r.mask = mask
	if err := mm.walkGuestRequest(vm, ipa, size, r); err != nil && !linuxerr.Equals(linuxerr.E2BIG, err) {
		return 0, err
	}
	if r.ipaStart > ipa {
		return 0, linuxerr.EINVAL
	}
	return min(r.size-uint64(ipa-r.ipaStart), size), nil
}

// InstallIOGuard marks up to nrPages unmapped pages at ipa as MMIO and
// returns how many were marked.
func (mm *MM) InstallIOGuard(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64) (uint64, error) {
	vm := vcpu.VM
	vm.mu.Lock()
	defer vm.mu.Unlock()

	size, err := mm.ioGuardRange(vcpu, ipa, nrPages, pgtable.NoPage, ^pgtable.MMIO)
	if err != nil {
		return 0, err
	}
	if err := vm.pgt.Annotate(ipa, size, pgtable.MMIONote, &vcpu.MC); err != nil {
		return 0, err
	}
	return size >> hostarch.PageShift, nil
}

// RemoveIOGuard revokes InstallIOGuard for up to nrPages pages at ipa and
// returns how many were revoked.
func (mm *MM) RemoveIOGuard(vcpu *VCPU, ipa hostarch.Addr, nrPages uint64) (uint64, error) {
	vm := vcpu.VM
	vm.mu.Lock()
	defer vm.mu.Unlock()

	size, err := mm.ioGuardRange(vcpu, ipa, nrPages, pgtable.NoPage|pgtable.MMIO, ^pgtable.State(0))
	if err != nil {
		return 0, err
	}
	if err := vm.pgt.Unmap(ipa, size); err != nil {
		return 0, err
	}
	return size >> hostarch.PageShift, nil
}

// CheckIOGuard returns true if an MMIO access of size bytes at ipa may be
// forwarded to the host.
func (mm *MM) CheckIOGuard(vcpu *VCPU, ipa hostarch.Addr, size uint64) bool {
	vm := vcpu.VM
	if !vm.MMIOGuard.Load() {
		return true
	}
	if size == 0 || ipa+hostarch.Addr(size) < ipa {
		return false
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	first, _ := vm.pgt.GetLeaf(ipa)
	last, _ := vm.pgt.GetLeaf(ipa + hostarch.Addr(size) - 1)
	return first.IsMMIONote() && last.IsMMIONote()
}
