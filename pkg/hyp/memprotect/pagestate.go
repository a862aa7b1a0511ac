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
	"fmt"

	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/pgtable"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
)

// PageState is the ownership state of a page, as reported for diagnostics.
// It is one of the types below.
type PageState interface {
	fmt.Stringer
	isPageState()
}

// HostOwned is memory owned by the host and not shared.
type HostOwned struct{}

// HypOwned is memory owned by the hypervisor.
type HypOwned struct{}

// SharedHostHyp is host memory the hypervisor may access.
type SharedHostHyp struct {
	// Pinned counts hypervisor pins and DMA holders.
	Pinned uint16
}

// GuestOwned is memory owned by a guest.
type GuestOwned struct {
	VM uint32
}

// SharedHostGuest is host memory a guest may access.
type SharedHostGuest struct {
	VM      uint32
	Holders uint16
}

// SharedGuestHost is guest memory the host may access.
type SharedGuestHost struct {
	VM uint32
}

// MMIOGuarded is a guest IPA the guest declared as MMIO.
type MMIOGuarded struct {
	VM uint32
}

// ModuleOwned is memory whose host permissions were changed by a module.
type ModuleOwned struct{}

// HostMMIO is MMIO the host may access, possibly mapped for DMA.
type HostMMIO struct {
	DMA bool
}

// Unknown is anything else: unbacked addresses, or states that are not
// consistent.
type Unknown struct{}

func (HostOwned) isPageState()       {}
func (HypOwned) isPageState()        {}
func (SharedHostHyp) isPageState()   {}
func (GuestOwned) isPageState()      {}
func (SharedHostGuest) isPageState() {}
func (SharedGuestHost) isPageState() {}
func (MMIOGuarded) isPageState()     {}
func (ModuleOwned) isPageState()     {}
func (HostMMIO) isPageState()        {}
func (Unknown) isPageState()         {}

func (HostOwned) String() string { return "host" }
func (HypOwned) String() string  { return "hyp" }
func (s SharedHostHyp) String() string {
	return fmt.Sprintf("shared host->hyp pinned=%d", s.Pinned)
}
func (s GuestOwned) String() string { return fmt.Sprintf("vm%d", s.VM) }
func (s SharedHostGuest) String() string {
	return fmt.Sprintf("shared host->vm%d holders=%d", s.VM, s.Holders)
}
func (s SharedGuestHost) String() string { return fmt.Sprintf("shared vm%d->host", s.VM) }
func (s MMIOGuarded) String() string     { return fmt.Sprintf("mmio guard vm%d", s.VM) }
func (ModuleOwned) String() string       { return "module" }
func (s HostMMIO) String() string {
	if s.DMA {
		return "host mmio dma"
	}
	return "host mmio"
}
func (Unknown) String() string { return "unknown" }

// PageCount returns the number of holders of the memory page pfn.
func (mm *MM) PageCount(pfn hostarch.PFN) uint16 {
	if !mm.table.Contains(pfn) {
		return 0
	}
	mm.lockHost()
	defer mm.unlockHost()
	return mm.table.Page(pfn).Refcount.Read()
}

// HostPageState returns the state of the physical page pfn.
func (mm *MM) HostPageState(pfn hostarch.PFN) PageState {
	addr := pfn.Addr()
	mm.lockHost()
	defer mm.unlockHost()

	if !mm.mem.IsMemory(addr) {
		if !mm.mem.IsMMIO(addr) {
			return Unknown{}
		}
		pte, _ := mm.host.pgt.GetLeaf(addr)
		switch hostMMIOState(pte) &^ pgtable.RestrictedProt {
		case pgtable.Owned:
			return HostMMIO{}
		case pgtable.MMIODMA:
			return HostMMIO{DMA: true}
		}
		return Unknown{}
	}

	mm.lockHyp()
	defer mm.unlockHyp()
	page := mm.table.Page(pfn)
	state := pgtable.State(page.HostState)
	switch {
	case page.Flags&vmemmap.ModuleOwned != 0:
		return ModuleOwned{}
	case state&pgtable.NoPage != 0:
		pte, _ := mm.host.pgt.GetLeaf(addr)
		switch pte.Owner() {
		case IDHyp:
			return HypOwned{}
		case IDGuest:
			if vm, ok := mm.findGuestMapping(addr); ok {
				return GuestOwned{VM: vm}
			}
		}
	case state == pgtable.Owned:
		return HostOwned{}
	case state == pgtable.SharedOwned:
		if pte, _ := mm.hyp.pgt.GetLeaf(addr); pte.Valid() {
			return SharedHostHyp{Pinned: page.Refcount.Read()}
		}
		if vm, ok := mm.findGuestMapping(addr); ok {
			return SharedHostGuest{VM: vm, Holders: page.Refcount.Read()}
		}
	case state == pgtable.SharedBorrowed:
		if vm, ok := mm.findGuestMapping(addr); ok {
			return SharedGuestHost{VM: vm}
		}
	}
	return Unknown{}
}

// findGuestMapping returns the VM whose stage-2 maps addr.
func (mm *MM) findGuestMapping(addr hostarch.Addr) (uint32, bool) {
	mm.vmsMu.Lock()
	defer mm.vmsMu.Unlock()
	for handle, vm := range mm.vms {
		vm.mu.Lock()
		leaves := vm.pgt.Leaves()
		vm.mu.Unlock()
		for _, l := range leaves {
			if !l.PTE.Valid() {
				continue
			}
			phys := l.PTE.Addr()
			if addr >= phys && addr < phys+hostarch.Addr(l.Level.Size()) {
				return handle, true
			}
		}
	}
	return 0, false
}

// GuestPageState returns the state of the guest page at ipa.
func (mm *MM) GuestPageState(vm *VM, ipa hostarch.Addr) PageState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	pte, _ := vm.pgt.GetLeaf(ipa)
	switch guestState(pte) &^ pgtable.RestrictedProt {
	case pgtable.Owned:
		return GuestOwned{VM: vm.Handle}
	case pgtable.SharedOwned:
		return SharedGuestHost{VM: vm.Handle}
	case pgtable.SharedBorrowed:
		return SharedHostGuest{VM: vm.Handle, Holders: mm.table.PageOf(pte.Addr()).Refcount.Read()}
	case pgtable.NoPage | pgtable.MMIO:
		return MMIOGuarded{VM: vm.Handle}
	}
	return Unknown{}
}
