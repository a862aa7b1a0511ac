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

package hypercall

// guestMemShare: ipa, nr_pages. Returns the number of pages shared.
func guestMemShare(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return h.MM.GuestShareHost(&vcpu.S2, a.addr(0), a[1])
}

// guestMemUnshare: ipa, nr_pages. Returns the number of pages unshared.
func guestMemUnshare(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return h.MM.GuestUnshareHost(&vcpu.S2, a.addr(0), a[1])
}

// guestMMIOGuardEnroll: none.
func guestMMIOGuardEnroll(h *Handler, cpu int, _ *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	vcpu.S2.VM.MMIOGuard.Store(true)
	return 0, nil
}

// guestMMIOGuardMap: ipa, nr_pages. Returns the number of pages granted.
func guestMMIOGuardMap(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return h.MM.InstallIOGuard(&vcpu.S2, a.addr(0), a[1])
}

// guestMMIOGuardUnmap: ipa, nr_pages. Returns the number of pages revoked.
func guestMMIOGuardUnmap(h *Handler, cpu int, a *Args) (uint64, error) {
	vcpu, err := h.loaded(cpu)
	if err != nil {
		return 0, err
	}
	return h.MM.RemoveIOGuard(&vcpu.S2, a.addr(0), a[1])
}
