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

package allocmgt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
)

// fakeAllocator counts calls and pretends to hand back pages by bumping
// the memcache count.
type fakeAllocator struct {
	refills     int
	reclaimable uint64
	reclaimed   []uint64
}

func (f *fakeAllocator) Refill(int, *memcache.Memcache) error {
	f.refills++
	return nil
}

func (f *fakeAllocator) Reclaimable() uint64 {
	return f.reclaimable
}

func (f *fakeAllocator) Reclaim(_ int, mc *memcache.Memcache, target uint64) {
	f.reclaimed = append(f.reclaimed, target)
	n := min(target, f.reclaimable)
	f.reclaimable -= n
	mc.NrPages += n
}

func TestRegister(t *testing.T) {
	var r Registry
	for i := 0; i < MaxAllocators; i++ {
		id, err := r.Register(&fakeAllocator{})
		if err != nil {
			t.Fatalf("Register #%d failed: %v", i, err)
		}
		if id != ID(i) {
			t.Errorf("Register #%d = %d, want %d", i, id, i)
		}
	}
	if _, err := r.Register(&fakeAllocator{}); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("Register over capacity = %v, want ENOSPC", err)
	}
}

func TestRegisterAfterClose(t *testing.T) {
	var r Registry
	r.Close()
	if _, err := r.Register(&fakeAllocator{}); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("Register after Close = %v, want EPERM", err)
	}
}

func TestRefillBoundsChecked(t *testing.T) {
	var r Registry
	heap, iommu := &fakeAllocator{}, &fakeAllocator{}
	r.Register(heap)
	r.Register(iommu)
	r.Close()

	var mc memcache.Memcache
	for _, id := range []ID{5, 2, ^ID(0)} {
		if err := r.Refill(0, id, &mc); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Refill(%d) = %v, want EINVAL", id, err)
		}
	}
	if heap.refills+iommu.refills != 0 {
		t.Fatalf("out of range Refill reached an allocator")
	}
	if err := r.Refill(0, IOMMUID, &mc); err != nil {
		t.Fatalf("Refill(IOMMUID) failed: %v", err)
	}
	if iommu.refills != 1 || heap.refills != 0 {
		t.Errorf("Refill(IOMMUID) dispatched to heap=%d iommu=%d", heap.refills, iommu.refills)
	}
}

func TestReclaim(t *testing.T) {
	var r Registry
	heap := &fakeAllocator{reclaimable: 3}
	iommu := &fakeAllocator{reclaimable: 10}
	r.Register(heap)
	r.Register(iommu)

	if got := r.Reclaimable(); got != 13 {
		t.Errorf("Reclaimable = %d, want 13", got)
	}
	var mc memcache.Memcache
	if got := r.Reclaim(0, &mc, 5); got != 5 {
		t.Errorf("Reclaim(5) = %d, want 5", got)
	}
	if diff := cmp.Diff([]uint64{5}, heap.reclaimed); diff != "" {
		t.Errorf("heap targets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{2}, iommu.reclaimed); diff != "" {
		t.Errorf("iommu targets mismatch (-want +got):\n%s", diff)
	}
	if got := r.Reclaim(0, &mc, 100); got != 8 {
		t.Errorf("Reclaim(100) = %d, want the remaining 8", got)
	}
}
