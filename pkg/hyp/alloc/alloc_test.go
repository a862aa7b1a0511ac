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

package alloc

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/physmem"
	"gvisor.dev/pkvm/pkg/sync"
)

const (
	ramBase   = hostarch.Addr(0x40000000)
	ramPages  = 256
	heapStart = hostarch.Addr(0x100000000)
	heapSize  = 1 << 20
)

var _ allocmgt.Allocator = (*Heap)(nil)

// fakeDonor tracks which side owns each page.
type fakeDonor struct {
	mu  sync.Mutex
	hyp map[hostarch.PFN]bool
}

func (d *fakeDonor) HostDonateHyp(pfn hostarch.PFN, nrPages uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range hostarch.PFN(nrPages) {
		if d.hyp[pfn+i] {
			return linuxerr.EPERM
		}
		d.hyp[pfn+i] = true
	}
	return nil
}

func (d *fakeDonor) HypDonateHost(pfn hostarch.PFN, nrPages uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range hostarch.PFN(nrPages) {
		if !d.hyp[pfn+i] {
			return linuxerr.EPERM
		}
		delete(d.hyp, pfn+i)
	}
	return nil
}

func (d *fakeDonor) owned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hyp)
}

type harness struct {
	t     *testing.T
	heap  *Heap
	mem   *physmem.Memory
	donor *fakeDonor
	next  hostarch.PFN
}

func newHarness(t *testing.T, nrCPUs int) *harness {
	t.Helper()
	mem, err := physmem.New([]physmem.Region{{Base: ramBase, Size: ramPages * hostarch.PageSize}}, nil)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	donor := &fakeDonor{hyp: make(map[hostarch.PFN]bool)}
	heap, err := New(Config{Start: heapStart, Size: heapSize, NrCPUs: nrCPUs, Mem: mem, Donor: donor})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &harness{t: t, heap: heap, mem: mem, donor: donor, next: ramBase.PFN()}
}

// refill donates n fresh pages to cpu's memcache.
func (h *harness) refill(cpu int, n int) {
	h.t.Helper()
	var mc memcache.Memcache
	for range n {
		mc.Push(h.mem, h.next, 0)
		h.next++
	}
	if err := h.heap.Refill(cpu, &mc); err != nil {
		h.t.Fatalf("Refill failed: %v", err)
	}
	if !mc.Empty() {
		h.t.Fatalf("Refill left %d pages in the host memcache", mc.NrPages)
	}
}

func (h *harness) alloc(cpu int, size uint64) hostarch.Addr {
	h.t.Helper()
	addr, err := h.heap.Alloc(cpu, size)
	if err != nil {
		h.t.Fatalf("Alloc(%d, %d) failed: %v", cpu, size, err)
	}
	return addr
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Start: heapStart, Size: 0, NrCPUs: 1},
		{Start: heapStart + 1, Size: heapSize, NrCPUs: 1},
		{Start: heapStart, Size: 1 << 33, NrCPUs: 1},
		{Start: heapStart, Size: heapSize, NrCPUs: 0},
	} {
		if _, err := New(cfg); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("New(%+v) = %v, want EINVAL", cfg, err)
		}
	}
}

func TestAllocFree(t *testing.T) {
	h := newHarness(t, 1)
	h.refill(0, 8)

	a := h.alloc(0, 100)
	if want := heapStart + hdrSize; a != want {
		t.Errorf("first Alloc = %v, want %v", a, want)
	}
	if got := h.heap.Size(a); got != 104 {
		t.Errorf("Size = %d, want 104", got)
	}
	b := h.alloc(0, 200)
	if b <= a+100 {
		t.Errorf("second Alloc = %v overlaps %v", b, a)
	}
	if got := h.heap.MappedPages(); got != 1 {
		t.Errorf("MappedPages = %d, want 1", got)
	}

	// A freed chunk is reused for a smaller allocation.
	h.heap.Free(a)
	if c := h.alloc(0, 50); c != a {
		t.Errorf("Alloc after Free = %v, want %v", c, a)
	}
	if got := h.heap.Size(b); got != 200 {
		t.Errorf("Size(%v) = %d, want 200", b, got)
	}
}

func TestAllocZeroes(t *testing.T) {
	h := newHarness(t, 1)
	h.refill(0, 4)

	a := h.alloc(0, 256)
	h.heap.Write(a, bytes.Repeat([]byte{0xaa}, 256))
	h.heap.Free(a)

	b := h.alloc(0, 256)
	got := make([]byte, 256)
	h.heap.Read(b, got)
	if !bytes.Equal(got, make([]byte, 256)) {
		t.Errorf("Alloc returned dirty memory: %x", got[:16])
	}
}

func TestAllocSpansPages(t *testing.T) {
	h := newHarness(t, 1)
	h.refill(0, 8)

	h.alloc(0, 64)
	big := h.alloc(0, 3*hostarch.PageSize)
	if got := h.heap.MappedPages(); got != 4 {
		t.Errorf("MappedPages = %d, want 4", got)
	}
	data := make([]byte, 3*hostarch.PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	h.heap.Write(big, data)
	got := make([]byte, len(data))
	h.heap.Read(big, got)
	if !bytes.Equal(got, data) {
		t.Errorf("Read does not match Write across pages")
	}
}

func TestAllocInvalid(t *testing.T) {
	h := newHarness(t, 1)
	for _, size := range []uint64{0, heapSize + 1} {
		if _, err := h.heap.Alloc(0, size); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Alloc(%d) = %v, want EINVAL", size, err)
		}
		if err := h.heap.Errno(0); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Errno = %v, want EINVAL", err)
		}
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	h := newHarness(t, 2)

	if _, err := h.heap.Alloc(1, 3*hostarch.PageSize); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Alloc with no donations = %v, want ENOMEM", err)
	}
	if err := h.heap.Errno(1); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Errno = %v, want ENOMEM", err)
	}
	if err := h.heap.Errno(0); err != nil {
		t.Errorf("Errno on an idle CPU = %v, want nil", err)
	}
	if got := h.heap.MissingDonations(1); got != 4 {
		t.Errorf("MissingDonations = %d, want 4", got)
	}
	if got := h.heap.MissingDonations(1); got != 0 {
		t.Errorf("MissingDonations after read = %d, want 0", got)
	}

	h.refill(1, 4)
	h.alloc(1, 3*hostarch.PageSize)
	if err := h.heap.Errno(1); err != nil {
		t.Errorf("Errno after success = %v, want nil", err)
	}
}

func TestRefillRejectsBlocks(t *testing.T) {
	h := newHarness(t, 1)
	var mc memcache.Memcache
	mc.Push(h.mem, ramBase.PFN(), 1)
	if err := h.heap.Refill(0, &mc); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Refill(order 1) = %v, want EINVAL", err)
	}
	if mc.NrPages != 1 || h.donor.owned() != 0 {
		t.Errorf("failed Refill consumed the block")
	}
}

func TestReclaim(t *testing.T) {
	h := newHarness(t, 1)
	h.refill(0, 8)

	a := h.alloc(0, 100)
	b := h.alloc(0, 3*hostarch.PageSize)
	if got := h.heap.Reclaimable(); got != 4 {
		t.Errorf("Reclaimable with everything in use = %d, want 4", got)
	}

	h.heap.Free(b)
	if got := h.heap.Reclaimable(); got != 7 {
		t.Errorf("Reclaimable after Free = %d, want 7", got)
	}

	var mc memcache.Memcache
	h.heap.Reclaim(0, &mc, 100)
	if mc.NrPages != 7 {
		t.Errorf("Reclaim returned %d pages, want 7", mc.NrPages)
	}
	if got := h.heap.MappedPages(); got != 1 {
		t.Errorf("MappedPages = %d, want 1", got)
	}
	if got := h.donor.owned(); got != 1 {
		t.Errorf("hypervisor owns %d pages, want 1", got)
	}
	mc.ForEach(h.mem, func(pfn hostarch.PFN, order uint8) {
		if page := h.mem.Page(pfn); !bytes.Equal(page[8:], make([]byte, hostarch.PageSize-8)) {
			t.Errorf("reclaimed page %v is not zeroed", pfn)
		}
	})

	// The live allocation survives.
	h.heap.Write(a, []byte("live"))
	got := make([]byte, 4)
	h.heap.Read(a, got)
	if string(got) != "live" {
		t.Errorf("Read = %q, want %q", got, "live")
	}

	h.heap.Free(a)
	if got := h.heap.Reclaimable(); got != 1 {
		t.Errorf("Reclaimable of an idle heap = %d, want 1", got)
	}
	h.heap.Reclaim(0, &mc, 1)
	if mc.NrPages != 8 || h.heap.MappedPages() != 0 || h.donor.owned() != 0 {
		t.Errorf("after full Reclaim: %d pages returned, %d mapped, %d owned; want 8, 0, 0",
			mc.NrPages, h.heap.MappedPages(), h.donor.owned())
	}
}

func TestReclaimStopsAtTarget(t *testing.T) {
	h := newHarness(t, 2)
	h.refill(0, 3)
	h.refill(1, 3)

	var mc memcache.Memcache
	h.heap.Reclaim(0, &mc, 4)
	if mc.NrPages != 4 {
		t.Errorf("Reclaim(4) returned %d pages", mc.NrPages)
	}
	if got := h.heap.Reclaimable(); got != 2 {
		t.Errorf("Reclaimable = %d, want 2", got)
	}
	h.heap.Reclaim(0, &mc, 0)
	if mc.NrPages != 4 {
		t.Errorf("Reclaim(0) returned pages")
	}
}

func TestConcurrentAlloc(t *testing.T) {
	const nrCPUs = 4
	h := newHarness(t, nrCPUs)
	for cpu := range nrCPUs {
		h.refill(cpu, 16)
	}

	var g errgroup.Group
	for cpu := range nrCPUs {
		g.Go(func() error {
			var addrs []hostarch.Addr
			for i := range 20 {
				a, err := h.heap.Alloc(cpu, 64)
				if err != nil {
					return fmt.Errorf("cpu %d: Alloc: %w", cpu, err)
				}
				h.heap.Write(a, bytes.Repeat([]byte{byte(cpu<<5 | i)}, 64))
				addrs = append(addrs, a)
			}
			for i, a := range addrs {
				got := make([]byte, 64)
				h.heap.Read(a, got)
				if want := bytes.Repeat([]byte{byte(cpu<<5 | i)}, 64); !bytes.Equal(got, want) {
					return fmt.Errorf("cpu %d: allocation %d was overwritten", cpu, i)
				}
				h.heap.Free(a)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
