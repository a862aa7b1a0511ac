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

// Package host models the untrusted host kernel driving the hypervisor: it
// owns the memory the hypervisor does not, feeds the hypervisor's
// allocators when they run dry, and retries the calls that failed for lack
// of memory.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/allocmgt"
	"gvisor.dev/pkvm/pkg/hyp/hypercall"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/physmem"
	"gvisor.dev/pkvm/pkg/sync"
)

const (
	// DefaultMaxRetries bounds the retries of a call failing with ENOMEM.
	DefaultMaxRetries = 8

	// DefaultVCPUTopupPages is the number of pages given to a vCPU
	// memcache when a guest stage-2 operation runs out of table pages.
	DefaultVCPUTopupPages = 2
)

// Hypervisor takes hypercalls.
type Hypervisor interface {
	Call(cpu int, id hypercall.ID, args *hypercall.Args) (uint64, int)
}

// Config configures a Host.
type Config struct {
	Hyp Hypervisor
	Mem memcache.Memory

	// Memory is the RAM the host may hand out.
	Memory []physmem.Region

	// Interval is the delay between attempts of a call.
	Interval time.Duration

	// MaxRetries is DefaultMaxRetries if zero.
	MaxRetries uint64

	// VCPUTopupPages is DefaultVCPUTopupPages if zero.
	VCPUTopupPages uint64
}

// Host is the host kernel.
type Host struct {
	hyp        Hypervisor
	mem        memcache.Memory
	interval   time.Duration
	maxRetries uint64
	vcpuPages  uint64

	// mu protects the fields below.
	mu sync.Mutex

	// regions is the memory not handed out yet, lowest first. Its first
	// region shrinks as pages are taken from its base.
	regions []physmem.Region

	// free holds single pages given back.
	free []hostarch.PFN

	// vms holds the VMs created through CreateVM, by handle.
	vms map[uint32]*VM

	// loaded holds the VM whose vCPU each CPU has loaded.
	loaded map[int]*VM
}

// New returns a Host owning cfg.Memory.
func New(cfg Config) *Host {
	h := &Host{
		hyp:        cfg.Hyp,
		mem:        cfg.Mem,
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		vcpuPages:  cfg.VCPUTopupPages,
		regions:    append([]physmem.Region(nil), cfg.Memory...),
		vms:        make(map[uint32]*VM),
		loaded:     make(map[int]*VM),
	}
	if h.maxRetries == 0 {
		h.maxRetries = DefaultMaxRetries
	}
	if h.vcpuPages == 0 {
		h.vcpuPages = DefaultVCPUTopupPages
	}
	return h
}

// AllocPages returns a naturally aligned block of 2^order pages.
func (h *Host) AllocPages(order uint8) (hostarch.PFN, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if order == 0 && len(h.free) > 0 {
		pfn := h.free[len(h.free)-1]
		h.free = h.free[:len(h.free)-1]
		return pfn, nil
	}
	for len(h.regions) > 0 {
		r := &h.regions[0]
		pfn := r.Base.PFN()
		aligned := (pfn + (1 << order) - 1) &^ ((1 << order) - 1)
		end := r.End().PFN()
		if aligned+(1<<order) <= end && aligned >= pfn {
			for skipped := pfn; skipped < aligned; skipped++ {
				h.free = append(h.free, skipped)
			}
			next := aligned + 1<<order
			r.Size = uint64(end-next) * hostarch.PageSize
			r.Base = next.Addr()
			if r.Size == 0 {
				h.regions = h.regions[1:]
			}
			return aligned, nil
		}
		for p := pfn; p < end; p++ {
			h.free = append(h.free, p)
		}
		h.regions = h.regions[1:]
	}
	return 0, linuxerr.ENOMEM
}

// FreePages gives back the block of 2^order pages at pfn.
func (h *Host) FreePages(pfn hostarch.PFN, order uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := hostarch.PFN(0); i < 1<<order; i++ {
		h.free = append(h.free, pfn+i)
	}
}

// FreeCount returns the number of pages the host can still hand out.
func (h *Host) FreeCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := uint64(len(h.free))
	for _, r := range h.regions {
		n += r.Size / hostarch.PageSize
	}
	return n
}

// Memcache returns a memcache holding n fresh blocks of 2^order pages.
func (h *Host) Memcache(n uint64, order uint8) (*memcache.Memcache, error) {
	mc := &memcache.Memcache{}
	for i := uint64(0); i < n; i++ {
		pfn, err := h.AllocPages(order)
		if err != nil {
			h.Release(mc)
			return nil, err
		}
		mc.Push(h.mem, pfn, order)
	}
	return mc, nil
}

// Release takes back every block of mc.
func (h *Host) Release(mc *memcache.Memcache) {
	for {
		pfn, order, ok := mc.Pop(h.mem)
		if !ok {
			return
		}
		h.FreePages(pfn, order)
	}
}

// needsVCPUMemcache lists the calls that take guest table pages from the
// memcache of the loaded vCPU.
var needsVCPUMemcache = map[hypercall.ID]bool{
	hypercall.HostShareGuest:    true,
	hypercall.HostDonateGuest:   true,
	hypercall.RelaxPerms:        true,
	hypercall.DirtyLog:          true,
	hypercall.GuestMMIOGuardMap: true,
}

// Call issues hypercall id from cpu. A call failing with ENOMEM is retried
// after giving the hypervisor what it asked for; every other failure is
// returned as is.
func (h *Host) Call(ctx context.Context, cpu int, id hypercall.ID, args *hypercall.Args) (uint64, error) {
	var ret uint64
	op := func() error {
		r, status := h.hyp.Call(cpu, id, args)
		err := linuxerr.FromStatus(status)
		if err == nil {
			ret = r
			return nil
		}
		if !linuxerr.Equals(linuxerr.ENOMEM, err) {
			return backoff.Permanent(err)
		}
		if terr := h.topup(cpu, id); terr != nil {
			return backoff.Permanent(fmt.Errorf("%v: %w", err, terr))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(h.interval), h.maxRetries), ctx)
	return ret, backoff.Retry(op, b)
}

// topup answers the memory request the hypervisor left for cpu after call
// id failed with ENOMEM.
func (h *Host) topup(cpu int, id hypercall.ID) error {
	var a hypercall.Args
	n, status := h.hyp.Call(cpu, hypercall.HypRequest, &a)
	if err := linuxerr.FromStatus(status); err != nil {
		return err
	}
	if n != 0 {
		log.Debugf("host: cpu %d refilling allocator %d with %d order-%d blocks", cpu, a[0], n, a[1])
		return h.Refill(cpu, allocmgt.ID(a[0]), n, uint8(a[1]))
	}
	if needsVCPUMemcache[id] {
		return h.TopupVCPU(cpu, h.vcpuPages)
	}
	return fmt.Errorf("no memory request pending")
}

// callMemcache issues a call taking memcache mc in args[i] and args[i+1],
// and takes back what the hypervisor left in it.
func (h *Host) callMemcache(cpu int, id hypercall.ID, args *hypercall.Args, i int, mc *memcache.Memcache) (uint64, error) {
	args[i], args[i+1] = mc.Head, mc.NrPages
	ret, status := h.hyp.Call(cpu, id, args)
	mc.Head, mc.NrPages = args[i], args[i+1]
	h.Release(mc)
	return ret, linuxerr.FromStatus(status)
}

// Refill gives n blocks of 2^order pages to allocator id.
func (h *Host) Refill(cpu int, id allocmgt.ID, n uint64, order uint8) error {
	mc, err := h.Memcache(n, order)
	if err != nil {
		return err
	}
	_, err = h.callMemcache(cpu, hypercall.AllocMgtRefill, &hypercall.Args{uint64(id)}, 1, mc)
	return err
}

// Reclaim asks the hypervisor's allocators for up to target pages back and
// returns how many it got.
func (h *Host) Reclaim(cpu int, target uint64) (uint64, error) {
	mc := &memcache.Memcache{}
	return h.callMemcache(cpu, hypercall.AllocMgtReclaim, &hypercall.Args{target}, 1, mc)
}

// TopupVCPU gives n pages to the memcache of the vCPU loaded on cpu.
func (h *Host) TopupVCPU(cpu int, n uint64) error {
	mc, err := h.Memcache(n, 0)
	if err != nil {
		return err
	}
	_, err = h.callMemcache(cpu, hypercall.VCPUTopup, &hypercall.Args{}, 0, mc)
	return err
}
