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

package pool

import (
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/hyp/vmemmap"
)

// Donor moves pages between host and hypervisor ownership. It is implemented
// by the ownership layer (memprotect.MM).
type Donor interface {
	// HostDonateHyp transfers [pfn, pfn+nrPages) from the host to the
	// hypervisor.
	HostDonateHyp(pfn hostarch.PFN, nrPages uint64) error

	// HypDonateHost transfers [pfn, pfn+nrPages) from the hypervisor back
	// to the host.
	HypDonateHost(pfn hostarch.PFN, nrPages uint64) error
}

// admit takes ownership of the block at the head of mc and releases it into
// the pool. mc is left untouched on failure.
func (p *Pool) admit(d Donor, mem memcache.Memory, mc *memcache.Memcache) error {
	pfn, order, ok := mc.Peek()
	if !ok {
		return linuxerr.ENOMEM
	}
	if order > p.maxOrder || !pfn.IsAligned(order) || !p.table.ContainsRange(pfn, 1<<order) {
		return linuxerr.EINVAL
	}
	if err := d.HostDonateHyp(pfn, 1<<order); err != nil {
		return linuxerr.EINVAL
	}
	mc.Pop(mem)

	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.table.Page(pfn)
	page.Order = order
	page.Refcount.Set(1)
	p.putPageLocked(pfn)
	return nil
}

// Refill moves every block of the host memcache mc into the pool. It stops at
// the first block the host cannot donate and returns EINVAL, leaving that
// block and the ones after it in mc.
func (p *Pool) Refill(d Donor, mem memcache.Memory, mc *memcache.Memcache) error {
	for !mc.Empty() {
		if err := p.admit(d, mem, mc); err != nil {
			return err
		}
	}
	return nil
}

// RefillMin moves blocks from mc into the pool until at least min pages are
// free. It returns ENOMEM if mc runs dry first.
func (p *Pool) RefillMin(d Donor, mem memcache.Memory, mc *memcache.Memcache, min uint64) error {
	for p.FreePages() < min {
		if err := p.admit(d, mem, mc); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim returns free pages to the host through mc, one page at a time,
// until no more than target pages are free. It returns the number of pages
// given back.
func (p *Pool) Reclaim(d Donor, mem memcache.Memory, mc *memcache.Memcache, target uint64) (uint64, error) {
	var n uint64
	for p.FreePages() > target {
		pfn, err := p.AllocPages(0)
		if err != nil {
			return n, err
		}
		p.mu.Lock()
		page := p.table.Page(pfn)
		page.Refcount.Dec()
		page.Order = vmemmap.NoOrder
		p.mu.Unlock()

		if err := d.HypDonateHost(pfn, 1); err != nil {
			p.mu.Lock()
			page.Order = 0
			page.Refcount.Set(1)
			p.putPageLocked(pfn)
			p.mu.Unlock()
			return n, err
		}
		mc.Push(mem, pfn, 0)
		n++
	}
	return n, nil
}
