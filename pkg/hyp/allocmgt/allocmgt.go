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

// Package allocmgt multiplexes host-driven refill and reclaim requests over
// the hypervisor's page allocators.
//
// Allocators register once at boot and are identified by their
// registration order. The host names an allocator by ID, so IDs are always
// checked against the number of registered allocators before dispatch.
package allocmgt

import (
	"gvisor.dev/pkvm/pkg/atomicbitops"
	"gvisor.dev/pkvm/pkg/errors/linuxerr"
	"gvisor.dev/pkvm/pkg/hyp/memcache"
	"gvisor.dev/pkvm/pkg/sync"
)

// MaxAllocators is the capacity of a Registry.
const MaxAllocators = 4

// ID identifies a registered allocator.
type ID uint32

// Well-known IDs, in boot registration order.
const (
	HeapID  ID = 0
	IOMMUID ID = 1
)

// Allocator is the interface registered allocators implement.
type Allocator interface {
	// Refill takes the pages of the host memcache mc on behalf of cpu.
	Refill(cpu int, mc *memcache.Memcache) error

	// Reclaimable returns the number of pages Reclaim could give back.
	Reclaimable() uint64

	// Reclaim gives up to target pages back to the host through mc.
	Reclaim(cpu int, mc *memcache.Memcache, target uint64)
}

// Registry is a fixed-capacity table of allocators.
type Registry struct {
	// mu serializes registration.
	mu sync.Spinlock

	// closed is set once boot is done; no allocator may register after.
	closed bool

	allocators [MaxAllocators]Allocator

	// nr is the number of registered allocators. It only grows, and
	// entries below it are never written again.
	nr atomicbitops.Uint32
}

// Register adds a to the registry and returns its ID.
func (r *Registry) Register(a Allocator) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, linuxerr.EPERM
	}
	nr := r.nr.RacyLoad()
	if nr == MaxAllocators {
		return 0, linuxerr.ENOSPC
	}
	r.allocators[nr] = a
	r.nr.Store(nr + 1)
	return ID(nr), nil
}

// Close forbids further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Len returns the number of registered allocators.
func (r *Registry) Len() int {
	return int(r.nr.Load())
}

// get returns the allocator registered under id.
func (r *Registry) get(id ID) (Allocator, error) {
	if uint64(id) >= uint64(r.nr.Load()) {
		return nil, linuxerr.EINVAL
	}
	return r.allocators[id], nil
}

// Refill hands the host memcache mc to allocator id.
func (r *Registry) Refill(cpu int, id ID, mc *memcache.Memcache) error {
	a, err := r.get(id)
	if err != nil {
		return err
	}
	return a.Refill(cpu, mc)
}

// Reclaimable returns the number of pages all allocators could give back.
func (r *Registry) Reclaimable() uint64 {
	var n uint64
	for i, nr := uint32(0), r.nr.Load(); i < nr; i++ {
		n += r.allocators[i].Reclaimable()
	}
	return n
}

// Reclaim gives up to target pages back to the host through mc, asking
// each allocator in ID order. It returns the number of pages reclaimed.
func (r *Registry) Reclaim(cpu int, mc *memcache.Memcache, target uint64) uint64 {
	var done uint64
	for i, nr := uint32(0), r.nr.Load(); i < nr && done < target; i++ {
		before := mc.NrPages
		r.allocators[i].Reclaim(cpu, mc, target-done)
		done += mc.NrPages - before
	}
	return done
}
