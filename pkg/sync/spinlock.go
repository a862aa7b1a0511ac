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

// Package sync provides the busy-waiting lock primitives used by the
// hypervisor core, along with aliases of the standard library types used by
// code outside of it.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts after which a
// waiter yields the processor. This stands in for the wait-for-event
// instruction: the waiter stops hammering the cache line until the holder
// has had a chance to run.
const spinsBeforeYield = 64

// Spinlock is a mutual exclusion lock that never sleeps.
//
// Lock busy-waits using a compare-and-swap loop. Unlock is a store-release.
// There is no fairness guarantee. Unlocking a lock that is not held is
// undefined and not detected.
//
// The zero value is an unlocked lock.
type Spinlock struct {
	_ NoCopy

	// v is 1 while the lock is held.
	v uint32
}

// Lock acquires the lock, spinning until it is available.
//
//go:nosplit
func (l *Spinlock) Lock() {
	if atomic.CompareAndSwapUint32(&l.v, 0, 1) {
		return
	}
	l.lockSlow()
}

func (l *Spinlock) lockSlow() {
	for spins := 0; ; spins++ {
		// Test before test-and-set, so waiters only read the lock word
		// while it is held.
		if atomic.LoadUint32(&l.v) == 0 && atomic.CompareAndSwapUint32(&l.v, 0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
//
//go:nosplit
func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.v, 0, 1)
}

// Unlock releases the lock.
//
//go:nosplit
func (l *Spinlock) Unlock() {
	atomic.StoreUint32(&l.v, 0)
}

// IsLocked reports whether the lock is currently held by anyone. The result
// is inherently racy and is only meaningful for assertions.
func (l *Spinlock) IsLocked() bool {
	return atomic.LoadUint32(&l.v) != 0
}
