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

package sync

import (
	"runtime"
	"sync/atomic"
)

// writerBit is set in RWSpinlock.v while a writer holds the lock. The
// remaining bits count readers.
const writerBit = 1 << 31

// RWSpinlock is a reader/writer lock that never sleeps. Writers are not
// prioritized over readers.
//
// The zero value is an unlocked lock.
type RWSpinlock struct {
	_ NoCopy

	v uint32
}

// Lock acquires the lock for writing.
func (rw *RWSpinlock) Lock() {
	for spins := 0; ; spins++ {
		if atomic.LoadUint32(&rw.v) == 0 && atomic.CompareAndSwapUint32(&rw.v, 0, writerBit) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// Unlock releases a write lock.
func (rw *RWSpinlock) Unlock() {
	atomic.StoreUint32(&rw.v, 0)
}

// RLock acquires the lock for reading.
func (rw *RWSpinlock) RLock() {
	for spins := 0; ; spins++ {
		v := atomic.LoadUint32(&rw.v)
		if v&writerBit == 0 && atomic.CompareAndSwapUint32(&rw.v, v, v+1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// RUnlock releases a read lock.
func (rw *RWSpinlock) RUnlock() {
	atomic.AddUint32(&rw.v, ^uint32(0))
}

// IsWriteLocked reports whether a writer holds the lock.
func (rw *RWSpinlock) IsWriteLocked() bool {
	return atomic.LoadUint32(&rw.v)&writerBit != 0
}
