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

// Package refs provides the narrow, checked reference counter stored in the
// hypervisor's per-page metadata.
package refs

import (
	"fmt"
	"math"

	"gvisor.dev/pkvm/pkg/atomicbitops"
)

// MaxRefs is the largest value a Refcount can hold.
const MaxRefs = math.MaxUint16

// Refcount is a 16-bit reference counter.
//
// Increments past MaxRefs and decrements below zero are fatal: a counter
// that wraps would let a live page be freed.
//
// The zero value is a counter with no references.
type Refcount struct {
	// v holds the count. It is kept in a 32-bit word so that overflow is
	// observable before it is truncated.
	v atomicbitops.Uint32
}

// Read returns the current count. The result is inherently racy unless the
// caller holds the lock protecting the counted object.
//
//go:nosplit
func (r *Refcount) Read() uint16 {
	return uint16(r.v.Load())
}

// Inc increments the count and returns the new value.
//
//go:nosplit
func (r *Refcount) Inc() uint16 {
	v := r.v.Add(1)
	if v > MaxRefs {
		panic(fmt.Sprintf("Incrementing saturated ref count %p", r))
	}
	return uint16(v)
}

// Dec decrements the count and returns the new value.
//
//go:nosplit
func (r *Refcount) Dec() uint16 {
	v := r.v.Sub(1)
	if int32(v) < 0 {
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))
	}
	return uint16(v)
}

// DecAndTest decrements the count and reports whether it reached zero.
//
//go:nosplit
func (r *Refcount) DecAndTest() bool {
	return r.Dec() == 0
}

// Set initializes the count to v. The count must currently be zero.
//
//go:nosplit
func (r *Refcount) Set(v uint16) {
	if !r.v.CompareAndSwap(0, uint32(v)) {
		panic(fmt.Sprintf("Setting live ref count %p to %d", r, v))
	}
}
