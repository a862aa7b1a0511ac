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

package log

import (
	"sync/atomic"
)

// atomicPtr is an atomic pointer to the global BasicLogger.
type atomicPtr struct {
	ptr atomic.Pointer[BasicLogger]
}

// Load returns the value set by the most recent Store.
func (p *atomicPtr) Load() *BasicLogger {
	return p.ptr.Load()
}

// Store sets the value returned by Load to v.
func (p *atomicPtr) Store(v *BasicLogger) {
	p.ptr.Store(v)
}
