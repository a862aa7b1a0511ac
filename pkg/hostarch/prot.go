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

package hostarch

import "strings"

// Prot is a set of stage-2 access permissions.
type Prot uint8

const (
	// ProtRead allows reads.
	ProtRead Prot = 1 << iota

	// ProtWrite allows writes.
	ProtWrite

	// ProtExec allows instruction fetches.
	ProtExec

	// ProtDevice marks a device (uncached) mapping.
	ProtDevice
)

const (
	// ProtNone allows no access.
	ProtNone Prot = 0

	// ProtRW allows reads and writes.
	ProtRW = ProtRead | ProtWrite

	// ProtRWX allows all accesses.
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// Any returns true if p allows any access.
func (p Prot) Any() bool {
	return p&ProtRWX != 0
}

// Subset returns true if every permission in p is also in o.
func (p Prot) Subset(o Prot) bool {
	return p&^o == 0
}

// String returns a pretty representation of p, e.g. "rw-" or "r-x dev".
func (p Prot) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit Prot
		ch  byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	if p&ProtDevice != 0 {
		b.WriteString(" dev")
	}
	return b.String()
}
