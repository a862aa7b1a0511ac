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

package vmemmap

import (
	"fmt"

	"gvisor.dev/pkvm/pkg/hostarch"
)

// FreeList is an intrusive doubly-linked list of pages, threaded through the
// Page records of a Table. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for FreeList is an empty list ready to use.
type FreeList struct {
	head, tail hostarch.PFN
	len        uint64
}

// Empty returns true iff the list is empty.
func (l *FreeList) Empty() bool {
	return l.len == 0
}

// Len returns the number of entries.
func (l *FreeList) Len() uint64 {
	return l.len
}

// Front returns the first entry.
func (l *FreeList) Front() (hostarch.PFN, bool) {
	return l.head, l.len != 0
}

// PushBack inserts pfn at the back of the list. The page must not be on any
// list.
func (l *FreeList) PushBack(t *Table, pfn hostarch.PFN) {
	p := t.Page(pfn)
	if p.list != nil {
		panic(fmt.Sprintf("%v inserted twice into a free list", pfn))
	}
	p.list = l
	p.prev = l.tail
	if l.len == 0 {
		l.head = pfn
	} else {
		t.Page(l.tail).next = pfn
	}
	l.tail = pfn
	l.len++
}

// Remove removes pfn from the list. The page must be on l.
func (l *FreeList) Remove(t *Table, pfn hostarch.PFN) {
	p := t.Page(pfn)
	if p.list != l {
		panic(fmt.Sprintf("%v removed from a free list it is not on", pfn))
	}
	if l.head == pfn {
		l.head = p.next
	} else {
		t.Page(p.prev).next = p.next
	}
	if l.tail == pfn {
		l.tail = p.prev
	} else {
		t.Page(p.next).prev = p.prev
	}
	p.list = nil
	p.next, p.prev = 0, 0
	l.len--
}

// PopFront removes and returns the first entry.
func (l *FreeList) PopFront(t *Table) (hostarch.PFN, bool) {
	pfn, ok := l.Front()
	if !ok {
		return 0, false
	}
	l.Remove(t, pfn)
	return pfn, true
}

// ForEach calls fn on each entry, front to back. The list must not be
// modified by fn.
func (l *FreeList) ForEach(t *Table, fn func(pfn hostarch.PFN)) {
	pfn := l.head
	for i := uint64(0); i < l.len; i++ {
		next := t.Page(pfn).next
		fn(pfn)
		pfn = next
	}
}
