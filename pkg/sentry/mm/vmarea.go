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

package mm

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
)

// VMArea describes one contiguous range of mapped virtual pages.
type VMArea struct {
	// Start and End are the virtual page numbers bounding the area,
	// [Start, End). Start < End.
	Start uint64
	End   uint64

	// Offset is the page offset of Start within obj.
	Offset uint64

	// Perms is the protection of the area.
	Perms hostarch.AccessType

	// Private is true if writes must not be visible to other mappings of the
	// same source.
	Private bool

	// obj backs the area. A reference is held on it. obj is nil for areas of
	// a cloned map until copy-on-write setup attaches one.
	obj memmap.Object

	// vmmap is the map the area is inserted in, or nil.
	vmmap *VMMap
}

// Object returns the memory object backing a, or nil.
func (a *VMArea) Object() memmap.Object {
	return a.obj
}

// Pages returns the number of pages in a.
func (a *VMArea) Pages() uint64 {
	return a.End - a.Start
}

// Contains returns true if page vpn lies in a.
func (a *VMArea) Contains(vpn uint64) bool {
	return a.Start <= vpn && vpn < a.End
}

// AddrRange returns the virtual address range of a.
func (a *VMArea) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.AddrOfPage(a.Start), End: hostarch.AddrOfPage(a.End)}
}

// objectPage returns the page of a's object mapped at virtual page vpn.
//
// Preconditions: a.Contains(vpn).
func (a *VMArea) objectPage(vpn uint64) uint64 {
	return vpn - a.Start + a.Offset
}

// desc returns the mapping descriptor passed to a Mappable for a.
func (a *VMArea) desc() memmap.MappingDesc {
	return memmap.MappingDesc{
		Start:   a.Start,
		End:     a.End,
		Offset:  a.Offset,
		Perms:   a.Perms,
		Private: a.Private,
	}
}

// String implements fmt.Stringer.
func (a *VMArea) String() string {
	kind := "shared"
	if a.Private {
		kind = "private"
	}
	return fmt.Sprintf("%v %s %s off=%#x", a.AddrRange(), a.Perms, kind, a.Offset)
}
