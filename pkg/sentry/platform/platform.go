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

// Package platform provides the boundary between the memory manager and the
// hardware translation structures.
//
// See AddressSpace for more information.
package platform

import (
	"fmt"
	"sort"
	"strings"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// AddressSpace represents the translations installed for one process.
type AddressSpace interface {
	// MapPage installs a translation from the page containing addr to the
	// physical frame at phys with the given permissions. Any existing
	// translation for the page is silently replaced.
	//
	// Preconditions: addr and phys are page-aligned. at.Any() == true.
	MapPage(addr hostarch.Addr, phys uint64, at hostarch.AccessType) error

	// Invalidate discards any cached translation for the page containing
	// addr.
	Invalidate(addr hostarch.Addr)

	// Unmap removes every translation in ar.
	//
	// Preconditions: ar is page-aligned.
	Unmap(ar hostarch.AddrRange)
}

// PTE is one installed translation.
type PTE struct {
	// Phys is the physical address of the mapped frame.
	Phys uint64

	// Perms is the access permitted through the translation.
	Perms hostarch.AccessType
}

// PageTable is an in-memory AddressSpace keyed by virtual page number.
type PageTable struct {
	mu sync.Mutex

	// entries maps virtual page numbers to translations. Protected by mu.
	entries map[uint64]PTE

	// invalidations counts calls to Invalidate. Protected by mu.
	invalidations uint64
}

// NewPageTable returns an empty PageTable.
func NewPageTable() *PageTable {
	return &PageTable{
		entries: make(map[uint64]PTE),
	}
}

// MapPage implements AddressSpace.MapPage.
func (pt *PageTable) MapPage(addr hostarch.Addr, phys uint64, at hostarch.AccessType) error {
	if !addr.IsPageAligned() || !hostarch.Addr(phys).IsPageAligned() {
		panic(fmt.Sprintf("unaligned translation %v -> %#x", addr, phys))
	}
	if !at.Any() {
		panic(fmt.Sprintf("translation %v -> %#x permits no access", addr, phys))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[addr.PageNumber()] = PTE{Phys: phys, Perms: at}
	return nil
}

// Invalidate implements AddressSpace.Invalidate.
func (pt *PageTable) Invalidate(addr hostarch.Addr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.invalidations++
	delete(pt.entries, addr.PageNumber())
}

// Unmap implements AddressSpace.Unmap.
func (pt *PageTable) Unmap(ar hostarch.AddrRange) {
	first, end := ar.Pages()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if end-first > uint64(len(pt.entries)) {
		for vpn := range pt.entries {
			if vpn >= first && vpn < end {
				delete(pt.entries, vpn)
			}
		}
		return
	}
	for vpn := first; vpn < end; vpn++ {
		delete(pt.entries, vpn)
	}
}

// Flush removes every translation.
func (pt *PageTable) Flush() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries = make(map[uint64]PTE)
}

// Lookup returns the translation for the page containing addr.
func (pt *PageTable) Lookup(addr hostarch.Addr) (PTE, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.entries[addr.PageNumber()]
	return pte, ok
}

// Len returns the number of installed translations.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}

// Invalidations returns the number of Invalidate calls.
func (pt *PageTable) Invalidations() uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.invalidations
}

// String implements fmt.Stringer.
func (pt *PageTable) String() string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	vpns := make([]uint64, 0, len(pt.entries))
	for vpn := range pt.entries {
		vpns = append(vpns, vpn)
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
	var b strings.Builder
	for _, vpn := range vpns {
		pte := pt.entries[vpn]
		fmt.Fprintf(&b, "%v -> %#x %s\n", hostarch.AddrOfPage(vpn), pte.Phys, pte.Perms)
	}
	return b.String()
}
