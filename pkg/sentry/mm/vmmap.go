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

// Package mm implements process address spaces: the ordered set of mapped
// areas, the anonymous and copy-on-write memory objects backing them, and
// page fault resolution.
//
// Lock order:
//
//	VMMap (exclusive to its owning process; callers serialize)
//		pgalloc.Cache.mu
//
// Memory objects may be shared by areas of many maps. Their reference counts
// and resident frames are the only state shared between processes.
package mm

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

const (
	// DefaultMinAddr is the lowest user address.
	DefaultMinAddr = 0x00400000

	// DefaultMaxAddr is the end of the user address range.
	DefaultMaxAddr = 0xc0000000

	// DefaultMaxAreas is the default limit on areas per map, as Linux's
	// vm.max_map_count.
	DefaultMaxAreas = 65530

	// btreeDegree is the degree of the area tree.
	btreeDegree = 8
)

// Direction selects where FindRange looks for free space.
type Direction int

const (
	// TopDown returns the highest-addressed fit.
	TopDown Direction = iota

	// BottomUp returns the lowest-addressed fit.
	BottomUp
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case TopDown:
		return "TopDown"
	case BottomUp:
		return "BottomUp"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Layout bounds the areas of a map.
type Layout struct {
	// MinPage and MaxPage bound mappable pages, [MinPage, MaxPage).
	MinPage uint64
	MaxPage uint64

	// MaxAreas is the maximum number of areas. Zero means unlimited.
	MaxAreas int
}

// DefaultLayout returns the default user address space layout.
func DefaultLayout() Layout {
	return Layout{
		MinPage:  hostarch.Addr(DefaultMinAddr).PageNumber(),
		MaxPage:  hostarch.Addr(DefaultMaxAddr).PageNumber(),
		MaxAreas: DefaultMaxAreas,
	}
}

// Valid returns an error if l cannot bound a map.
func (l Layout) Valid() error {
	if l.MinPage == 0 || l.MinPage >= l.MaxPage {
		return fmt.Errorf("invalid page bounds [%#x, %#x)", l.MinPage, l.MaxPage)
	}
	if l.MaxAreas < 0 {
		return fmt.Errorf("invalid area limit %d", l.MaxAreas)
	}
	return nil
}

// VMMap is the set of areas of one address space, ordered by start page and
// pairwise disjoint.
//
// A VMMap is owned by a single process, which serializes all calls.
type VMMap struct {
	cache  *pgalloc.Cache
	layout Layout

	// areas is ordered by VMArea.Start.
	areas *btree.BTreeG[*VMArea]
}

func areaLess(a, b *VMArea) bool {
	return a.Start < b.Start
}

// NewVMMap returns an empty map whose objects allocate frames from c.
func NewVMMap(c *pgalloc.Cache, layout Layout) *VMMap {
	if err := layout.Valid(); err != nil {
		panic(err.Error())
	}
	return &VMMap{
		cache:  c,
		layout: layout,
		areas:  btree.NewG(btreeDegree, areaLess),
	}
}

// Cache returns the frame cache used by m's objects.
func (m *VMMap) Cache() *pgalloc.Cache {
	return m.cache
}

// Layout returns m's layout.
func (m *VMMap) Layout() Layout {
	return m.layout
}

// NumAreas returns the number of areas in m.
func (m *VMMap) NumAreas() int {
	return m.areas.Len()
}

// Areas returns m's areas in ascending order.
func (m *VMMap) Areas() []*VMArea {
	areas := make([]*VMArea, 0, m.areas.Len())
	m.areas.Ascend(func(a *VMArea) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// MappedPages returns the number of pages covered by m's areas.
func (m *VMMap) MappedPages() uint64 {
	var n uint64
	m.areas.Ascend(func(a *VMArea) bool {
		n += a.Pages()
		return true
	})
	return n
}

// Lookup returns the area containing page vpn, or nil.
func (m *VMMap) Lookup(vpn uint64) *VMArea {
	var found *VMArea
	m.areas.DescendLessOrEqual(&VMArea{Start: vpn}, func(a *VMArea) bool {
		found = a
		return false
	})
	if found == nil || !found.Contains(vpn) {
		return nil
	}
	return found
}

// IsRangeEmpty returns true if no area intersects [start, start+npages).
func (m *VMMap) IsRangeEmpty(start, npages uint64) bool {
	if npages == 0 {
		return true
	}
	end := start + npages
	empty := true
	// Areas are disjoint, so the last area starting before end has the
	// greatest End of all such areas.
	m.areas.DescendLessOrEqual(&VMArea{Start: end - 1}, func(a *VMArea) bool {
		empty = a.End <= start
		return false
	})
	return empty
}

// FindRange returns the start of a free range of npages pages within m's
// layout. TopDown returns the highest such start, BottomUp the lowest. ok is
// false if no range fits.
func (m *VMMap) FindRange(npages uint64, dir Direction) (start uint64, ok bool) {
	if npages == 0 || npages > m.layout.MaxPage-m.layout.MinPage {
		return 0, false
	}
	switch dir {
	case TopDown:
		gapEnd := m.layout.MaxPage
		m.areas.Descend(func(a *VMArea) bool {
			if gapEnd-a.End >= npages {
				start, ok = gapEnd-npages, true
				return false
			}
			gapEnd = a.Start
			return true
		})
		if !ok && gapEnd-m.layout.MinPage >= npages {
			start, ok = gapEnd-npages, true
		}
	case BottomUp:
		gapStart := m.layout.MinPage
		m.areas.Ascend(func(a *VMArea) bool {
			if a.Start-gapStart >= npages {
				start, ok = gapStart, true
				return false
			}
			gapStart = a.End
			return true
		})
		if !ok && m.layout.MaxPage-gapStart >= npages {
			start, ok = gapStart, true
		}
	default:
		panic(fmt.Sprintf("invalid direction %v", dir))
	}
	return start, ok
}

// Insert adds a to m.
//
// Preconditions:
//   - a is not in any map.
//   - a.Start < a.End, within m's layout.
//   - m.IsRangeEmpty(a.Start, a.Pages()).
func (m *VMMap) Insert(a *VMArea) {
	if a.vmmap != nil {
		panic(fmt.Sprintf("area %v is already in a map", a))
	}
	if a.Start >= a.End || a.Start < m.layout.MinPage || a.End > m.layout.MaxPage {
		panic(fmt.Sprintf("area %v is outside [%#x, %#x)", a, m.layout.MinPage, m.layout.MaxPage))
	}
	if !m.IsRangeEmpty(a.Start, a.Pages()) {
		panic(fmt.Sprintf("area %v overlaps an existing area", a))
	}
	a.vmmap = m
	m.areas.ReplaceOrInsert(a)
}

// MapOpts specifies a mapping request.
type MapOpts struct {
	// Mappable is the source of a file mapping. It is nil for anonymous
	// mappings.
	Mappable memmap.Mappable

	// Page is the first page of the mapping. If zero, a free range is chosen
	// with FindRange in Direction. Otherwise existing mappings in the range
	// are replaced.
	Page uint64

	// Pages is the length of the mapping in pages.
	Pages uint64

	// Offset is the byte offset of the mapping in Mappable. It must be
	// page-aligned.
	Offset uint64

	// Perms is the protection of the mapping.
	Perms hostarch.AccessType

	// Private requests copy-on-write semantics.
	Private bool

	// Direction is passed to FindRange when Page is zero.
	Direction Direction
}

// Map creates a new area as described by opts and returns it.
//
// Map either succeeds or leaves m unchanged: the backing object is obtained
// before any existing mapping is removed.
func (m *VMMap) Map(ctx context.Context, opts MapOpts) (*VMArea, error) {
	if opts.Pages == 0 || !hostarch.Addr(opts.Offset).IsPageAligned() {
		return nil, linuxerr.EINVAL
	}
	start := opts.Page
	if start == 0 {
		var ok bool
		if start, ok = m.FindRange(opts.Pages, opts.Direction); !ok {
			return nil, linuxerr.ENOMEM
		}
	} else if start < m.layout.MinPage || start > m.layout.MaxPage || opts.Pages > m.layout.MaxPage-start {
		return nil, linuxerr.EINVAL
	}
	if !m.hasRoomFor(start, opts.Pages, 1) {
		return nil, linuxerr.ENOMEM
	}

	a := &VMArea{
		Start:   start,
		End:     start + opts.Pages,
		Offset:  opts.Offset >> hostarch.PageShift,
		Perms:   opts.Perms,
		Private: opts.Private,
	}
	obj, err := m.newObject(ctx, opts.Mappable, a.desc())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { obj.DecRef(ctx) })
	defer cu.Clean()

	if err := m.Remove(ctx, a.Start, a.Pages()); err != nil {
		return nil, err
	}
	a.obj = obj
	m.Insert(a)
	cu.Release()

	log.Debugf("Mapped %v obj=%p", a, obj)
	return a, nil
}

// newObject returns the object backing a new mapping. Private mappings get a
// shadow over the source object.
func (m *VMMap) newObject(ctx context.Context, src memmap.Mappable, desc memmap.MappingDesc) (memmap.Object, error) {
	var obj memmap.Object
	if src != nil {
		var err error
		if obj, err = src.Mmap(ctx, desc); err != nil {
			return nil, err
		}
	} else {
		obj = NewAnon(m.cache)
	}
	if !desc.Private {
		return obj, nil
	}
	sh := NewShadow(m.cache, obj)
	obj.DecRef(ctx)
	return sh, nil
}

// hasRoomFor returns true if replacing [start, start+npages) with added new
// areas keeps m within its area limit.
func (m *VMMap) hasRoomFor(start, npages uint64, added int) bool {
	if m.layout.MaxAreas == 0 {
		return true
	}
	n := m.areas.Len() + added
	end := start + npages
	m.overlapping(start, end, func(a *VMArea) {
		switch {
		case a.Start < start && end < a.End:
			n++
		case start <= a.Start && a.End <= end:
			n--
		}
	})
	return n <= m.layout.MaxAreas
}

// overlapping calls fn for each area intersecting [start, end), in ascending
// order. fn must not modify m.
func (m *VMMap) overlapping(start, end uint64, fn func(a *VMArea)) {
	pivot := start
	if a := m.Lookup(start); a != nil {
		pivot = a.Start
	}
	m.areas.AscendGreaterOrEqual(&VMArea{Start: pivot}, func(a *VMArea) bool {
		if a.Start >= end {
			return false
		}
		fn(a)
		return true
	})
}

// Remove unmaps [lopage, lopage+npages). Areas partially covered are shrunk
// or split; areas fully covered are deleted and release their object.
//
// Remove returns ENOMEM without changing m if splitting an area would exceed
// the area limit.
func (m *VMMap) Remove(ctx context.Context, lopage, npages uint64) error {
	if npages == 0 {
		return nil
	}
	hi := lopage + npages
	if hi < lopage {
		return linuxerr.EINVAL
	}
	if !m.hasRoomFor(lopage, npages, 0) {
		return linuxerr.ENOMEM
	}

	var affected []*VMArea
	m.overlapping(lopage, hi, func(a *VMArea) {
		affected = append(affected, a)
	})
	for _, a := range affected {
		switch {
		case a.Start < lopage && hi < a.End:
			// The range lies strictly inside a: split it.
			tail := &VMArea{
				Start:   hi,
				End:     a.End,
				Offset:  a.Offset + (hi - a.Start),
				Perms:   a.Perms,
				Private: a.Private,
				obj:     a.obj,
			}
			if tail.obj != nil {
				tail.obj.IncRef()
			}
			a.End = lopage
			m.Insert(tail)
			log.Debugf("Split %v and %v", a, tail)

		case a.Start < lopage:
			// The range covers the end of a.
			a.End = lopage

		case hi < a.End:
			// The range covers the beginning of a. Start is the tree key.
			m.areas.Delete(a)
			a.Offset += hi - a.Start
			a.Start = hi
			m.areas.ReplaceOrInsert(a)

		default:
			// The range covers all of a.
			m.areas.Delete(a)
			a.vmmap = nil
			if a.obj != nil {
				a.obj.DecRef(ctx)
				a.obj = nil
			}
			log.Debugf("Unmapped %v", a)
		}
	}
	return nil
}

// Clone returns a new map with one area for each area of m, with the same
// geometry and protection but no backing object. The caller must attach
// objects before the new map is used.
func (m *VMMap) Clone() *VMMap {
	c := NewVMMap(m.cache, m.layout)
	m.areas.Ascend(func(a *VMArea) bool {
		c.Insert(&VMArea{
			Start:   a.Start,
			End:     a.End,
			Offset:  a.Offset,
			Perms:   a.Perms,
			Private: a.Private,
		})
		return true
	})
	return c
}

// Fork returns a copy of m for a child process.
//
// Shared areas of both maps reference the same object. For each private area
// the original object is placed behind two new shadows, one for each map, so
// that writes by either side after the fork are invisible to the other.
//
// The caller must invalidate every writable translation of m, since pages
// that were writable are now copy-on-write.
func (m *VMMap) Fork(ctx context.Context) *VMMap {
	child := m.Clone()
	parentAreas := m.Areas()
	for i, ca := range child.Areas() {
		pa := parentAreas[i]
		if pa.obj == nil {
			continue
		}
		if !pa.Private {
			pa.obj.IncRef()
			ca.obj = pa.obj
			continue
		}
		old := pa.obj
		pa.obj = NewShadow(m.cache, old)
		ca.obj = NewShadow(m.cache, old)
		old.DecRef(ctx)
	}
	return child
}

// Destroy removes every area of m, releasing their objects.
func (m *VMMap) Destroy(ctx context.Context) {
	for _, a := range m.Areas() {
		m.areas.Delete(a)
		a.vmmap = nil
		if a.obj != nil {
			a.obj.DecRef(ctx)
			a.obj = nil
		}
	}
}
