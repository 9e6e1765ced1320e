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
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

// Shadow is a copy-on-write overlay over another memory object.
//
// Reads of pages the shadow has not written are served by the nearest object
// in the chain below it that holds the page. The first write to a page copies
// that content into a frame owned by the shadow itself, so the objects below
// and any other shadows over them never observe the write.
type Shadow struct {
	refs.Refs

	cache *pgalloc.Cache

	// shadowed is the object immediately below this one. A reference is held
	// on it. Immutable.
	shadowed memmap.Object

	// bottom is the non-shadow object at the end of the chain. A reference is
	// held on it. Immutable.
	bottom memmap.Object
}

var _ memmap.Object = (*Shadow)(nil)

// NewShadow returns a new shadow object over shadowed, holding one reference
// owned by the caller. The shadow takes its own references on shadowed and on
// the bottom of its chain; the caller keeps its reference on shadowed.
func NewShadow(c *pgalloc.Cache, shadowed memmap.Object) *Shadow {
	bottom := shadowed
	if sh, ok := shadowed.(*Shadow); ok {
		bottom = sh.bottom
	}
	shadowed.IncRef()
	bottom.IncRef()
	s := &Shadow{
		cache:    c,
		shadowed: shadowed,
		bottom:   bottom,
	}
	s.InitRefs("mm.Shadow")
	liveObjects.Add(1)
	objectsMetric.Increment("shadow")
	return s
}

// Shadowed returns the object immediately below s.
func (s *Shadow) Shadowed() memmap.Object {
	return s.shadowed
}

// Bottom returns the non-shadow object at the end of s's chain.
func (s *Shadow) Bottom() memmap.Object {
	return s.bottom
}

// Depth returns the number of shadow objects in the chain starting at s,
// including s.
func (s *Shadow) Depth() int {
	n := 1
	for o := s.shadowed; ; n++ {
		sh, ok := o.(*Shadow)
		if !ok {
			return n
		}
		o = sh.shadowed
	}
}

// DecRef implements memmap.Object.DecRef.
func (s *Shadow) DecRef(ctx context.Context) {
	s.Refs.DecRef(func() {
		destroyObject(ctx, s.cache, s)
		s.shadowed.DecRef(ctx)
		s.bottom.DecRef(ctx)
	})
}

// LookupPage implements memmap.Object.LookupPage.
func (s *Shadow) LookupPage(ctx context.Context, pn uint64, forWrite bool) (*pgalloc.Frame, error) {
	if forWrite {
		return s.cache.Get(ctx, s, pn)
	}
	return s.lookupChain(ctx, s, pn)
}

// lookupChain returns the frame for pn held by the first shadow in the chain
// starting at o. If no shadow holds the page, the bottom object supplies it.
func (s *Shadow) lookupChain(ctx context.Context, o memmap.Object, pn uint64) (*pgalloc.Frame, error) {
	for {
		sh, ok := o.(*Shadow)
		if !ok {
			break
		}
		f, err := sh.cache.Find(ctx, sh, pn)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
		o = sh.shadowed
	}
	if o != s.bottom {
		panic(fmt.Sprintf("shadow chain of %p ends at %p, want bottom %p", s, o, s.bottom))
	}
	return o.LookupPage(ctx, pn, false)
}

// FillPage implements pgalloc.Owner.FillPage. It copies the content visible
// through the rest of the chain into f.
func (s *Shadow) FillPage(ctx context.Context, f *pgalloc.Frame) error {
	src, err := s.lookupChain(ctx, s.shadowed, f.PageNumber())
	if err != nil {
		return err
	}
	s.cache.Pin(src)
	copy(f.Data(), src.Data())
	s.cache.Unpin(src)
	cowCopiesMetric.Increment()
	return nil
}

// DirtyPage implements memmap.Object.DirtyPage.
func (s *Shadow) DirtyPage(ctx context.Context, f *pgalloc.Frame) error {
	checkOwner(s, f)
	s.cache.MarkDirty(f)
	return nil
}

// CleanPage implements pgalloc.Owner.CleanPage. Private copies are never
// written back.
func (s *Shadow) CleanPage(ctx context.Context, f *pgalloc.Frame) error {
	return nil
}
