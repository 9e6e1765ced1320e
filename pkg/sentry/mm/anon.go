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

	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

// Anon is a memory object with no backing store. Its pages are zero-filled on
// first access.
type Anon struct {
	refs.Refs

	cache *pgalloc.Cache
}

var _ memmap.Object = (*Anon)(nil)

// NewAnon returns a new anonymous object holding one reference, owned by the
// caller.
func NewAnon(c *pgalloc.Cache) *Anon {
	a := &Anon{cache: c}
	a.InitRefs("mm.Anon")
	liveObjects.Add(1)
	objectsMetric.Increment("anon")
	return a
}

// DecRef implements memmap.Object.DecRef.
func (a *Anon) DecRef(ctx context.Context) {
	a.Refs.DecRef(func() {
		destroyObject(ctx, a.cache, a)
	})
}

// LookupPage implements memmap.Object.LookupPage. The returned frame always
// belongs to a.
func (a *Anon) LookupPage(ctx context.Context, pn uint64, forWrite bool) (*pgalloc.Frame, error) {
	return a.cache.Get(ctx, a, pn)
}

// FillPage implements pgalloc.Owner.FillPage.
func (a *Anon) FillPage(ctx context.Context, f *pgalloc.Frame) error {
	clear(f.Data())
	return nil
}

// DirtyPage implements memmap.Object.DirtyPage.
func (a *Anon) DirtyPage(ctx context.Context, f *pgalloc.Frame) error {
	checkOwner(a, f)
	a.cache.MarkDirty(f)
	return nil
}

// CleanPage implements pgalloc.Owner.CleanPage. Anonymous memory has nowhere
// to be written back to.
func (a *Anon) CleanPage(ctx context.Context, f *pgalloc.Frame) error {
	return nil
}
