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

// Package memmap defines semantics for memory mappings.
package memmap

import (
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

// Object is a reference-counted, page-indexed source of memory backing one or
// more mappings.
//
// An Object is reachable from at least one mapping, or from exactly one
// shadow object that shadows it, for as long as it holds references.
// Frames resident in the cache for an Object do not hold references on it;
// they are evicted when the last reference is dropped.
type Object interface {
	pgalloc.Owner

	// IncRef acquires a reference.
	//
	// Preconditions: The caller already holds a reference.
	IncRef()

	// DecRef releases a reference. Releasing the last reference evicts every
	// resident frame of the object, writing dirty frames back, and releases
	// the references the object holds on others.
	DecRef(ctx context.Context)

	// ReadRefs returns the current reference count.
	ReadRefs() int64

	// LookupPage returns a resident frame holding the data at page pn of the
	// object.
	//
	// If forWrite is true, the returned frame is attributed to this object
	// so that it may be modified without affecting any other object. If
	// forWrite is false, the returned frame may belong to another object
	// whose data this object exposes, and must not be modified.
	LookupPage(ctx context.Context, pn uint64, forWrite bool) (*pgalloc.Frame, error)

	// DirtyPage records that f, which belongs to this object, has been
	// modified.
	DirtyPage(ctx context.Context, f *pgalloc.Frame) error
}

// MappingDesc describes the mapping an Object is produced for.
type MappingDesc struct {
	// Start and End are the page numbers bounding the mapping, [Start, End).
	Start uint64
	End   uint64

	// Offset is the page offset of Start within the source.
	Offset uint64

	// Perms is the mapping's protection.
	Perms hostarch.AccessType

	// Private is true for copy-on-write mappings.
	Private bool
}

// Pages returns the number of pages covered by d.
func (d MappingDesc) Pages() uint64 {
	return d.End - d.Start
}

// String implements fmt.Stringer.
func (d MappingDesc) String() string {
	kind := "shared"
	if d.Private {
		kind = "private"
	}
	return fmt.Sprintf("[%#x, %#x) off=%#x %s %s", d.Start, d.End, d.Offset, d.Perms, kind)
}

// Mappable is a source that can produce an Object for a mapping, such as a
// regular file.
type Mappable interface {
	// Mmap returns an Object serving the mapping described by desc. The
	// returned reference is owned by the caller.
	//
	// Mappables that do not support memory mapping return ENODEV.
	Mmap(ctx context.Context, desc MappingDesc) (Object, error)
}
