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

package tmpfs

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

func testContext(t *testing.T) (context.Context, *pgalloc.Cache) {
	t.Helper()
	c := pgalloc.NewCache(0)
	return pgalloc.WithCache(context.Background(), c), c
}

func TestCreateLookupUnlink(t *testing.T) {
	ctx, _ := testContext(t)
	fs := NewFilesystem()
	if _, err := fs.CreateRegular("a", []byte("hello")); err != nil {
		t.Fatalf("CreateRegular: %v", err)
	}
	if _, err := fs.CreateRegular("a", nil); err != linuxerr.EEXIST {
		t.Errorf("CreateRegular(existing) = %v, want EEXIST", err)
	}
	if _, err := fs.CreateDevice("null", 1, 3); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	i, err := fs.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, ok := i.(memmap.Mappable); !ok {
		t.Errorf("regular file is not mappable")
	}
	d, _ := fs.Lookup("null")
	if _, ok := d.(memmap.Mappable); ok {
		t.Errorf("device file is mappable")
	}
	if err := fs.Unlink(ctx, "a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fs.Lookup("a"); err != linuxerr.ENOENT {
		t.Errorf("Lookup after Unlink = %v, want ENOENT", err)
	}
}

func TestReadWrite(t *testing.T) {
	ctx, _ := testContext(t)
	rf := newRegularFile("f", []byte("0123456789"))
	if _, err := rf.WriteAt(ctx, []byte("abc"), 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := rf.Size(); got != 11 {
		t.Errorf("Size() = %d, want 11", got)
	}
	buf := make([]byte, 16)
	n, err := rf.ReadAt(ctx, buf, 0)
	if err != io.EOF {
		t.Errorf("ReadAt past end = %v, want EOF", err)
	}
	if got := string(buf[:n]); got != "01234567abc" {
		t.Errorf("ReadAt = %q, want %q", got, "01234567abc")
	}
}

func TestMmapSharesObject(t *testing.T) {
	ctx, c := testContext(t)
	rf := newRegularFile("f", bytes.Repeat([]byte{'x'}, hostarch.PageSize+10))
	desc := memmap.MappingDesc{Start: 0x400, End: 0x402, Perms: hostarch.ReadWrite}

	o1, err := rf.Mmap(ctx, desc)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	o2, err := rf.Mmap(ctx, desc)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if o1 != o2 {
		t.Fatalf("two mappings of one file got different objects")
	}
	if got := o1.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() = %d, want 2", got)
	}

	// The second page holds 10 bytes of file data, then zeroes.
	f, err := o1.LookupPage(ctx, 1, false)
	if err != nil {
		t.Fatalf("LookupPage: %v", err)
	}
	want := append(bytes.Repeat([]byte{'x'}, 10), make([]byte, hostarch.PageSize-10)...)
	if !bytes.Equal(f.Data(), want) {
		t.Errorf("page past EOF is not zero-filled")
	}

	// Writes through the mapping reach the file, but never extend it.
	f.Data()[0] = 'y'
	f.Data()[100] = 'z'
	if err := o1.DirtyPage(ctx, f); err != nil {
		t.Fatalf("DirtyPage: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := rf.ReadAt(ctx, buf, hostarch.PageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 'y' {
		t.Errorf("file byte = %q after mapped write, want 'y'", buf[0])
	}
	if got := rf.Size(); got != hostarch.PageSize+10 {
		t.Errorf("Size() = %d, mapped write extended the file", got)
	}

	o1.DecRef(ctx)
	o2.DecRef(ctx)
	if got := c.Len(); got != 0 {
		t.Errorf("%d frames resident after last mapping released", got)
	}
	if rf.mapped() != nil {
		t.Errorf("file still references a destroyed object")
	}
}

// TestMmapWaitsForTeardown checks that a mapping created while the previous
// object is being destroyed sees the previous object's dirty data.
func TestMmapWaitsForTeardown(t *testing.T) {
	ctx, c := testContext(t)
	rf := newRegularFile("f", bytes.Repeat([]byte{'a'}, hostarch.PageSize))
	desc := memmap.MappingDesc{Start: 0x400, End: 0x401, Perms: hostarch.ReadWrite}

	mo, err := rf.Mmap(ctx, desc)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	old := mo.(*fileObject)
	f, err := old.LookupPage(ctx, 0, true)
	if err != nil {
		t.Fatalf("LookupPage: %v", err)
	}
	copy(f.Data(), "dirty")
	if err := old.DirtyPage(ctx, f); err != nil {
		t.Fatalf("DirtyPage: %v", err)
	}

	// Drop the last reference without tearing down yet, as if destruction
	// were still in progress.
	old.Refs.DecRef(func() {})

	type result struct {
		obj memmap.Object
		err error
	}
	done := make(chan result, 1)
	go func() {
		o, err := rf.Mmap(ctx, desc)
		done <- result{o, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("Mmap returned (%v, %v) before the previous object was destroyed", r.obj, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	old.destroy(ctx)
	r := <-done
	if r.err != nil {
		t.Fatalf("Mmap: %v", r.err)
	}
	defer r.obj.DecRef(ctx)
	if r.obj == memmap.Object(old) {
		t.Fatalf("Mmap returned the destroyed object")
	}
	nf, err := r.obj.LookupPage(ctx, 0, false)
	if err != nil {
		t.Fatalf("LookupPage: %v", err)
	}
	if got := string(nf.Data()[:5]); got != "dirty" {
		t.Errorf("new mapping reads %q, want %q", got, "dirty")
	}
	if got := c.Len(); got != 1 {
		t.Errorf("%d frames resident, want 1", got)
	}
}

func TestMmapCanceledDuringTeardown(t *testing.T) {
	ctx, _ := testContext(t)
	rf := newRegularFile("f", make([]byte, hostarch.PageSize))
	desc := memmap.MappingDesc{Start: 0x400, End: 0x401, Perms: hostarch.Read}
	mo, err := rf.Mmap(ctx, desc)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	old := mo.(*fileObject)
	old.Refs.DecRef(func() {})
	defer old.destroy(ctx)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := rf.Mmap(cctx, desc); err != context.Canceled {
		t.Errorf("Mmap with canceled context = %v, want %v", err, context.Canceled)
	}
}

func TestWriteUpdatesResidentPages(t *testing.T) {
	ctx, _ := testContext(t)
	rf := newRegularFile("f", make([]byte, hostarch.PageSize))
	o, err := rf.Mmap(ctx, memmap.MappingDesc{Start: 0x400, End: 0x401, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	defer o.DecRef(ctx)
	f, err := o.LookupPage(ctx, 0, false)
	if err != nil {
		t.Fatalf("LookupPage: %v", err)
	}
	if _, err := rf.WriteAt(ctx, []byte("new"), 5); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := string(f.Data()[5:8]); got != "new" {
		t.Errorf("resident page = %q after WriteAt, want %q", got, "new")
	}
}

func TestMmapWithoutCache(t *testing.T) {
	rf := newRegularFile("f", nil)
	if _, err := rf.Mmap(context.Background(), memmap.MappingDesc{Start: 1, End: 2}); err != linuxerr.ENODEV {
		t.Errorf("Mmap without cache = %v, want ENODEV", err)
	}
}
