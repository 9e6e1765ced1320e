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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/fsimpl/tmpfs"
	"vmcore.dev/vmcore/pkg/sentry/platform"
)

// recordingAS is a platform.PageTable that also records the order of
// operations performed on it.
type recordingAS struct {
	*platform.PageTable
	ops []string
}

func newRecordingAS() *recordingAS {
	return &recordingAS{PageTable: platform.NewPageTable()}
}

func (r *recordingAS) MapPage(addr hostarch.Addr, phys uint64, at hostarch.AccessType) error {
	r.ops = append(r.ops, "map "+addr.String())
	return r.PageTable.MapPage(addr, phys, at)
}

func (r *recordingAS) Invalidate(addr hostarch.Addr) {
	r.ops = append(r.ops, "invalidate "+addr.String())
	r.PageTable.Invalidate(addr)
}

func TestFaultCause(t *testing.T) {
	for _, test := range []struct {
		cause FaultCause
		str   string
		at    hostarch.AccessType
	}{
		{0, "read", hostarch.Read},
		{FaultUser, "user", hostarch.Read},
		{FaultWrite | FaultUser, "write|user", hostarch.Write},
		{FaultPresent | FaultExec, "present|exec", hostarch.Execute},
		{FaultReserved, "reserved", hostarch.Read},
	} {
		if got := test.cause.String(); got != test.str {
			t.Errorf("FaultCause(%#x).String() = %q, want %q", uint32(test.cause), got, test.str)
		}
		if got := test.cause.AccessType(); got != test.at {
			t.Errorf("FaultCause(%#x).AccessType() = %v, want %v", uint32(test.cause), got, test.at)
		}
	}
}

func checkFatal(t *testing.T, err error, kind FaultKind) {
	t.Helper()
	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("HandlePageFault = %v, want *FaultError", err)
	}
	if fe.Kind != kind {
		t.Errorf("fault kind = %v, want %v", fe.Kind, kind)
	}
	if !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("fault error %v does not wrap EFAULT", err)
	}
}

func TestFatalFaults(t *testing.T) {
	ctx, m := testMap(t, DefaultLayout())
	ro := mustMap(t, ctx, m, MapOpts{Page: 0x500, Pages: 1, Perms: hostarch.Read})
	rw := mustMap(t, ctx, m, MapOpts{Page: 0x600, Pages: 1, Perms: hostarch.ReadWrite})

	for _, test := range []struct {
		name  string
		addr  hostarch.Addr
		cause FaultCause
		kind  FaultKind
	}{
		{"unmapped", hostarch.AddrOfPage(0x501), FaultUser, FaultUnmapped},
		{"below user range", 0x1000, FaultUser | FaultWrite, FaultUnmapped},
		{"write to read-only", ro.AddrRange().Start + 8, FaultUser | FaultWrite, FaultPermission},
		{"exec of non-executable", rw.AddrRange().Start, FaultUser | FaultExec, FaultPermission},
		{"reserved bit", rw.AddrRange().Start, FaultPresent | FaultReserved, FaultPermission},
	} {
		t.Run(test.name, func(t *testing.T) {
			pt := platform.NewPageTable()
			before := fatalFaultsMetric.Value(test.kind.String())
			checkFatal(t, HandlePageFault(ctx, m, pt, test.addr, test.cause), test.kind)
			if pt.Len() != 0 {
				t.Errorf("fatal fault installed translations:\n%v", pt)
			}
			if got := fatalFaultsMetric.Value(test.kind.String()); got != before+1 {
				t.Errorf("fatal fault counter = %d, want %d", got, before+1)
			}
		})
	}
}

func TestFaultWithoutObject(t *testing.T) {
	ctx, m := testMap(t, DefaultLayout())
	mustMap(t, ctx, m, MapOpts{Page: 0x500, Pages: 1, Perms: hostarch.ReadWrite})
	c := m.Clone()
	defer c.Destroy(ctx)
	checkFatal(t, HandlePageFault(ctx, c, platform.NewPageTable(), hostarch.AddrOfPage(0x500), FaultUser), FaultUnmapped)
}

func TestSharedFault(t *testing.T) {
	ctx, m := testMap(t, DefaultLayout())
	a := mustMap(t, ctx, m, MapOpts{Page: 0x500, Pages: 2, Perms: hostarch.ReadWrite})
	pt := newRecordingAS()
	addr := hostarch.AddrOfPage(0x501) + 0x10

	reads := pageFaultsMetric.Value("read")
	if err := HandlePageFault(ctx, m, pt, addr, FaultUser); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	if got := pageFaultsMetric.Value("read"); got != reads+1 {
		t.Errorf("read fault counter = %d, want %d", got, reads+1)
	}
	f, err := m.Cache().Find(ctx, a.Object(), 1)
	if err != nil || f == nil {
		t.Fatalf("page not resident after fault: %v", err)
	}
	want := platform.PTE{Phys: f.PhysAddr(), Perms: hostarch.ReadWrite}
	got, ok := pt.Lookup(addr)
	if !ok {
		t.Fatalf("no translation installed")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("translation mismatch (-want +got):\n%s", diff)
	}
	if f.Dirty() {
		t.Errorf("read fault dirtied the page")
	}

	page := hostarch.AddrOfPage(0x501).String()
	if diff := cmp.Diff([]string{"invalidate " + page, "map " + page}, pt.ops); diff != "" {
		t.Errorf("operation order mismatch (-want +got):\n%s", diff)
	}

	if err := HandlePageFault(ctx, m, pt, addr, FaultUser|FaultWrite|FaultPresent); err != nil {
		t.Fatalf("write fault: %v", err)
	}
	if !f.Dirty() {
		t.Errorf("write fault did not dirty the page")
	}
	if pte, _ := pt.Lookup(addr); pte.Phys != f.PhysAddr() {
		t.Errorf("write fault to a shared area moved the page to %#x", pte.Phys)
	}
}

func TestCopyOnWriteFault(t *testing.T) {
	ctx, m := testMap(t, DefaultLayout())
	fs := tmpfs.NewFilesystem()
	rf, err := fs.CreateRegular("cow", []byte("file contents"))
	if err != nil {
		t.Fatalf("CreateRegular: %v", err)
	}
	a := mustMap(t, ctx, m, MapOpts{Mappable: rf, Page: 0x500, Pages: 1, Perms: hostarch.ReadWrite, Private: true})
	s := a.Object().(*Shadow)
	pt := platform.NewPageTable()
	addr := a.AddrRange().Start

	// A read maps the file's frame without write access.
	if err := HandlePageFault(ctx, m, pt, addr, FaultUser); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	fileFrame, err := m.Cache().Find(ctx, s.Bottom(), 0)
	if err != nil || fileFrame == nil {
		t.Fatalf("file page not resident after read fault: %v", err)
	}
	pte, _ := pt.Lookup(addr)
	if diff := cmp.Diff(platform.PTE{Phys: fileFrame.PhysAddr(), Perms: hostarch.Read}, pte); diff != "" {
		t.Errorf("read translation mismatch (-want +got):\n%s", diff)
	}

	// The write then faults on the present page and gets a private copy.
	copies := cowCopiesMetric.Value()
	if err := HandlePageFault(ctx, m, pt, addr, FaultUser|FaultWrite|FaultPresent); err != nil {
		t.Fatalf("write fault: %v", err)
	}
	if got := cowCopiesMetric.Value(); got != copies+1 {
		t.Errorf("copy counter = %d, want %d", got, copies+1)
	}
	own, err := m.Cache().Find(ctx, s, 0)
	if err != nil || own == nil {
		t.Fatalf("shadow page not resident after write fault: %v", err)
	}
	if !own.Dirty() {
		t.Errorf("private copy not dirty")
	}
	if fileFrame.Dirty() {
		t.Errorf("file page dirtied by a private write")
	}
	pte, _ = pt.Lookup(addr)
	if diff := cmp.Diff(platform.PTE{Phys: own.PhysAddr(), Perms: hostarch.ReadWrite}, pte); diff != "" {
		t.Errorf("write translation mismatch (-want +got):\n%s", diff)
	}
	if got := string(own.Data()[:13]); got != "file contents" {
		t.Errorf("private copy holds %q", got)
	}

	// Later read faults keep using the private copy.
	pt.Flush()
	if err := HandlePageFault(ctx, m, pt, addr, FaultUser); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	if pte, _ := pt.Lookup(addr); pte.Phys != own.PhysAddr() || !pte.Perms.Write {
		t.Errorf("read after copy installed %+v, want writable %#x", pte, own.PhysAddr())
	}
}
