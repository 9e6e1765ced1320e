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

package kernel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/sentry/fsimpl/tmpfs"
)

func runTest(t testing.TB, fn func(fdTable *FDTable, file *FileDescription)) {
	t.Helper() // Don't show in stacks.

	// Create a test file.
	fs := tmpfs.NewFilesystem()
	rf, err := fs.CreateRegular("test", nil)
	if err != nil {
		t.Fatalf("CreateRegular: %v", err)
	}
	file, err := NewFileDescription("test", rf, unix.O_RDWR)
	if err != nil {
		t.Fatalf("NewFileDescription: %v", err)
	}

	fdTable := NewFDTable()
	fn(fdTable, file)
	fdTable.RemoveAll()

	if got := file.ReadRefs(); got != 1 {
		t.Errorf("file has %d references after the table was emptied, want 1", got)
	}
	file.DecRef()
}

// TestFDTableMany allocates FDLimit FDs, i.e. maxes out the FDTable, until
// there is no room, then makes sure that NewFDAt works and also that if we
// remove one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *FileDescription) {
		for i := 0; i < FDLimit; i++ {
			if _, err := fdTable.NewFDs(0, []*FileDescription{file}); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, FDLimit)
			}
		}

		if _, err := fdTable.NewFDs(0, []*FileDescription{file}); err != linuxerr.EMFILE {
			t.Fatalf("fdTable.NewFDs(0, r) in full map: got %v, wanted EMFILE", err)
		}

		if err := fdTable.NewFDAt(1, file); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r): got %v, wanted nil", err)
		}

		i := int32(2)
		fdTable.Remove(i).DecRef()
		if fds, err := fdTable.NewFDs(0, []*FileDescription{file}); err != nil || fds[0] != i {
			t.Fatalf("Allocated %v FDs but wanted to allocate %v: %v", i, FDLimit, err)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *FileDescription) {
		if _, err := fdTable.NewFDs(FDLimit, []*FileDescription{file}); err == nil {
			t.Fatalf("fdTable.NewFDs(FDLimit, f): got nil, wanted error")
		}

		if _, err := fdTable.NewFDs(FDLimit-2, []*FileDescription{file, file, file}); err == nil {
			t.Fatalf("fdTable.NewFDs(FDLimit-2, {f,f,f}): got nil, wanted error")
		}
		if got := fdTable.Size(); got != 0 {
			t.Fatalf("failed NewFDs left %d descriptors", got)
		}

		if fds, err := fdTable.NewFDs(FDLimit-3, []*FileDescription{file, file, file}); err != nil {
			t.Fatalf("fdTable.NewFDs(FDLimit-3, {f,f,f}): got %v, wanted nil", err)
		} else {
			for _, fd := range fds {
				fdTable.Remove(fd).DecRef()
			}
		}

		if fds, err := fdTable.NewFDs(FDLimit-1, []*FileDescription{file}); err != nil || fds[0] != FDLimit-1 {
			t.Fatalf("fdTable.NewFDs(FDLimit-1, f): got (%v, %v), wanted ([%d], nil)", fds, err, FDLimit-1)
		}

		if fds, err := fdTable.NewFDs(0, []*FileDescription{file}); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 0 {
			t.Fatalf("Added an FD to a resized map: got %v, want {0}", fds)
		}
	})
}

// TestFDTable does a set of simple tests to make sure simple adds, removes
// and reference counts work.
func TestFDTable(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *FileDescription) {
		if err := fdTable.NewFDAt(-1, file); err != linuxerr.EBADF {
			t.Fatalf("fdTable.NewFDAt(-1, r): got %v, wanted EBADF", err)
		}

		if err := fdTable.NewFDAt(FDLimit, file); err != linuxerr.EBADF {
			t.Fatalf("Using an FD that was too large via fdTable.NewFDAt(%v, r): got %v, wanted EBADF", FDLimit, err)
		}

		if err := fdTable.NewFDAt(1, file); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r): got %v, wanted nil", err)
		}

		// Replacing the file drops the old table reference.
		if err := fdTable.NewFDAt(1, file); err != nil {
			t.Fatalf("Replacing FD 1 via fdTable.NewFDAt(1, r): got %v, wanted nil", err)
		}
		if got := file.ReadRefs(); got != 2 {
			t.Fatalf("file has %d references, want 2", got)
		}

		if ref := fdTable.Get(1); ref == nil {
			t.Fatalf("fdTable.Get(1): got nil, wanted %v", file)
		} else {
			ref.DecRef()
		}

		if ref := fdTable.Get(2); ref != nil {
			t.Fatalf("fdTable.Get(2): got a %v, wanted nil", ref)
		}

		ref := fdTable.Remove(1)
		if ref == nil {
			t.Fatalf("fdTable.Remove(1) for an existing FD: failed, want success")
		}
		ref.DecRef()

		if ref := fdTable.Remove(1); ref != nil {
			t.Fatalf("r.Remove(1) for a removed FD: got success, want failure")
		}
	})
}

func TestFDTableFork(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *FileDescription) {
		if _, err := fdTable.NewFDs(3, []*FileDescription{file, file}); err != nil {
			t.Fatalf("NewFDs: %v", err)
		}
		clone := fdTable.Fork()
		if diff := cmp.Diff([]int32{3, 4}, clone.GetFDs()); diff != "" {
			t.Errorf("forked table descriptors mismatch (-want +got):\n%s", diff)
		}
		if got := file.ReadRefs(); got != 5 {
			t.Errorf("file has %d references, want 5", got)
		}

		// The tables are independent.
		clone.Remove(3).DecRef()
		if got := fdTable.Get(3); got == nil {
			t.Errorf("removing from the clone removed from the original")
		} else {
			got.DecRef()
		}
		clone.RemoveAll()
		if clone.Size() != 0 {
			t.Errorf("clone has %d descriptors after RemoveAll", clone.Size())
		}
	})
}

func TestFileDescriptionAccessMode(t *testing.T) {
	fs := tmpfs.NewFilesystem()
	rf, err := fs.CreateRegular("mode", nil)
	if err != nil {
		t.Fatalf("CreateRegular: %v", err)
	}
	for _, test := range []struct {
		flags              int
		readable, writable bool
		err                error
	}{
		{flags: unix.O_RDONLY, readable: true},
		{flags: unix.O_WRONLY, writable: true},
		{flags: unix.O_RDWR | unix.O_CREAT, readable: true, writable: true},
		{flags: unix.O_ACCMODE, err: linuxerr.EINVAL},
	} {
		file, err := NewFileDescription("mode", rf, test.flags)
		if err != test.err {
			t.Errorf("NewFileDescription(%#x): got %v, want %v", test.flags, err, test.err)
			continue
		}
		if err != nil {
			continue
		}
		if file.Readable() != test.readable || file.Writable() != test.writable {
			t.Errorf("NewFileDescription(%#x): got readable %t writable %t, want %t %t", test.flags, file.Readable(), file.Writable(), test.readable, test.writable)
		}
		file.DecRef()
	}
}
