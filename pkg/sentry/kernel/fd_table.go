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
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/fsimpl/tmpfs"
	"vmcore.dev/vmcore/pkg/sync"
)

// FDLimit is the number of descriptor slots of each process.
const FDLimit = 1024

// FileDescription is an open file. Descriptor tables of forked processes
// share descriptions.
type FileDescription struct {
	refs.Refs

	// name and inode identify the open file. Immutable.
	name  string
	inode tmpfs.Inode

	// readable and writable are the access mode the file was opened with.
	// Immutable.
	readable bool
	writable bool
}

// NewFileDescription returns a description of inode opened with flags,
// holding one reference owned by the caller. Only the access mode bits of
// flags are interpreted.
func NewFileDescription(name string, inode tmpfs.Inode, flags int) (*FileDescription, error) {
	file := &FileDescription{name: name, inode: inode}
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		file.readable = true
	case unix.O_WRONLY:
		file.writable = true
	case unix.O_RDWR:
		file.readable = true
		file.writable = true
	default:
		return nil, linuxerr.EINVAL
	}
	file.InitRefs("kernel.FileDescription")
	return file, nil
}

// Name returns the name the file was opened by.
func (file *FileDescription) Name() string {
	return file.name
}

// Inode returns the open file.
func (file *FileDescription) Inode() tmpfs.Inode {
	return file.inode
}

// Readable returns true if the file was opened for reading.
func (file *FileDescription) Readable() bool {
	return file.readable
}

// Writable returns true if the file was opened for writing.
func (file *FileDescription) Writable() bool {
	return file.writable
}

// DecRef drops a reference on file.
func (file *FileDescription) DecRef() {
	file.Refs.DecRef(func() {
		log.Debugf("Closed %q", file.name)
	})
}

// FDTable is used to manage FileDescription references.
type FDTable struct {
	// mu protects below.
	mu sync.Mutex

	// files maps descriptors to open files. A reference is held on each.
	files map[int32]*FileDescription
}

// NewFDTable returns an empty FDTable.
func NewFDTable() *FDTable {
	return &FDTable{files: make(map[int32]*FileDescription)}
}

// Size returns the number of descriptors in use.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// setLocked installs file at fd, taking a reference on it and dropping the
// reference on any file it replaces. A nil file clears the slot.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) setLocked(fd int32, file *FileDescription) {
	if file != nil {
		file.IncRef()
	}
	orig := f.files[fd]
	if file == nil {
		delete(f.files, fd)
	} else {
		f.files[fd] = file
	}
	if orig != nil {
		orig.DecRef()
	}
}

// NewFDs allocates new FDs guaranteed to be the lowest number available
// greater than or equal to the fd parameter. Success is guaranteed to be all
// or none.
func (f *FDTable) NewFDs(fd int32, files []*FileDescription) (fds []int32, err error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return nil, linuxerr.EINVAL
	}
	if fd >= FDLimit {
		return nil, linuxerr.EMFILE
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Install all entries.
	for i := fd; i < FDLimit && len(fds) < len(files); i++ {
		if f.files[i] == nil {
			f.setLocked(i, files[len(fds)])
			fds = append(fds, i)
		}
	}

	// Failure? Unwind existing FDs.
	if len(fds) < len(files) {
		for _, i := range fds {
			f.setLocked(i, nil)
		}
		return nil, linuxerr.EMFILE
	}
	return fds, nil
}

// NewFDAt sets the file for the given FD. If there is an active reference for
// that FD, the ref count for that existing reference is decremented.
func (f *FDTable) NewFDAt(fd int32, file *FileDescription) error {
	if fd < 0 || fd >= FDLimit {
		return linuxerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(fd, file)
	return nil
}

// Get returns a reference to the file for the FD or nil if no file is defined
// for the given fd.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Get(fd int32) *FileDescription {
	if fd < 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[fd]
	if file != nil {
		file.IncRef()
	}
	return file
}

// GetFDs returns the valid fds in ascending order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, len(f.files))
	for fd := range f.files {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// Fork returns an independent FDTable referring to the same files.
func (f *FDTable) Fork() *FDTable {
	clone := NewFDTable()
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.files {
		// setLocked takes the clone's reference.
		clone.setLocked(fd, file)
	}
	return clone
}

// Remove removes an FD and returns its file, or nil if fd was not in use.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Remove(fd int32) *FileDescription {
	if fd < 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	orig := f.files[fd]
	if orig != nil {
		// The table's reference is transferred to the caller.
		delete(f.files, fd)
	}
	return orig
}

// RemoveAll removes every FD, dropping the table's references.
func (f *FDTable) RemoveAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.files {
		delete(f.files, fd)
		file.DecRef()
	}
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	for _, fd := range f.GetFDs() {
		file := f.Get(fd)
		if file == nil {
			continue // Race caught.
		}
		b.WriteString(fmt.Sprintf("\tfd:%d => name %s\n", fd, file.name))
		file.DecRef()
	}
	return b.String()
}
