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

// Package tmpfs provides an in-memory filesystem whose regular files can be
// memory mapped.
//
// Lock order:
//
//	Filesystem.mu
//		RegularFile.mu
//			pgalloc.Cache.mu
package tmpfs

import (
	"context"
	"sort"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/sync"
)

// Inode is a file in a Filesystem.
type Inode interface {
	// Name returns the name the inode was created with.
	Name() string

	// release is called when the inode is unlinked.
	release(ctx context.Context)
}

// Filesystem is a flat namespace of files.
type Filesystem struct {
	// mu protects files.
	mu sync.Mutex

	// files maps names to inodes.
	files map[string]Inode
}

// NewFilesystem returns an empty filesystem.
func NewFilesystem() *Filesystem {
	return &Filesystem{
		files: make(map[string]Inode),
	}
}

// CreateRegular creates a regular file containing a copy of data.
func (fs *Filesystem) CreateRegular(name string, data []byte) (*RegularFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; ok {
		return nil, linuxerr.EEXIST
	}
	rf := newRegularFile(name, data)
	fs.files[name] = rf
	return rf, nil
}

// CreateDevice creates a character device file.
func (fs *Filesystem) CreateDevice(name string, major, minor uint32) (*DeviceFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; ok {
		return nil, linuxerr.EEXIST
	}
	df := &DeviceFile{name: name, major: major, minor: minor}
	fs.files[name] = df
	return df, nil
}

// Lookup returns the inode named name.
func (fs *Filesystem) Lookup(name string) (Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, ok := fs.files[name]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return i, nil
}

// Names returns the names of all files in ascending order.
func (fs *Filesystem) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files))
	for name := range fs.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unlink removes the file named name. Existing mappings of the file remain
// valid.
func (fs *Filesystem) Unlink(ctx context.Context, name string) error {
	fs.mu.Lock()
	i, ok := fs.files[name]
	delete(fs.files, name)
	fs.mu.Unlock()
	if !ok {
		return linuxerr.ENOENT
	}
	i.release(ctx)
	return nil
}

// Release unlinks every file.
func (fs *Filesystem) Release(ctx context.Context) {
	for _, name := range fs.Names() {
		fs.Unlink(ctx, name)
	}
}
