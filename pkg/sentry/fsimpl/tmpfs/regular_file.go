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
	"context"
	"io"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
)

// RegularFile is a regular tmpfs file.
type RegularFile struct {
	name string

	// mu protects the fields below.
	mu sync.Mutex

	// data is the file contents. len(data) is the file size.
	data []byte

	// obj is the memory object serving mappings of the file, or nil if the
	// file is not mapped. The file does not hold a reference on obj; obj
	// clears this field when it is destroyed.
	obj *fileObject
}

var _ memmap.Mappable = (*RegularFile)(nil)

func newRegularFile(name string, data []byte) *RegularFile {
	return &RegularFile{
		name: name,
		data: append([]byte(nil), data...),
	}
}

// Name implements Inode.Name.
func (rf *RegularFile) Name() string {
	return rf.name
}

// Size returns the file size in bytes.
func (rf *RegularFile) Size() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return int64(len(rf.data))
}

func (rf *RegularFile) release(context.Context) {}

// mapped returns the current memory object, or nil.
func (rf *RegularFile) mapped() *fileObject {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.obj
}

// ReadAt reads file data at offset off into dst. Modifications made through
// shared mappings are written back first.
func (rf *RegularFile) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if obj := rf.mapped(); obj != nil {
		if err := obj.cache.CleanOwner(ctx, obj); err != nil {
			return 0, err
		}
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if off >= int64(len(rf.data)) {
		return 0, io.EOF
	}
	n := copy(dst, rf.data[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes src to the file at offset off, extending the file as
// needed. Resident pages of the file are updated so that mappings observe
// the write.
func (rf *RegularFile) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	end := off + int64(len(src))
	if end < off {
		return 0, linuxerr.EFBIG
	}
	obj := rf.mapped()
	if obj != nil {
		// Don't let a later write-back of a dirty frame clobber this write.
		if err := obj.cache.CleanOwner(ctx, obj); err != nil {
			return 0, err
		}
	}

	rf.mu.Lock()
	if end > int64(len(rf.data)) {
		rf.data = append(rf.data, make([]byte, end-int64(len(rf.data)))...)
	}
	copy(rf.data[off:], src)
	rf.mu.Unlock()

	if obj != nil && len(src) > 0 {
		first := hostarch.Addr(off).PageNumber()
		last := hostarch.Addr(end - 1).PageNumber()
		for pn := first; pn <= last; pn++ {
			f, err := obj.cache.Find(ctx, obj, pn)
			if err != nil {
				return len(src), err
			}
			if f != nil {
				rf.mu.Lock()
				rf.copyPageLocked(f)
				rf.mu.Unlock()
			}
		}
	}
	return len(src), nil
}

// copyPageLocked copies the file data for f's page into f, zero-filling past
// the end of the file.
//
// Preconditions: rf.mu must be locked.
func (rf *RegularFile) copyPageLocked(f *pgalloc.Frame) {
	buf := f.Data()
	clear(buf)
	if off := f.PageNumber() * hostarch.PageSize; off < uint64(len(rf.data)) {
		copy(buf, rf.data[off:])
	}
}

// Mmap implements memmap.Mappable.Mmap. All mappings of the file share one
// memory object while any of them exists.
func (rf *RegularFile) Mmap(ctx context.Context, desc memmap.MappingDesc) (memmap.Object, error) {
	c := pgalloc.CacheFromContext(ctx)
	if c == nil {
		log.Warningf("Mmap of %q without a frame cache in context", rf.name)
		return nil, linuxerr.ENODEV
	}
	rf.mu.Lock()
	for rf.obj != nil {
		old := rf.obj
		if old.cache != c {
			rf.mu.Unlock()
			return nil, linuxerr.EINVAL
		}
		if old.TryIncRef() {
			rf.mu.Unlock()
			return old, nil
		}
		// The last mapping is being torn down. Its dirty frames must reach
		// rf.data before a new object fills from it.
		rf.mu.Unlock()
		select {
		case <-old.dead:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rf.mu.Lock()
	}
	o := &fileObject{file: rf, cache: c, dead: make(chan struct{})}
	o.InitRefs("tmpfs.fileObject")
	rf.obj = o
	rf.mu.Unlock()
	log.Debugf("Created memory object %p for %q (%v)", o, rf.name, desc)
	return o, nil
}

// fileObject is the memory object for a RegularFile. Its frames are filled
// from the file and written back to it when cleaned.
type fileObject struct {
	refs.Refs

	file  *RegularFile
	cache *pgalloc.Cache

	// dead is closed once o's frames are written back and evicted and o is
	// no longer the file's object.
	dead chan struct{}
}

var _ memmap.Object = (*fileObject)(nil)

// DecRef implements memmap.Object.DecRef.
func (o *fileObject) DecRef(ctx context.Context) {
	o.Refs.DecRef(func() { o.destroy(ctx) })
}

func (o *fileObject) destroy(ctx context.Context) {
	if err := o.cache.EvictOwner(ctx, o); err != nil {
		log.Warningf("Lost writes to %q: %v", o.file.name, err)
	}
	o.file.mu.Lock()
	if o.file.obj == o {
		o.file.obj = nil
	}
	o.file.mu.Unlock()
	close(o.dead)
}

// LookupPage implements memmap.Object.LookupPage. The returned frame always
// belongs to o.
func (o *fileObject) LookupPage(ctx context.Context, pn uint64, forWrite bool) (*pgalloc.Frame, error) {
	return o.cache.Get(ctx, o, pn)
}

// FillPage implements pgalloc.Owner.FillPage.
func (o *fileObject) FillPage(ctx context.Context, f *pgalloc.Frame) error {
	o.file.mu.Lock()
	defer o.file.mu.Unlock()
	o.file.copyPageLocked(f)
	return nil
}

// DirtyPage implements memmap.Object.DirtyPage.
func (o *fileObject) DirtyPage(ctx context.Context, f *pgalloc.Frame) error {
	o.cache.MarkDirty(f)
	return nil
}

// CleanPage implements pgalloc.Owner.CleanPage. Only the part of the page
// within the file is written back; mappings never extend the file.
func (o *fileObject) CleanPage(ctx context.Context, f *pgalloc.Frame) error {
	o.file.mu.Lock()
	defer o.file.mu.Unlock()
	if off := f.PageNumber() * hostarch.PageSize; off < uint64(len(o.file.data)) {
		copy(o.file.data[off:], f.Data())
	}
	return nil
}
