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

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// logIOErrors controls whether object lookup failures during Read and Write
// are logged before being reported as EFAULT.
const logIOErrors = true

// CheckIORange is similar to hostarch.Addr.ToRange, but also requires the
// range to end within the map's layout.
func (m *VMMap) CheckIORange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(length)
	return ar, ok && ar.End <= hostarch.AddrOfPage(m.layout.MaxPage)
}

// translateIOError converts errors to EFAULT, as is reported for all I/O
// errors originating from the memory manager.
func translateIOError(err error) error {
	if err == nil {
		return nil
	}
	if logIOErrors {
		log.Debugf("VMMap I/O error: %v", err)
	}
	return linuxerr.EFAULT
}

// Read copies len(dst) bytes from the memory mapped at addr into dst,
// ignoring area protections. It returns the number of bytes copied; if that
// is less than len(dst) the error explains why.
//
// Read returns EFAULT if any byte of the range is not mapped.
func (m *VMMap) Read(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	if _, ok := m.CheckIORange(addr, uint64(len(dst))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		vpn := cur.PageNumber()
		a := m.Lookup(vpn)
		if a == nil || a.obj == nil {
			return done, linuxerr.EFAULT
		}
		f, err := a.obj.LookupPage(ctx, a.objectPage(vpn), false /* forWrite */)
		if err != nil {
			return done, translateIOError(err)
		}
		done += copy(dst[done:], f.Data()[cur.PageOffset():])
	}
	return done, nil
}

// Write copies src to the memory mapped at addr, ignoring area protections.
// Every page written is marked dirty. It returns the number of bytes copied;
// if that is less than len(src) the error explains why.
//
// Writes to private areas are copy-on-write as they would be for a user
// write.
func (m *VMMap) Write(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	if _, ok := m.CheckIORange(addr, uint64(len(src))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < len(src) {
		cur := addr + hostarch.Addr(done)
		vpn := cur.PageNumber()
		a := m.Lookup(vpn)
		if a == nil || a.obj == nil {
			return done, linuxerr.EFAULT
		}
		f, err := a.obj.LookupPage(ctx, a.objectPage(vpn), true /* forWrite */)
		if err != nil {
			return done, translateIOError(err)
		}
		n := copy(f.Data()[cur.PageOffset():], src[done:])
		if err := a.obj.DirtyPage(ctx, f); err != nil {
			return done, translateIOError(err)
		}
		done += n
	}
	return done, nil
}
