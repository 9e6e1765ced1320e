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
	"context"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

// supportedMapFlags are the mmap flags MMap accepts.
const supportedMapFlags = unix.MAP_SHARED | unix.MAP_PRIVATE | unix.MAP_FIXED | unix.MAP_ANONYMOUS

// ProtToAccessType converts mmap protection bits to an AccessType.
func ProtToAccessType(prot int) (hostarch.AccessType, error) {
	if prot&^(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC) != 0 {
		return hostarch.NoAccess, linuxerr.EINVAL
	}
	return hostarch.AccessType{
		Read:    prot&unix.PROT_READ != 0,
		Write:   prot&unix.PROT_WRITE != 0,
		Execute: prot&unix.PROT_EXEC != 0,
	}, nil
}

// userRange returns the page-rounded range [addr, addr+length) if it lies
// within the user portion of the address space.
func (k *Kernel) userRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	rlen, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return hostarch.AddrRange{}, false
	}
	ar, ok := addr.ToRange(uint64(rlen))
	if !ok {
		return hostarch.AddrRange{}, false
	}
	return ar, ar.Start >= hostarch.AddrOfPage(k.layout.MinPage) && ar.End <= hostarch.AddrOfPage(k.layout.MaxPage)
}

// MMap implements mmap(2) for p, supporting MAP_SHARED, MAP_PRIVATE,
// MAP_FIXED and MAP_ANONYMOUS. It returns the address of the new mapping.
//
// Without MAP_FIXED, addr is ignored and the highest free range is used.
func (p *Process) MMap(ctx context.Context, addr hostarch.Addr, length uint64, prot, flags int, fd int32, off int64) (hostarch.Addr, error) {
	at, err := ProtToAccessType(prot)
	if err != nil {
		return 0, err
	}
	if length == 0 || off < 0 || !hostarch.Addr(off).IsPageAligned() || flags&^supportedMapFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	shared := flags&unix.MAP_SHARED != 0
	private := flags&unix.MAP_PRIVATE != 0
	if shared == private {
		return 0, linuxerr.EINVAL
	}
	rlen, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}

	opts := mm.MapOpts{
		Pages:     uint64(rlen) >> hostarch.PageShift,
		Offset:    uint64(off),
		Perms:     at,
		Private:   private,
		Direction: mm.TopDown,
	}
	if flags&unix.MAP_FIXED != 0 {
		if !addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		if _, ok := p.k.userRange(addr, length); !ok {
			return 0, linuxerr.EINVAL
		}
		opts.Page = addr.PageNumber()
	}
	if flags&unix.MAP_ANONYMOUS != 0 {
		opts.Offset = 0
	} else {
		file := p.fds.Get(fd)
		if file == nil {
			return 0, linuxerr.EBADF
		}
		defer file.DecRef()
		if !file.Readable() || (shared && at.Write && !file.Writable()) {
			return 0, linuxerr.EACCES
		}
		mappable, ok := file.Inode().(memmap.Mappable)
		if !ok {
			return 0, linuxerr.ENODEV
		}
		opts.Mappable = mappable
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, linuxerr.ESRCH
	}
	a, err := p.mm.Map(p.k.Context(ctx), opts)
	if err != nil {
		return 0, err
	}
	// Translations of any mapping this one replaced are stale.
	ar := a.AddrRange()
	p.pt.Unmap(ar)
	log.Debugf("Process %v mapped %v", p.pid, a)
	return ar.Start, nil
}

// MUnmap implements munmap(2) for p.
func (p *Process) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	ar, ok := p.k.userRange(addr, length)
	if !ok {
		return linuxerr.EINVAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return linuxerr.ESRCH
	}
	first, end := ar.Pages()
	if err := p.mm.Remove(p.k.Context(ctx), first, end-first); err != nil {
		return err
	}
	p.pt.Unmap(ar)
	return nil
}
