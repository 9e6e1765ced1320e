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
	"io"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/pkg/sentry/platform"
	"vmcore.dev/vmcore/pkg/sync"
)

// FaultStatus is the exit status of a process killed by an unresolvable page
// fault.
const FaultStatus = int32(unix.EFAULT)

// Process is a single-threaded simulated process.
type Process struct {
	k *Kernel

	// pid and ppid are immutable.
	pid  PID
	ppid PID

	// mu serializes operations on the process's address space. A VMMap has a
	// single owner and no locking of its own.
	mu sync.Mutex

	// mm is the process's address space. Protected by mu.
	mm *mm.VMMap

	// pt holds the translations installed by page faults. Protected by mu.
	pt *platform.PageTable

	// fds is the descriptor table. Immutable; the table has its own lock.
	fds *FDTable

	// exited is set once the process has exited or been killed, after which
	// mm holds no areas. status is the exit status and killed records how the
	// process ended. Protected by mu.
	exited bool
	killed bool
	status int32
}

// PID returns p's process ID.
func (p *Process) PID() PID {
	return p.pid
}

// PPID returns the process ID of p's parent, or 0.
func (p *Process) PPID() PID {
	return p.ppid
}

// Kernel returns the kernel p belongs to.
func (p *Process) Kernel() *Kernel {
	return p.k
}

// PageTable returns p's translations.
func (p *Process) PageTable() *platform.PageTable {
	return p.pt
}

// FDTable returns p's descriptor table.
func (p *Process) FDTable() *FDTable {
	return p.fds
}

// ExitStatus returns p's exit status and whether it has exited.
func (p *Process) ExitStatus() (status int32, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

// Killed returns true if p was killed rather than exiting.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// WithMemoryMap calls fn with p's address space while holding p.mu. fn must
// not retain the map.
func (p *Process) WithMemoryMap(fn func(m *mm.VMMap)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.mm)
}

// WriteMappingInfo writes a description of p's areas to w.
func (p *Process) WriteMappingInfo(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mm.WriteMappingInfo(w)
}

// Open opens the named file with the access mode in flags and returns the
// lowest free descriptor for it.
func (p *Process) Open(ctx context.Context, name string, flags int) (int32, error) {
	inode, err := p.k.fs.Lookup(name)
	if err != nil {
		return -1, err
	}
	file, err := NewFileDescription(name, inode, flags)
	if err != nil {
		return -1, err
	}
	defer file.DecRef()
	fds, err := p.fds.NewFDs(0, []*FileDescription{file})
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// Close closes fd.
func (p *Process) Close(ctx context.Context, fd int32) error {
	file := p.fds.Remove(fd)
	if file == nil {
		return linuxerr.EBADF
	}
	file.DecRef()
	return nil
}

// Fork creates a child of p with a copy-on-write copy of p's address space
// and a copy of its descriptor table.
func (p *Process) Fork(ctx context.Context) (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, linuxerr.ESRCH
	}

	m := p.mm.Fork(ctx)
	// Pages that were writable are now copy-on-write.
	p.pt.Flush()
	fds := p.fds.Fork()
	cu := cleanup.Make(func() {
		m.Destroy(ctx)
		fds.RemoveAll()
	})
	defer cu.Clean()

	child, err := p.k.newProcess(p.pid, m, fds)
	if err != nil {
		return nil, err
	}
	cu.Release()
	log.Debugf("Process %v forked %v", p.pid, child.pid)
	return child, nil
}

// HandleFault resolves a page fault taken by p at addr. If the fault cannot
// be resolved, p is killed with FaultStatus and the *mm.FaultError is
// returned.
func (p *Process) HandleFault(ctx context.Context, addr hostarch.Addr, cause mm.FaultCause) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handleFaultLocked(ctx, addr, cause)
}

// Preconditions: p.mu must be locked.
func (p *Process) handleFaultLocked(ctx context.Context, addr hostarch.Addr, cause mm.FaultCause) error {
	if p.exited {
		return linuxerr.ESRCH
	}
	if err := mm.HandlePageFault(p.k.Context(ctx), p.mm, p.pt, addr, cause); err != nil {
		log.Infof("Killing process %v: %v", p.pid, err)
		p.exitLocked(ctx, FaultStatus, true /* killed */)
		return err
	}
	return nil
}

// touchLocked makes a user-mode access of type at to every page ar touches,
// including partial pages, taking page faults where no sufficient
// translation exists.
//
// Preconditions: p.mu must be locked.
func (p *Process) touchLocked(ctx context.Context, ar hostarch.AddrRange, at hostarch.AccessType) error {
	first, end := ar.SpannedPages()
	for vpn := first; vpn < end; vpn++ {
		addr := hostarch.AddrOfPage(vpn)
		pte, ok := p.pt.Lookup(addr)
		if ok && pte.Perms.SupersetOf(at) {
			continue
		}
		cause := mm.FaultUser
		if ok {
			cause |= mm.FaultPresent
		}
		switch {
		case at.Write:
			cause |= mm.FaultWrite
		case at.Execute:
			cause |= mm.FaultExec
		}
		if err := p.handleFaultLocked(ctx, addr, cause); err != nil {
			return err
		}
	}
	return nil
}

// CopyIn reads len(dst) bytes of p's memory at addr as user-mode loads would,
// faulting in pages as needed. A fault that cannot be resolved kills p.
func (p *Process) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return p.copy(ctx, addr, dst, hostarch.Read)
}

// CopyOut writes src to p's memory at addr as user-mode stores would,
// faulting in pages as needed. A fault that cannot be resolved kills p.
func (p *Process) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return p.copy(ctx, addr, src, hostarch.Write)
}

func (p *Process) copy(ctx context.Context, addr hostarch.Addr, buf []byte, at hostarch.AccessType) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, linuxerr.ESRCH
	}
	ar, ok := p.mm.CheckIORange(addr, uint64(len(buf)))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	if err := p.touchLocked(ctx, ar, at); err != nil {
		return 0, err
	}
	ctx = p.k.Context(ctx)
	if at.Write {
		return p.mm.Write(ctx, addr, buf)
	}
	return p.mm.Read(ctx, addr, buf)
}

// Kill terminates p with the given status. Killing an exited process has no
// effect.
func (p *Process) Kill(ctx context.Context, status int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	log.Infof("Killing process %v with status %d", p.pid, status)
	p.exitLocked(ctx, status, true /* killed */)
}

// Exit terminates p normally with the given status.
func (p *Process) Exit(ctx context.Context, status int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exitLocked(ctx, status, false /* killed */)
	log.Debugf("Process %v exited with status %d", p.pid, status)
}

// exitLocked releases p's address space and descriptors and removes p from
// the process table.
//
// Preconditions: p.mu must be locked. !p.exited.
func (p *Process) exitLocked(ctx context.Context, status int32, killed bool) {
	p.mm.Destroy(ctx)
	p.pt.Flush()
	p.fds.RemoveAll()
	p.exited = true
	p.killed = killed
	p.status = status
	p.k.removeProcess(p)
}
