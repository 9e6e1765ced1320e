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

// Package kernel provides the processes that own address spaces: their
// descriptor tables, the mmap and munmap system calls, fork, and the handling
// of page faults taken on their behalf.
//
// Lock order:
//
//	Process.mu
//		Kernel.mu
//		FDTable.mu
package kernel

import (
	"context"
	"fmt"
	"sort"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/fsimpl/tmpfs"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/platform"
	"vmcore.dev/vmcore/pkg/sync"
)

// ProcessLimit is the maximum number of live processes, and one more than the
// largest PID.
const ProcessLimit = 1 << 16

// PID is a process identifier.
type PID int32

// String returns a decimal representation of the PID.
func (pid PID) String() string {
	return fmt.Sprintf("%d", pid)
}

// InitPID is the PID given to the first process.
const InitPID PID = 1

// Kernel holds the state shared by all processes.
type Kernel struct {
	// cache is the frame cache of every memory object. Immutable.
	cache *pgalloc.Cache

	// layout bounds every address space. Immutable.
	layout mm.Layout

	// fs holds the files processes can open and map. Immutable.
	fs *tmpfs.Filesystem

	// mu protects below.
	mu sync.Mutex

	// lastPID is the most recently allocated PID.
	lastPID PID

	// procs holds live processes.
	procs map[PID]*Process
}

// New returns a kernel whose processes allocate frames from c, are bounded by
// layout, and open files in fs.
func New(c *pgalloc.Cache, layout mm.Layout, fs *tmpfs.Filesystem) *Kernel {
	if err := layout.Valid(); err != nil {
		panic(err.Error())
	}
	return &Kernel{
		cache:  c,
		layout: layout,
		fs:     fs,
		procs:  make(map[PID]*Process),
	}
}

// Cache returns the kernel's frame cache.
func (k *Kernel) Cache() *pgalloc.Cache {
	return k.cache
}

// Layout returns the layout of every address space.
func (k *Kernel) Layout() mm.Layout {
	return k.layout
}

// Filesystem returns the kernel's filesystem.
func (k *Kernel) Filesystem() *tmpfs.Filesystem {
	return k.fs
}

// Context returns a context derived from ctx that carries the kernel's frame
// cache, as file mappings require.
func (k *Kernel) Context(ctx context.Context) context.Context {
	if pgalloc.CacheFromContext(ctx) == k.cache {
		return ctx
	}
	return pgalloc.WithCache(ctx, k.cache)
}

// allocatePIDLocked returns the lowest free PID after the last one allocated,
// wrapping around at ProcessLimit.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) allocatePIDLocked() (PID, error) {
	if len(k.procs) >= ProcessLimit-1 {
		return 0, linuxerr.EAGAIN
	}
	pid := k.lastPID
	for {
		pid++
		if pid >= ProcessLimit {
			pid = InitPID
		}
		if _, ok := k.procs[pid]; !ok {
			k.lastPID = pid
			return pid, nil
		}
	}
}

// newProcess adds a process with the given parent, address space and
// descriptor table. On success the process owns m and fds.
func (k *Kernel) newProcess(ppid PID, m *mm.VMMap, fds *FDTable) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pid, err := k.allocatePIDLocked()
	if err != nil {
		return nil, err
	}
	p := &Process{
		k:    k,
		pid:  pid,
		ppid: ppid,
		mm:   m,
		pt:   platform.NewPageTable(),
		fds:  fds,
	}
	k.procs[pid] = p
	return p, nil
}

// NewProcess creates a process with an empty address space and no open files.
func (k *Kernel) NewProcess(ctx context.Context) (*Process, error) {
	p, err := k.newProcess(0, mm.NewVMMap(k.cache, k.layout), NewFDTable())
	if err != nil {
		return nil, err
	}
	log.Debugf("Created process %v", p.pid)
	return p, nil
}

// ProcessWithID returns the live process with the given PID, or nil.
func (k *Kernel) ProcessWithID(pid PID) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.procs[pid]
}

// Processes returns the live processes in PID order.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	procs := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		procs = append(procs, p)
	}
	k.mu.Unlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].pid < procs[j].pid })
	return procs
}

// removeProcess drops p from the process table.
func (k *Kernel) removeProcess(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.procs[p.pid] == p {
		delete(k.procs, p.pid)
	}
}

// KillAll kills every live process with the given status.
func (k *Kernel) KillAll(ctx context.Context, status int32) {
	for _, p := range k.Processes() {
		p.Kill(ctx, status)
	}
}
