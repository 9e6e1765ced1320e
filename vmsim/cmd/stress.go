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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
)

// parentFill is the byte the parent writes to its private pages before
// forking.
const parentFill = 0xff

// stressChildren forks procs children of a parent holding pages private and
// pages shared anonymous pages. The children run concurrently: child i
// writes its tag to every private page and to byte i of every shared page,
// then checks that its private pages still hold its tag. Finally the parent
// checks that its private pages are untouched and that every child's shared
// writes landed.
func stressChildren(ctx context.Context, k *kernel.Kernel, procs, pages int) error {
	if procs <= 0 || procs > hostarch.PageSize {
		return fmt.Errorf("process count %d out of range [1, %d]", procs, hostarch.PageSize)
	}
	if pages <= 0 {
		return fmt.Errorf("page count %d must be positive", pages)
	}
	parent, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	defer parent.Exit(ctx, 0)

	length := uint64(pages) * hostarch.PageSize
	priv, err := parent.MMap(ctx, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return fmt.Errorf("mmap private: %w", err)
	}
	shared, err := parent.MMap(ctx, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return fmt.Errorf("mmap shared: %w", err)
	}
	if _, err := parent.CopyOut(ctx, priv, bytes.Repeat([]byte{parentFill}, int(length))); err != nil {
		return fmt.Errorf("parent write: %w", err)
	}

	children := make([]*kernel.Process, 0, procs)
	defer func() {
		for _, c := range children {
			c.Exit(ctx, 0)
		}
	}()
	for i := 0; i < procs; i++ {
		c, err := parent.Fork(ctx)
		if err != nil {
			return fmt.Errorf("fork %d: %w", i, err)
		}
		children = append(children, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			tag := []byte{byte(i)}
			for pg := 0; pg < pages; pg++ {
				off := hostarch.Addr(pg * hostarch.PageSize)
				if _, err := c.CopyOut(gctx, priv+off, tag); err != nil {
					return fmt.Errorf("child %v: %w", c.PID(), err)
				}
				if _, err := c.CopyOut(gctx, shared+off+hostarch.Addr(i), tag); err != nil {
					return fmt.Errorf("child %v: %w", c.PID(), err)
				}
			}
			buf := make([]byte, 1)
			for pg := 0; pg < pages; pg++ {
				addr := priv + hostarch.Addr(pg*hostarch.PageSize)
				if _, err := c.CopyIn(gctx, addr, buf); err != nil {
					return fmt.Errorf("child %v: %w", c.PID(), err)
				}
				if buf[0] != tag[0] {
					return fmt.Errorf("child %v: private page at %v reads %#x, want %#x", c.PID(), addr, buf[0], tag[0])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	buf := make([]byte, procs)
	for pg := 0; pg < pages; pg++ {
		off := hostarch.Addr(pg * hostarch.PageSize)
		if _, err := parent.CopyIn(ctx, priv+off, buf[:1]); err != nil {
			return fmt.Errorf("parent read: %w", err)
		}
		if buf[0] != parentFill {
			return fmt.Errorf("parent private page at %v reads %#x, want %#x", priv+off, buf[0], parentFill)
		}
		if _, err := parent.CopyIn(ctx, shared+off, buf); err != nil {
			return fmt.Errorf("parent read: %w", err)
		}
		for i := range buf {
			if buf[i] != byte(i) {
				return fmt.Errorf("shared page at %v byte %d = %#x, want %#x", shared+off, i, buf[i], byte(i))
			}
		}
	}
	return nil
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	procs int
	pages int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault concurrently in forked processes and check copy-on-write isolation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [--procs=N] [--pages=P] - forks N processes over a shared and a private
mapping of P pages each, writes from all of them concurrently and verifies the result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.procs, "procs", 8, "number of child processes.")
	f.IntVar(&s.pages, "pages", 16, "pages per mapping.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sim, err := newSimulation(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	start := time.Now()
	err = stressChildren(ctx, sim.k, s.procs, s.pages)
	if err := errors.Join(err, sim.release(ctx)); err != nil {
		util.Errorf("stress failed: %v", err)
		return subcommands.ExitFailure
	}
	util.Infof("%d processes x %d pages verified in %v", s.procs, s.pages, time.Since(start))
	return subcommands.ExitSuccess
}
