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
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/pkg/sentry/platform"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
)

// scenario is an end-to-end check run against a fresh simulation.
type scenario struct {
	name string
	run  func(ctx context.Context, k *kernel.Kernel) error
}

var scenarios = []scenario{
	{name: "anonymous-private", run: anonymousPrivate},
	{name: "shared-file", run: sharedFile},
	{name: "fork-private-file", run: forkPrivateFile},
	{name: "fault-outside-areas", run: faultOutsideAreas},
}

// scenarioResult is the outcome of one scenario.
type scenarioResult struct {
	name string
	err  error
}

// runScenarios runs every scenario in its own simulation.
func runScenarios(ctx context.Context, conf *config.Config) []scenarioResult {
	results := make([]scenarioResult, 0, len(scenarios))
	for _, s := range scenarios {
		results = append(results, scenarioResult{name: s.name, err: runScenario(ctx, conf, s)})
	}
	return results
}

// expectTranslation returns p's translation for addr, or an error if there is
// none or it does not permit exactly want.
func expectTranslation(p *kernel.Process, addr hostarch.Addr, want hostarch.AccessType) (platform.PTE, error) {
	pte, ok := p.PageTable().Lookup(addr)
	if !ok {
		return pte, fmt.Errorf("process %v has no translation for %v", p.PID(), addr)
	}
	if pte.Perms != want {
		return pte, fmt.Errorf("process %v maps %v %s, want %s", p.PID(), addr, pte.Perms, want)
	}
	return pte, nil
}

func runScenario(ctx context.Context, conf *config.Config, s scenario) error {
	sim, err := newSimulation(conf)
	if err != nil {
		return err
	}
	err = s.run(ctx, sim.k)
	return errors.Join(err, sim.release(ctx))
}

// anonymousPrivate maps four private anonymous pages at the lowest user
// address and reads back a written byte.
func anonymousPrivate(ctx context.Context, k *kernel.Kernel) error {
	p, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	addr := hostarch.AddrOfPage(k.Layout().MinPage)
	got, err := p.MMap(ctx, addr, 4*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	if got != addr {
		return fmt.Errorf("mmap returned %v, want %v", got, addr)
	}
	if _, err := p.CopyOut(ctx, addr, []byte{0x5a}); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := expectTranslation(p, addr, hostarch.ReadWrite); err != nil {
		return err
	}
	var b [1]byte
	if _, err := p.CopyIn(ctx, addr, b[:]); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if b[0] != 0x5a {
		return fmt.Errorf("read back %#x, want 0x5a", b[0])
	}
	p.Exit(ctx, 0)
	return nil
}

// sharedFile maps dataFile twice with MAP_SHARED and checks that a write
// through one mapping is visible through the other.
func sharedFile(ctx context.Context, k *kernel.Kernel) error {
	p, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	fd, err := p.Open(ctx, dataFile, unix.O_RDWR)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	var addrs [2]hostarch.Addr
	for i := range addrs {
		if addrs[i], err = p.MMap(ctx, 0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, fd, 0); err != nil {
			return fmt.Errorf("mmap %d: %w", i, err)
		}
	}
	if addrs[0] == addrs[1] {
		return fmt.Errorf("both mappings at %v", addrs[0])
	}
	const off = 100
	msg := []byte("shared")
	if _, err := p.CopyOut(ctx, addrs[0]+off, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got := make([]byte, len(msg))
	if _, err := p.CopyIn(ctx, addrs[1]+off, got); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(got, msg) {
		return fmt.Errorf("second mapping reads %q, want %q", got, msg)
	}
	var ptes [2]platform.PTE
	for i, a := range addrs {
		if ptes[i], err = expectTranslation(p, a, hostarch.ReadWrite); err != nil {
			return err
		}
	}
	if ptes[0].Phys != ptes[1].Phys {
		return fmt.Errorf("shared mappings use frames %#x and %#x, want one frame", ptes[0].Phys, ptes[1].Phys)
	}
	p.Exit(ctx, 0)
	return nil
}

// forkPrivateFile forks after a private file mapping is populated and checks
// that a write in the parent is not visible to the child.
func forkPrivateFile(ctx context.Context, k *kernel.Kernel) error {
	parent, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	fd, err := parent.Open(ctx, dataFile, unix.O_RDONLY)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	addr, err := parent.MMap(ctx, 0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE, fd, 0)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	want := make([]byte, 16)
	if _, err := parent.CopyIn(ctx, addr, want); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	// The file's frame is mapped read-only so that a write copies it.
	if _, err := expectTranslation(parent, addr, hostarch.Read); err != nil {
		return err
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	if n := parent.PageTable().Len(); n != 0 {
		return fmt.Errorf("parent kept %d translations across fork", n)
	}
	if _, err := parent.CopyOut(ctx, addr, []byte("parent was here!")); err != nil {
		return fmt.Errorf("parent write: %w", err)
	}
	ppte, err := expectTranslation(parent, addr, hostarch.ReadWrite)
	if err != nil {
		return err
	}
	got := make([]byte, len(want))
	if _, err := child.CopyIn(ctx, addr, got); err != nil {
		return fmt.Errorf("child read: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("child reads %q after parent write, want %q", got, want)
	}
	cpte, err := expectTranslation(child, addr, hostarch.Read)
	if err != nil {
		return err
	}
	if ppte.Phys == cpte.Phys {
		return fmt.Errorf("parent and child share frame %#x after a copy-on-write fault", ppte.Phys)
	}
	child.Exit(ctx, 0)
	parent.Exit(ctx, 0)
	return nil
}

// faultOutsideAreas faults on an address no area covers and checks that the
// process is killed without a translation being installed.
func faultOutsideAreas(ctx context.Context, k *kernel.Kernel) error {
	p, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	if _, err := p.MMap(ctx, 0, hostarch.PageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0); err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	addr := hostarch.AddrOfPage(k.Layout().MinPage)
	err = p.HandleFault(ctx, addr, mm.FaultUser)
	var ferr *mm.FaultError
	if !errors.As(err, &ferr) || ferr.Kind != mm.FaultUnmapped {
		return fmt.Errorf("fault at %v returned %v, want an unmapped fault", addr, err)
	}
	if status, exited := p.ExitStatus(); !exited || !p.Killed() || status != kernel.FaultStatus {
		return fmt.Errorf("process state after fault: exited=%t killed=%t status=%d", exited, p.Killed(), status)
	}
	if pte, ok := p.PageTable().Lookup(addr); ok {
		return fmt.Errorf("translation %v installed for faulting address", pte)
	}
	return nil
}

// reportScenarios writes one line per result to w and returns the number of
// failures.
func reportScenarios(w io.Writer, results []scenarioResult) int {
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", r.name, r.err)
			continue
		}
		fmt.Fprintf(w, "PASS %s\n", r.name)
	}
	return failed
}

// Demo implements subcommands.Command for the "demo" command.
type Demo struct{}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run the end-to-end memory scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo - runs each end-to-end scenario in a fresh simulation and reports PASS or FAIL.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Demo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if failed := reportScenarios(os.Stdout, runScenarios(ctx, conf)); failed != 0 {
		util.Errorf("%d of %d scenarios failed", failed, len(scenarios))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
