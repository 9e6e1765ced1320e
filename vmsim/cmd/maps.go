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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
)

// Script is a sequence of memory operations read from a TOML file:
//
//	[[file]]
//	name = "lib"
//	data = "contents"
//
//	[[op]]
//	kind = "mmap"
//	label = "heap"
//	length = 8192
//	prot = "rw"
//	flags = ["private", "anonymous"]
//
//	[[op]]
//	kind = "write"
//	label = "heap"
//	data = "hello"
//
// Operations run in process 0 unless proc names the index of another
// process. fork appends the child to the process list.
type Script struct {
	Files []ScriptFile `toml:"file"`
	Ops   []ScriptOp   `toml:"op"`
}

// ScriptFile creates a regular file before the script runs.
type ScriptFile struct {
	Name string `toml:"name"`
	Data string `toml:"data"`
}

// ScriptOp is a single script step.
type ScriptOp struct {
	// Kind is one of mmap, munmap, write, read, fault, fork and exit.
	Kind string `toml:"kind"`

	// Proc is the index of the process the operation runs in.
	Proc int `toml:"proc"`

	// Label names an address. mmap defines it; the other operations use it
	// as the base of Offset. Without a label Offset is absolute. A fixed
	// mmap places the mapping at Offset.
	Label  string `toml:"label"`
	Offset uint64 `toml:"offset"`
	Length uint64 `toml:"length"`

	// Prot is the protection of an mmap in "rwx" notation, or the access
	// of a fault.
	Prot  string   `toml:"prot"`
	Flags []string `toml:"flags"`

	// File is opened by mmap unless flags include "anonymous". FileOffset is
	// the offset into it.
	File       string `toml:"file"`
	FileOffset int64  `toml:"file_offset"`

	// Data is written by write and expected by read, if set.
	Data string `toml:"data"`
}

// ParseScript decodes a script from TOML.
func ParseScript(data string) (*Script, error) {
	var s Script
	md, err := toml.Decode(data, &s)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}
	return &s, nil
}

var mapFlags = map[string]int{
	"shared":    unix.MAP_SHARED,
	"private":   unix.MAP_PRIVATE,
	"fixed":     unix.MAP_FIXED,
	"anonymous": unix.MAP_ANONYMOUS,
}

func parseProt(s string) int {
	at := hostarch.ParseAccessType(s)
	prot := unix.PROT_NONE
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		prot |= unix.PROT_WRITE
	}
	if at.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// scriptRunner applies a script to a simulation.
type scriptRunner struct {
	k      *kernel.Kernel
	out    io.Writer
	procs  []*kernel.Process
	labels map[string]hostarch.Addr
}

// run applies every operation of s in order, writing the target process's
// mappings to r.out after each one. It stops at the first failing
// operation.
func (r *scriptRunner) run(ctx context.Context, s *Script) error {
	for _, f := range s.Files {
		if _, err := r.k.Filesystem().CreateRegular(f.Name, []byte(f.Data)); err != nil {
			return fmt.Errorf("file %q: %w", f.Name, err)
		}
	}
	p, err := r.k.NewProcess(ctx)
	if err != nil {
		return err
	}
	r.procs = append(r.procs, p)

	for i, op := range s.Ops {
		if op.Proc < 0 || op.Proc >= len(r.procs) {
			return fmt.Errorf("op %d: no process %d", i, op.Proc)
		}
		p := r.procs[op.Proc]
		msg, err := r.apply(ctx, p, &op)
		if err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
		fmt.Fprintf(r.out, "== %d: %s in %v: %s\n", i, op.Kind, p.PID(), msg)
		if status, exited := p.ExitStatus(); exited {
			fmt.Fprintf(r.out, "process %v exited with status %d\n", p.PID(), status)
			continue
		}
		if err := p.WriteMappingInfo(r.out); err != nil {
			return err
		}
	}
	return nil
}

func (r *scriptRunner) addr(op *ScriptOp) (hostarch.Addr, error) {
	if op.Label == "" {
		return hostarch.Addr(op.Offset), nil
	}
	base, ok := r.labels[op.Label]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", op.Label)
	}
	return base + hostarch.Addr(op.Offset), nil
}

func (r *scriptRunner) apply(ctx context.Context, p *kernel.Process, op *ScriptOp) (string, error) {
	switch op.Kind {
	case "mmap":
		return r.mmap(ctx, p, op)
	case "munmap":
		addr, err := r.addr(op)
		if err != nil {
			return "", err
		}
		if err := p.MUnmap(ctx, addr, op.Length); err != nil {
			return "", err
		}
		return fmt.Sprintf("unmapped %#x bytes at %v", op.Length, addr), nil
	case "write":
		addr, err := r.addr(op)
		if err != nil {
			return "", err
		}
		n, err := p.CopyOut(ctx, addr, []byte(op.Data))
		if err != nil && !p.Killed() {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes at %v", n, addr), nil
	case "read":
		addr, err := r.addr(op)
		if err != nil {
			return "", err
		}
		length := op.Length
		if length == 0 {
			length = uint64(len(op.Data))
		}
		buf := make([]byte, length)
		n, err := p.CopyIn(ctx, addr, buf)
		if err != nil && !p.Killed() {
			return "", err
		}
		if op.Data != "" && !p.Killed() && string(buf[:n]) != op.Data {
			return "", fmt.Errorf("read %q at %v, want %q", buf[:n], addr, op.Data)
		}
		return fmt.Sprintf("read %q at %v", buf[:n], addr), nil
	case "fault":
		addr, err := r.addr(op)
		if err != nil {
			return "", err
		}
		cause := mm.FaultUser
		at := hostarch.ParseAccessType(op.Prot)
		if at.Write {
			cause |= mm.FaultWrite
		}
		if at.Execute {
			cause |= mm.FaultExec
		}
		var ferr *mm.FaultError
		if err := p.HandleFault(ctx, addr, cause); errors.As(err, &ferr) {
			return fmt.Sprintf("fatal: %v", ferr), nil
		} else if err != nil {
			return "", err
		}
		return fmt.Sprintf("resolved %v fault at %v", cause, addr), nil
	case "fork":
		child, err := p.Fork(ctx)
		if err != nil {
			return "", err
		}
		r.procs = append(r.procs, child)
		return fmt.Sprintf("child %v is process %d", child.PID(), len(r.procs)-1), nil
	case "exit":
		p.Exit(ctx, 0)
		return "exited", nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (r *scriptRunner) mmap(ctx context.Context, p *kernel.Process, op *ScriptOp) (string, error) {
	flags := 0
	for _, name := range op.Flags {
		bit, ok := mapFlags[strings.ToLower(name)]
		if !ok {
			return "", fmt.Errorf("unknown mmap flag %q", name)
		}
		flags |= bit
	}
	fd := int32(-1)
	if flags&unix.MAP_ANONYMOUS == 0 {
		mode := unix.O_RDONLY
		if flags&unix.MAP_SHARED != 0 && strings.Contains(op.Prot, "w") {
			mode = unix.O_RDWR
		}
		var err error
		if fd, err = p.Open(ctx, op.File, mode); err != nil {
			return "", fmt.Errorf("open %q: %w", op.File, err)
		}
		defer p.Close(ctx, fd)
	}
	hint := hostarch.Addr(0)
	if flags&unix.MAP_FIXED != 0 {
		hint = hostarch.Addr(op.Offset)
	}
	addr, err := p.MMap(ctx, hint, op.Length, parseProt(op.Prot), flags, fd, op.FileOffset)
	if err != nil {
		return "", err
	}
	if op.Label != "" {
		r.labels[op.Label] = addr
	}
	return fmt.Sprintf("mapped %#x bytes at %v", op.Length, addr), nil
}

// runScript applies s to a fresh simulation configured by conf.
func runScript(ctx context.Context, conf *config.Config, s *Script, out io.Writer) error {
	sim, err := newSimulation(conf)
	if err != nil {
		return err
	}
	r := &scriptRunner{
		k:      sim.k,
		out:    out,
		labels: make(map[string]hostarch.Addr),
	}
	err = r.run(ctx, s)
	return errors.Join(err, sim.release(ctx))
}

// Maps implements subcommands.Command for the "maps" command.
type Maps struct{}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "apply a TOML script of memory operations and print the mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps <script.toml> - runs the script's mmap, munmap, write, read, fault, fork and exit
operations in order and prints the process's mappings after each one.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Maps) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		util.Fatalf("reading script: %v", err)
	}
	s, err := ParseScript(string(data))
	if err != nil {
		util.Fatalf("parsing script %q: %v", f.Arg(0), err)
	}
	if err := runScript(ctx, conf, s, os.Stdout); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
