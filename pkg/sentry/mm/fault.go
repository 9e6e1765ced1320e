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
	"fmt"
	"strings"
	"time"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/platform"
)

var (
	pageFaultsMetric  = metric.MustCreateNewUint64Metric("/mm/page_faults", true /* sync */, "Number of page faults handled.", metric.NewField("access", []string{"read", "write", "exec"}))
	fatalFaultsMetric = metric.MustCreateNewUint64Metric("/mm/fatal_faults", true /* sync */, "Number of page faults that could not be resolved.", metric.NewField("kind", []string{"unmapped", "permission"}))

	// faultLog limits the rate of fatal fault reports.
	faultLog = log.BasicRateLimitedLogger(time.Second)
)

// FaultCause is the error code reported by the hardware with a page fault.
type FaultCause uint32

// Fault cause bits.
const (
	// FaultPresent is set if the faulting page was mapped.
	FaultPresent FaultCause = 0x01

	// FaultWrite is set for write accesses.
	FaultWrite FaultCause = 0x02

	// FaultUser is set for accesses from user mode.
	FaultUser FaultCause = 0x04

	// FaultReserved is set if a reserved bit was set in a translation.
	FaultReserved FaultCause = 0x08

	// FaultExec is set for instruction fetches.
	FaultExec FaultCause = 0x10
)

// String implements fmt.Stringer.
func (c FaultCause) String() string {
	var parts []string
	for _, b := range []struct {
		bit  FaultCause
		name string
	}{
		{FaultPresent, "present"},
		{FaultWrite, "write"},
		{FaultUser, "user"},
		{FaultReserved, "reserved"},
		{FaultExec, "exec"},
	} {
		if c&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "read"
	}
	return strings.Join(parts, "|")
}

// AccessType returns the access the faulting instruction attempted.
func (c FaultCause) AccessType() hostarch.AccessType {
	switch {
	case c&FaultWrite != 0:
		return hostarch.Write
	case c&FaultExec != 0:
		return hostarch.Execute
	default:
		return hostarch.Read
	}
}

// FaultKind classifies unresolvable faults.
type FaultKind int

const (
	// FaultUnmapped indicates that no usable page backs the address.
	FaultUnmapped FaultKind = iota

	// FaultPermission indicates that the access conflicts with the area's
	// protection.
	FaultPermission
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "unmapped"
	case FaultPermission:
		return "permission"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// FaultError is returned by HandlePageFault for faults that terminate the
// faulting process.
type FaultError struct {
	Addr  hostarch.Addr
	Cause FaultCause
	Kind  FaultKind

	// Err is the underlying error. It is EFAULT unless an object lookup
	// failed.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("%s fault at %v (%v): %v", e.Kind, e.Addr, e.Cause, e.Err)
}

// Unwrap returns the underlying error.
func (e *FaultError) Unwrap() error {
	return e.Err
}

func newFaultError(addr hostarch.Addr, cause FaultCause, kind FaultKind, err error) *FaultError {
	fatalFaultsMetric.Increment(kind.String())
	faultLog.Infof("Fatal %s fault at %v (%v): %v", kind, addr, cause, err)
	return &FaultError{Addr: addr, Cause: cause, Kind: kind, Err: err}
}

func faultAccessName(at hostarch.AccessType) string {
	switch {
	case at.Write:
		return "write"
	case at.Execute:
		return "exec"
	default:
		return "read"
	}
}

// HandlePageFault resolves a fault at addr in the address space described by
// m, installing a translation in as on success.
//
// On failure it returns a *FaultError and installs nothing. The caller must
// terminate the faulting process.
func HandlePageFault(ctx context.Context, m *VMMap, as platform.AddressSpace, addr hostarch.Addr, cause FaultCause) error {
	at := cause.AccessType()
	pageFaultsMetric.Increment(faultAccessName(at))

	vpn := addr.PageNumber()
	a := m.Lookup(vpn)
	if a == nil {
		return newFaultError(addr, cause, FaultUnmapped, linuxerr.EFAULT)
	}
	if cause&FaultReserved != 0 || !a.Perms.SupersetOf(at) {
		return newFaultError(addr, cause, FaultPermission, linuxerr.EFAULT)
	}
	if a.obj == nil {
		return newFaultError(addr, cause, FaultUnmapped, linuxerr.EFAULT)
	}

	forWrite := at.Write
	f, err := a.obj.LookupPage(ctx, a.objectPage(vpn), forWrite)
	if err != nil {
		return newFaultError(addr, cause, FaultUnmapped, err)
	}

	perms := a.Perms
	if f.Owner() != a.obj {
		// The frame belongs to an object further down a copy-on-write chain.
		// The next write must fault so that the area's own object gets a copy.
		perms.Write = false
	}
	if forWrite {
		if err := a.obj.DirtyPage(ctx, f); err != nil {
			return newFaultError(addr, cause, FaultUnmapped, err)
		}
	}

	pageAddr := hostarch.AddrOfPage(vpn)
	as.Invalidate(pageAddr)
	if err := as.MapPage(pageAddr, f.PhysAddr(), perms); err != nil {
		return newFaultError(addr, cause, FaultUnmapped, err)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Resolved %v fault at %v to %v %s", cause, addr, f, perms)
	}
	return nil
}
