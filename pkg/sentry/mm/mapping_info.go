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
	"bytes"
	"fmt"
	"io"
)

// mappingInfoHeader is the header line of WriteMappingInfo.
var mappingInfoHeader = fmt.Sprintf("%21s %5s %7s %8s %10s %12s\n", "VADDR RANGE", "PROT", "FLAGS", "MMOBJ", "OFFSET", "VFN RANGE")

// areaInfoEntry returns the mapping info line for a, including the trailing
// newline.
func areaInfoEntry(a *VMArea) []byte {
	flags := "PRIVATE"
	if !a.Private {
		flags = " SHARED"
	}
	obj := "(none)"
	if a.obj != nil {
		obj = fmt.Sprintf("%p", a.obj)
	}
	ar := a.AddrRange()
	var b bytes.Buffer
	fmt.Fprintf(&b, "%#x-%#x  %s  %7s %s %#.3x %#.3x-%#.3x\n",
		uint64(ar.Start), uint64(ar.End), a.Perms, flags, obj, a.Offset, a.Start, a.End)
	return b.Bytes()
}

// WriteMappingInfo writes a description of every area of m to w, one line per
// area in ascending order.
func (m *VMMap) WriteMappingInfo(w io.Writer) error {
	if _, err := io.WriteString(w, mappingInfoHeader); err != nil {
		return err
	}
	var err error
	m.areas.Ascend(func(a *VMArea) bool {
		_, err = w.Write(areaInfoEntry(a))
		return err == nil
	})
	return err
}

// String implements fmt.Stringer.
func (m *VMMap) String() string {
	var b bytes.Buffer
	m.WriteMappingInfo(&b)
	return b.String()
}
