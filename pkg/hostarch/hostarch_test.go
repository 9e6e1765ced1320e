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

package hostarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down, up Addr
		upOK     bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, true},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 17, PageSize, 2 * PageSize, true},
		{^Addr(0), ^Addr(PageSize - 1), 0, false},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && up != test.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", test.addr, up, ok, test.up, test.upOK)
		}
	}
}

func TestPageNumbers(t *testing.T) {
	addr := AddrOfPage(0x401) + 0x123
	if got, want := addr.PageNumber(), uint64(0x401); got != want {
		t.Errorf("PageNumber() = %#x, want %#x", got, want)
	}
	if got, want := addr.PageOffset(), uint64(0x123); got != want {
		t.Errorf("PageOffset() = %#x, want %#x", got, want)
	}
	ar, ok := AddrOfPage(4).ToRange(3 * PageSize)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if first, end := ar.Pages(); first != 4 || end != 7 {
		t.Errorf("Pages() = [%d, %d), want [4, 7)", first, end)
	}
	for _, test := range []struct {
		name      string
		ar        AddrRange
		wantFirst uint64
		wantEnd   uint64
	}{
		{"aligned", AddrRange{AddrOfPage(4), AddrOfPage(7)}, 4, 7},
		{"sub-page", AddrRange{AddrOfPage(4), AddrOfPage(4) + 1}, 4, 5},
		{"crosses boundary", AddrRange{AddrOfPage(5) - 2, AddrOfPage(5) + 2}, 4, 6},
		{"unaligned end", AddrRange{AddrOfPage(4), AddrOfPage(6) + 1}, 4, 7},
		{"empty", AddrRange{AddrOfPage(4) + 8, AddrOfPage(4) + 8}, 4, 4},
	} {
		t.Run(test.name, func(t *testing.T) {
			if first, end := test.ar.SpannedPages(); first != test.wantFirst || end != test.wantEnd {
				t.Errorf("%v.SpannedPages() = [%d, %d), want [%d, %d)", test.ar, first, end, test.wantFirst, test.wantEnd)
			}
		})
	}
	if _, ok := (^Addr(0) - 1).ToRange(PageSize); ok {
		t.Errorf("ToRange near the top of the address space should overflow")
	}
}

func TestAccessType(t *testing.T) {
	for _, s := range []string{"---", "r--", "rw-", "r-x", "rwx", "-w-"} {
		if got := ParseAccessType(s).String(); got != s {
			t.Errorf("ParseAccessType(%q).String() = %q", s, got)
		}
	}
	if !ReadWrite.SupersetOf(Read) {
		t.Errorf("rw- should be a superset of r--")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r-- should not be a superset of -w-")
	}
	if NoAccess.Any() {
		t.Errorf("--- should not permit any access")
	}
	if got := AnyAccess.Intersect(ReadExecute); got != ReadExecute {
		t.Errorf("rwx & r-x = %v, want r-x", got)
	}
}
