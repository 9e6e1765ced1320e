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

package metric

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUint64Metric(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/counter", true, "A test counter.")
	m.Increment()
	m.IncrementBy(4)
	if got := m.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}
}

func TestNameInUse(t *testing.T) {
	MustCreateNewUint64Metric("/test/dup", false, "first")
	if _, err := NewUint64Metric("/test/dup", false, "second"); err != ErrNameInUse {
		t.Errorf("NewUint64Metric(duplicate) = %v, want %v", err, ErrNameInUse)
	}
}

func TestFieldValidation(t *testing.T) {
	if _, err := NewUint64Metric("/test/nofield", false, "", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("empty allowed values: got %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
	if _, err := NewUint64Metric("/test/badfield", false, "", NewField("f", []string{"a\"b"})); err != ErrFieldValueContainsIllegalChar {
		t.Errorf("illegal char: got %v, want %v", err, ErrFieldValueContainsIllegalChar)
	}
}

func TestFieldMapper(t *testing.T) {
	fm, err := newFieldMapper(
		NewField("a", []string{"x", "y"}),
		NewField("b", []string{"1", "2", "3"}),
	)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	if got := fm.numKeys(); got != 6 {
		t.Fatalf("numKeys() = %d, want 6", got)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			key := fm.lookup(a, b)
			if seen[key] {
				t.Errorf("lookup(%s, %s) = %d collides", a, b, key)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{a, b}, fm.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestFieldIncrement(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/by_kind", true, "Counted by kind.", NewField("kind", []string{"read", "write"}))
	m.Increment("write")
	m.Increment("write")
	m.Increment("read")
	if got := m.Value("write"); got != 2 {
		t.Errorf("Value(write) = %d, want 2", got)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("exec")
}

func TestWriteText(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/text/counter", true, "Exported counter.")
	m.IncrementBy(3)
	MustRegisterCustomUint64Metric("/test/text/gauge", false, false, "Exported gauge.", func(...string) uint64 { return 7 })

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP vmcore_test_text_counter Exported counter.",
		"# TYPE vmcore_test_text_counter counter",
		"vmcore_test_text_counter 3",
		"# TYPE vmcore_test_text_gauge gauge",
		"vmcore_test_text_gauge 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("WriteText output missing %q:\n%s", want, out)
		}
	}
}

func TestPromName(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"/mm/page_faults", "vmcore_mm_page_faults"},
		{"/pgalloc/resident-frames", "vmcore_pgalloc_resident_frames"},
	} {
		if got := promName(tc.in); got != tc.want {
			t.Errorf("promName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
