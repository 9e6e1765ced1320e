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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(mm.DefaultLayout(), c.Layout()); diff != "" {
		t.Errorf("Layout() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, val := range map[string]string{
		"debug":         "true",
		"log-format":    "json",
		"ref-leak-mode": "log-names",
		"cache-frames":  "128",
		"min-addr":      "0x10000",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	if want := refs.LeaksLogWarning; c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}
	if want := 128; c.CacheFrames != want {
		t.Errorf("CacheFrames=%v, want: %v", c.CacheFrames, want)
	}
	if want := uint64(0x10000); c.MinAddr != want {
		t.Errorf("MinAddr=%#x, want: %#x", c.MinAddr, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	orig := &Config{
		LogFormat:     "json",
		Debug:         true,
		ReferenceLeak: refs.LeaksLogTraces,
		CacheFrames:   64,
		MaxAreas:      16,
		MinAddr:       0x1000,
		MaxAddr:       0x100000,
	}

	testFlags := newTestFlags()
	if err := testFlags.Parse(orig.ToFlags()); err != nil {
		t.Fatal(err)
	}
	got, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("flags round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: `invalid log format "xml"`,
		},
		{
			name:  "cache-frames",
			flags: map[string]string{"cache-frames": "-1"},
			error: "--cache-frames must be non-negative",
		},
		{
			name:  "unaligned",
			flags: map[string]string{"min-addr": "0x1001"},
			error: "must be page aligned",
		},
		{
			name:  "inverted",
			flags: map[string]string{"min-addr": "0x200000", "max-addr": "0x100000"},
			error: "invalid user address layout",
		},
		{
			name:  "zero page",
			flags: map[string]string{"min-addr": "0"},
			error: "invalid user address layout",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error, got: %v, want: %q", err, tc.error)
			}
		})
	}
}

func TestApplyFile(t *testing.T) {
	path := writeFile(t, `
[flags]
debug = "true"
max-areas = "32"
cache-frames = "512"
`)
	testFlags := newTestFlags()
	// Command line values win over the file.
	if err := testFlags.Parse([]string{"--cache-frames=8"}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyFile(testFlags, path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--debug=true", "--cache-frames=8", "--max-areas=32"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "syntax", contents: "[flags\n"},
		{name: "unknown flag", contents: "[flags]\nnope = \"1\"\n"},
		{name: "bad value", contents: "[flags]\ndebug = \"maybe\"\n"},
		{name: "self reference", contents: "[flags]\nconfig = \"other.toml\"\n"},
		{name: "unknown table", contents: "[other]\nx = 1\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := ApplyFile(newTestFlags(), writeFile(t, tc.contents)); err == nil {
				t.Errorf("ApplyFile(%q) succeeded, want error", tc.contents)
			}
		})
	}
}

func TestCopy(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("Copy() mismatch (-want +got):\n%s", diff)
	}
	cp.MaxAreas = 1
	if c.MaxAreas == cp.MaxAreas {
		t.Errorf("Copy() shares state with the original")
	}
}
