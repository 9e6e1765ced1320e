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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got := buf.String(); got != "shown 2\nshown 3\n" {
		t.Errorf("got %q, want only info and warning lines", got)
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "fault at %#x", 0x1000)
	got := buf.String()
	if !strings.HasPrefix(got, "W0304 05:06:07.000008 ") {
		t.Errorf("unexpected header in %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("caller missing from %q", got)
	}
	if !strings.HasSuffix(got, "] fault at 0x1000\n") {
		t.Errorf("unexpected message in %q", got)
	}
}

func TestParseFormat(t *testing.T) {
	for _, format := range []string{"", "text", "json", "JSON"} {
		if _, err := ParseFormat(format, &bytes.Buffer{}); err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", format, err)
		}
	}
	if _, err := ParseFormat("xml", &bytes.Buffer{}); err == nil {
		t.Errorf("ParseFormat(xml) should fail")
	}
}

func TestCommandFileOpts(t *testing.T) {
	opts := CommandFileOpts{Command: "demo", Start: time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)}
	if got, want := opts.Build("/tmp/logs/%COMMAND%.log"), "/tmp/logs/demo.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
	if got, want := opts.Build("/tmp/logs/"), "/tmp/logs/vmsim.20260102-030405.000000.demo.txt"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Infof("message %d", i)
	}
	if got := buf.String(); got != "message 0\n" {
		t.Errorf("got %q, want a single message", got)
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour).(*rateLimitedLogger)
	for i := 0; i < 3; i++ {
		l.Warningf("fault %d", i)
	}
	l.limit.SetLimit(rate.Inf)
	l.Warningf("fault %d", 3)
	if got, want := buf.String(), "fault 0\n[2 similar messages suppressed] fault 3\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
