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

package refs

import (
	"strings"
	"testing"
)

type testObject struct {
	Refs
	destroyed int
}

func newTestObject() *testObject {
	o := &testObject{}
	o.InitRefs("refs.testObject")
	return o
}

func (o *testObject) DecRef() {
	o.Refs.DecRef(func() { o.destroyed++ })
}

func withLeakMode(t *testing.T, mode LeakMode) {
	old := GetLeakMode()
	SetLeakMode(mode)
	ResetLeakCheck()
	t.Cleanup(func() {
		ResetLeakCheck()
		SetLeakMode(old)
	})
}

func TestRefsDestroyOnce(t *testing.T) {
	o := newTestObject()
	o.IncRef()
	if got := o.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", o.destroyed)
	}
}

func TestIncRefAfterDestroyPanics(t *testing.T) {
	o := newTestObject()
	o.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("IncRef on a destroyed object did not panic")
		}
	}()
	o.IncRef()
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	o := newTestObject()
	o.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	o.DecRef()
}

func TestTryIncRef(t *testing.T) {
	o := newTestObject()
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef failed on a live object")
	}
	o.DecRef()
	o.DecRef()
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestLeakCheck(t *testing.T) {
	withLeakMode(t, LeaksLogWarning)

	a := newTestObject()
	b := newTestObject()
	if got := LiveObjects(); got != 2 {
		t.Fatalf("LiveObjects() = %d, want 2", got)
	}
	a.DecRef()
	msg := CheckLeaks()
	if !strings.Contains(msg, "1 leaked objects") || !strings.Contains(msg, "refs.testObject") {
		t.Errorf("CheckLeaks() = %q, want a report naming one refs.testObject", msg)
	}
	b.DecRef()
	if msg := CheckLeaks(); msg != "" {
		t.Errorf("CheckLeaks() = %q after releasing everything", msg)
	}
}

func TestLeakCheckDisabled(t *testing.T) {
	withLeakMode(t, NoLeakChecking)

	newTestObject()
	if got := LiveObjects(); got != 0 {
		t.Errorf("LiveObjects() = %d with leak checking disabled", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, s := range []string{"disabled", "log-names", "log-traces", "panic"} {
		var m LeakMode
		if err := m.Set(s); err != nil {
			t.Fatalf("Set(%q): %v", s, err)
		}
		if got := m.String(); got != s {
			t.Errorf("Set(%q).String() = %q", s, got)
		}
	}
	var m LeakMode
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}

func TestLeakMessageTrace(t *testing.T) {
	withLeakMode(t, LeaksLogTraces)

	o := newTestObject()
	defer o.DecRef()
	if msg := o.LeakMessage(); !strings.Contains(msg, "allocated at") {
		t.Errorf("LeakMessage() = %q, want allocation trace", msg)
	}
}
