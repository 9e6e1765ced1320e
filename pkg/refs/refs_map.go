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
	"fmt"
	"sort"
	"strings"

	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// leakChecker tracks live reference-counted objects while leak checking is
// enabled.
type leakChecker struct {
	mu   sync.Mutex
	live map[CheckedObject]struct{}
}

// checker is the global leak checker.
var checker = leakChecker{live: make(map[CheckedObject]struct{})}

func (c *leakChecker) add(obj CheckedObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[obj]; ok {
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	c.live[obj] = struct{}{}
}

func (c *leakChecker) remove(obj CheckedObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[obj]; !ok {
		panic(fmt.Sprintf("Expected to find entry in leak checking map for reference %p", obj))
	}
	delete(c.live, obj)
}

// report returns a description of every live object, or the empty string if
// there are none. Lines are sorted so reports are stable.
func (c *leakChecker) report() string {
	c.mu.Lock()
	msgs := make([]string, 0, len(c.live))
	for obj := range c.live {
		msgs = append(msgs, obj.LeakMessage())
	}
	c.mu.Unlock()
	if len(msgs) == 0 {
		return ""
	}
	sort.Strings(msgs)
	return fmt.Sprintf("Leak checking detected %d leaked objects:\n%s\n", len(msgs), strings.Join(msgs, "\n"))
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	checker.add(obj)
	if obj.LogRefs() {
		logEvent(obj, "registered")
	}
}

// Unregister removes obj from the live object map.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	checker.remove(obj)
	if obj.LogRefs() {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("IncRef to %d", refs))
	}
}

// LogTryIncRef logs a successful TryIncRef call.
func LogTryIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("TryIncRef to %d", refs))
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("DecRef to %d", refs))
	}
}

// logEvent logs a message for the given reference-counted object.
//
// obj.LogRefs() should be checked before calling logEvent, in order to avoid
// calling any text processing needed to evaluate msg.
func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, FormatStack(RecordStack()))
}

// checkOnce makes sure that leak checking is only done once.
var checkOnce sync.Once

// CleanupSync is used to wait for async cleanup actions.
var CleanupSync sync.WaitGroup

// DoLeakCheck reports every object still in the live object map. It should be
// called when no reference-counted objects are reachable anymore, at which
// point anything left in the map is considered a leak. On multiple calls, only
// the first call will perform the leak check.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(doLeakCheck)
	}
}

// DoRepeatedLeakCheck is the same as DoLeakCheck except that it can be called
// multiple times by the caller to incrementally perform leak checking.
func DoRepeatedLeakCheck() {
	if LeakCheckEnabled() {
		doLeakCheck()
	}
}

// LiveObjects returns the number of registered objects that have not been
// destroyed. It is only meaningful while leak checking is enabled.
func LiveObjects() int {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	return len(checker.live)
}

// ResetLeakCheck forgets all registered objects. It is intended for tests that
// run several independent scenarios in one process.
func ResetLeakCheck() {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.live = make(map[CheckedObject]struct{})
}

// CheckLeaks is like DoRepeatedLeakCheck but returns the leak report instead
// of logging it or panicking. It returns the empty string if nothing leaked.
func CheckLeaks() string {
	return checker.report()
}

func doLeakCheck() {
	CleanupSync.Wait()
	msg := checker.report()
	if msg == "" {
		return
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
}
