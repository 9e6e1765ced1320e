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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanRunsInReverseOrder(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 1) })
	cu.Add(func() { order = append(order, 2) })
	cu.Add(func() { order = append(order, 3) })
	cu.Clean()
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != 3 {
		t.Errorf("second Clean ran %d more cleaners", len(order)-3)
	}
}

// rollback allocates n resources and fails after the last one if fail is
// set, in the way callers use Cleanup to undo partial work.
func rollback(n int, fail bool, released *[]int) (func(), error) {
	var cu Cleanup
	defer cu.Clean()
	for i := 0; i < n; i++ {
		i := i
		cu.Add(func() { *released = append(*released, i) })
	}
	if fail {
		return nil, errors.New("allocation failed")
	}
	return cu.Release(), nil
}

func TestRollbackOnFailure(t *testing.T) {
	var released []int
	if _, err := rollback(3, true, &released); err == nil {
		t.Fatalf("rollback succeeded, want error")
	}
	if diff := cmp.Diff([]int{2, 1, 0}, released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var released []int
	destroy, err := rollback(2, false, &released)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("cleaners ran after Release: %v", released)
	}

	// The released function still runs every cleaner.
	destroy()
	if diff := cmp.Diff([]int{1, 0}, released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
}
