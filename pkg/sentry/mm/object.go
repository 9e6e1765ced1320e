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
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

var (
	cowCopiesMetric = metric.MustCreateNewUint64Metric("/mm/cow_copies", true /* sync */, "Number of pages copied to break copy-on-write sharing.")
	objectsMetric   = metric.MustCreateNewUint64Metric("/mm/objects_created", true /* sync */, "Number of memory objects created.", metric.NewField("kind", []string{"anon", "shadow"}))

	// liveObjects is the number of memory objects created by this package
	// and not yet destroyed.
	liveObjects atomic.Int64
)

func init() {
	metric.MustRegisterCustomUint64Metric("/mm/live_objects", false /* cumulative */, false /* sync */, "Number of live anonymous and shadow memory objects.", func(...string) uint64 {
		return uint64(liveObjects.Load())
	})
}

// LiveObjects returns the number of anonymous and shadow objects that have
// not been destroyed.
func LiveObjects() int64 {
	return liveObjects.Load()
}

// destroyObject evicts every frame resident for o. Dirty frames are written
// back first.
func destroyObject(ctx context.Context, c *pgalloc.Cache, o memmap.Object) {
	if err := c.EvictOwner(ctx, o); err != nil {
		log.Warningf("Lost dirty pages of %p on destruction: %v", o, err)
	}
	liveObjects.Add(-1)
	if log.IsLogging(log.Debug) {
		log.Debugf("Destroyed memory object %p", o)
	}
}

// checkOwner panics if f does not belong to o.
func checkOwner(o memmap.Object, f *pgalloc.Frame) {
	if f.Owner() != pgalloc.Owner(o) {
		panic(fmt.Sprintf("%v does not belong to %p", f, o))
	}
}
