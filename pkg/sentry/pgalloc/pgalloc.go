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

// Package pgalloc contains the physical page frame cache.
//
// Frames are indexed by (owner, page number). A frame being filled or cleaned
// is busy; callers that find a busy frame block until it is released. Pinned
// frames cannot be freed. The cache never evicts on its own: frames stay
// resident until their owner is destroyed or the caller frees them.
package pgalloc

import (
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sync"
)

const (
	// physBase is the physical address of the first frame.
	physBase = 0x100000

	// defaultFrames is the default cache capacity.
	defaultFrames = 1 << 16
)

var (
	fillsMetric  = metric.MustCreateNewUint64Metric("/pgalloc/fills", true /* sync */, "Number of frames filled by their owner.")
	cleansMetric = metric.MustCreateNewUint64Metric("/pgalloc/cleans", true /* sync */, "Number of dirty frames written back by their owner.")
	waitsMetric  = metric.MustCreateNewUint64Metric("/pgalloc/busy_waits", true /* sync */, "Number of times a caller blocked on a busy frame.")
	freesMetric  = metric.MustCreateNewUint64Metric("/pgalloc/frees", true /* sync */, "Number of frames freed.")
)

// Owner is the object a frame's contents are attributed to.
type Owner interface {
	// FillPage populates f, which is busy and unpinned. It is called without
	// any cache locks held and may block.
	FillPage(ctx context.Context, f *Frame) error

	// CleanPage writes f's contents back to the owner's store, if any. f is
	// busy while CleanPage runs.
	CleanPage(ctx context.Context, f *Frame) error
}

type frameKey struct {
	owner Owner
	pn    uint64
}

// Frame is one physical page frame.
type Frame struct {
	cache *Cache
	owner Owner
	pn    uint64
	phys  uint64

	// data is the page contents. It is owned by whoever holds the frame busy
	// and is otherwise shared by every mapping of the frame.
	data []byte

	// The following fields are protected by cache.mu.
	busy     bool
	pinCount int
	dirty    bool
	freed    bool

	// ready is closed when busy is cleared. It is replaced each time the
	// frame becomes busy.
	ready chan struct{}
}

// Owner returns the object the frame belongs to.
func (f *Frame) Owner() Owner {
	return f.owner
}

// PageNumber returns the frame's page number within its owner.
func (f *Frame) PageNumber() uint64 {
	return f.pn
}

// PhysAddr returns the frame's physical address.
func (f *Frame) PhysAddr() uint64 {
	return f.phys
}

// Data returns the frame's contents. len(Data()) == hostarch.PageSize.
func (f *Frame) Data() []byte {
	return f.data
}

// Busy returns true if the frame is being filled or cleaned.
func (f *Frame) Busy() bool {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.busy
}

// Pinned returns true if the frame has been pinned at least once more than
// it has been unpinned.
func (f *Frame) Pinned() bool {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.pinCount > 0
}

// Dirty returns true if the frame holds modifications not yet written back.
func (f *Frame) Dirty() bool {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.dirty
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("frame{owner: %p, pn: %#x, phys: %#x}", f.owner, f.pn, f.phys)
}

// Cache is an in-memory page frame cache.
type Cache struct {
	// mu protects the fields below and the mutable fields of every Frame.
	mu sync.Mutex

	// frames indexes resident frames by owner and page number.
	frames map[frameKey]*Frame

	// byOwner indexes resident frames by owner. It does not hold references
	// on owners.
	byOwner map[Owner]map[uint64]*Frame

	// capacity is the maximum number of resident frames.
	capacity int

	// free holds released physical addresses for reuse.
	free []uint64

	// nextPhys is the next never-used physical address.
	nextPhys uint64
}

// NewCache returns a cache that holds at most capacity frames. A capacity
// <= 0 selects the default.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultFrames
	}
	return &Cache{
		frames:   make(map[frameKey]*Frame),
		byOwner:  make(map[Owner]map[uint64]*Frame),
		capacity: capacity,
		nextPhys: physBase,
	}
}

// Capacity returns the maximum number of resident frames.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len returns the number of resident frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Resident returns the number of frames resident for owner.
func (c *Cache) Resident(owner Owner) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byOwner[owner])
}

// waitLocked blocks until f is not busy.
//
// Preconditions: c.mu must be locked. f.busy.
// Postconditions: c.mu is locked. The caller must recheck f.freed.
func (c *Cache) waitLocked(ctx context.Context, f *Frame) error {
	waitsMetric.Increment()
	for f.busy {
		ready := f.ready
		c.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			c.mu.Lock()
			return ctx.Err()
		}
		c.mu.Lock()
	}
	return nil
}

// markBusyLocked marks f busy.
//
// Preconditions: c.mu must be locked. !f.busy.
func (f *Frame) markBusyLocked() {
	f.busy = true
	f.ready = make(chan struct{})
}

// releaseLocked clears f's busy bit and wakes all waiters.
//
// Preconditions: c.mu must be locked. f.busy.
func (f *Frame) releaseLocked() {
	f.busy = false
	close(f.ready)
}

// Get returns the frame for (owner, pn), creating it and calling
// owner.FillPage if it is not resident. If the frame is busy Get blocks until
// it is released.
//
// Get returns ENOMEM if the cache is full.
func (c *Cache) Get(ctx context.Context, owner Owner, pn uint64) (*Frame, error) {
	key := frameKey{owner, pn}
	c.mu.Lock()
	for {
		f, ok := c.frames[key]
		if !ok {
			break
		}
		if !f.busy {
			c.mu.Unlock()
			return f, nil
		}
		if err := c.waitLocked(ctx, f); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		// The fill may have failed and freed the frame; look again.
	}

	if len(c.frames) >= c.capacity {
		c.mu.Unlock()
		log.Debugf("Frame cache full (%d frames), cannot allocate %p:%#x", c.capacity, owner, pn)
		return nil, linuxerr.ENOMEM
	}
	f := &Frame{
		cache: c,
		owner: owner,
		pn:    pn,
		phys:  c.allocPhysLocked(),
		data:  make([]byte, hostarch.PageSize),
	}
	f.markBusyLocked()
	c.insertLocked(f)
	c.mu.Unlock()

	err := owner.FillPage(ctx, f)

	c.mu.Lock()
	defer c.mu.Unlock()
	f.releaseLocked()
	if err != nil {
		c.removeLocked(f)
		return nil, err
	}
	fillsMetric.Increment()
	return f, nil
}

// Find returns the frame for (owner, pn) if it is resident, waiting for it
// if it is busy. It returns nil if no such frame is resident.
func (c *Cache) Find(ctx context.Context, owner Owner, pn uint64) (*Frame, error) {
	key := frameKey{owner, pn}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		f, ok := c.frames[key]
		if !ok {
			return nil, nil
		}
		if !f.busy {
			return f, nil
		}
		if err := c.waitLocked(ctx, f); err != nil {
			return nil, err
		}
	}
}

// Pin prevents f from being freed until a matching Unpin.
func (c *Cache) Pin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.pinCount++
}

// Unpin releases one Pin of f.
func (c *Cache) Unpin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.pinCount <= 0 {
		panic(fmt.Sprintf("unpinning unpinned %v", f))
	}
	f.pinCount--
}

// MarkDirty records that f has been modified.
func (c *Cache) MarkDirty(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.dirty = true
}

// Clean writes f back through its owner if it is dirty and clears the dirty
// bit on success.
func (c *Cache) Clean(ctx context.Context, f *Frame) error {
	c.mu.Lock()
	if f.busy {
		if err := c.waitLocked(ctx, f); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if f.freed || !f.dirty {
		c.mu.Unlock()
		return nil
	}
	f.markBusyLocked()
	c.mu.Unlock()

	err := f.owner.CleanPage(ctx, f)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		f.dirty = false
		cleansMetric.Increment()
	}
	f.releaseLocked()
	return err
}

// Free evicts f from the cache.
//
// Preconditions: f is not busy and not pinned.
func (c *Cache) Free(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.busy || f.pinCount > 0 {
		panic(fmt.Sprintf("freeing busy or pinned %v", f))
	}
	if f.freed {
		return
	}
	c.removeLocked(f)
	freesMetric.Increment()
}

// CleanOwner writes back every dirty frame resident for owner. Frames stay
// resident.
func (c *Cache) CleanOwner(ctx context.Context, owner Owner) error {
	c.mu.Lock()
	dirty := make([]*Frame, 0, len(c.byOwner[owner]))
	for _, f := range c.byOwner[owner] {
		if f.dirty || f.busy {
			dirty = append(dirty, f)
		}
	}
	c.mu.Unlock()

	for _, f := range dirty {
		if err := c.Clean(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// EvictOwner unpins, cleans and frees every frame resident for owner. A
// failure to clean a frame is returned after all frames have been freed; the
// frame's modifications are lost.
func (c *Cache) EvictOwner(ctx context.Context, owner Owner) error {
	var firstErr error
	for {
		c.mu.Lock()
		var f *Frame
		for _, rf := range c.byOwner[owner] {
			f = rf
			break
		}
		if f == nil {
			c.mu.Unlock()
			return firstErr
		}
		if f.busy {
			// Eviction must complete; a canceled context cannot abandon frames
			// of a dying owner.
			if err := c.waitLocked(context.WithoutCancel(ctx), f); err != nil {
				panic(fmt.Sprintf("waiting on %v: %v", f, err))
			}
			c.mu.Unlock()
			continue
		}
		f.pinCount = 0
		c.mu.Unlock()

		if err := c.Clean(ctx, f); err != nil {
			log.Warningf("Discarding dirty %v: %v", f, err)
			if firstErr == nil {
				firstErr = err
			}
		}

		c.mu.Lock()
		if !f.freed && !f.busy {
			f.pinCount = 0
			c.removeLocked(f)
			freesMetric.Increment()
		}
		c.mu.Unlock()
	}
}

// Preconditions: c.mu must be locked.
func (c *Cache) allocPhysLocked() uint64 {
	if n := len(c.free); n > 0 {
		phys := c.free[n-1]
		c.free = c.free[:n-1]
		return phys
	}
	phys := c.nextPhys
	c.nextPhys += hostarch.PageSize
	return phys
}

// Preconditions: c.mu must be locked.
func (c *Cache) insertLocked(f *Frame) {
	c.frames[frameKey{f.owner, f.pn}] = f
	m := c.byOwner[f.owner]
	if m == nil {
		m = make(map[uint64]*Frame)
		c.byOwner[f.owner] = m
	}
	m[f.pn] = f
}

// Preconditions: c.mu must be locked.
func (c *Cache) removeLocked(f *Frame) {
	delete(c.frames, frameKey{f.owner, f.pn})
	if m := c.byOwner[f.owner]; m != nil {
		delete(m, f.pn)
		if len(m) == 0 {
			delete(c.byOwner, f.owner)
		}
	}
	f.freed = true
	c.free = append(c.free, f.phys)
}
