// Copyright 2025 The Basalt Authors.
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

package monitor

import (
	"runtime"
	"sync/atomic"
	"unsafe"
	"weak"

	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/sync"
)

// segmentSize is the number of monitors per arena segment.
const segmentSize = 512

const (
	handleGenBits = 30
	handleGenMask = 1<<handleGenBits - 1
)

// Handle names a monitor by arena slot and slot generation. Handles fit in
// the payload of a Monitor-tagged header word. A handle goes stale when
// its monitor is freed; resolving a stale handle yields nil.
type Handle uint64

func makeHandle(slot uint32, gen uint32) Handle {
	return Handle(uint64(gen&handleGenMask)<<32 | uint64(slot))
}

func (h Handle) slotIndex() uint32 {
	return uint32(h)
}

func (h Handle) generation() uint32 {
	return uint32(h>>32) & handleGenMask
}

type segment struct {
	slots [segmentSize]Monitor
}

// arena allocates monitors from fixed slabs. Slab memory is never
// released, so a stale *Monitor is always safe to address; staleness is
// detected by generation, and slots are only recycled after a quiescence
// rendezvous guarantees no thread still holds a pointer from the previous
// generation.
type arena struct {
	mu sync.Mutex

	// dir is the segment directory. Grown copy-on-write under mu;
	// resolve reads it without locking.
	dir atomic.Pointer[[]*segment]

	// freeHead heads the free list. Guarded by mu.
	freeHead *Monitor

	// next is the first never-allocated slot. Guarded by mu.
	next uint32
}

// alloc returns a monitor for o with all state reset.
func (a *arena) alloc(o *heap.Object) *Monitor {
	a.mu.Lock()
	m := a.freeHead
	recycled := m != nil
	if recycled {
		a.freeHead = m.freeNext
		m.freeNext = nil
	} else {
		m = a.grow()
	}
	a.mu.Unlock()

	m.object = weak.Make(o)
	m.typeName = o.TypeName
	m.addr = uintptr(unsafe.Pointer(o))
	m.cause = 0
	m.owner.Store(noOwner)
	m.recursion.Store(0)
	m.waiters.Store(0)
	m.stickyHash.Store(0)
	m.entryList.Store(nil)
	m.registryNext.Store(nil)
	m.handle = makeHandle(m.slot, m.gen.Load())

	// Unsealing publishes the writes above. A recycled slot stays sealed
	// until here so that a thread pinning it through a stale cache entry
	// bounces rather than observing a half-reset monitor; the CAS waits
	// out any such pin still between its increment and its undo.
	if recycled {
		for !m.contentions.CompareAndSwap(sealedContentions, 0) {
			runtime.Gosched()
		}
	}
	return m
}

// grow takes the next fresh slot, extending the directory if needed.
//
// Preconditions: a.mu is locked.
func (a *arena) grow() *Monitor {
	var dir []*segment
	if p := a.dir.Load(); p != nil {
		dir = *p
	}
	seg := int(a.next) / segmentSize
	if seg == len(dir) {
		grown := make([]*segment, len(dir)+1)
		copy(grown, dir)
		grown[len(dir)] = &segment{}
		a.dir.Store(&grown)
		dir = grown
	}
	m := &dir[seg].slots[int(a.next)%segmentSize]
	m.slot = a.next
	a.next++
	return m
}

// free recycles m. The slot generation is bumped first, so handles minted
// for the old generation stop resolving immediately.
//
// Preconditions: m is sealed. Either it was never published (its handle
// never reached a header and it was never pushed to the registry), or it
// is unlinked from the registry, detached from any object header, and a
// quiescence rendezvous has completed since it became unreachable.
func (a *arena) free(m *Monitor) {
	m.gen.Add(1)
	a.mu.Lock()
	m.freeNext = a.freeHead
	a.freeHead = m
	a.mu.Unlock()
}

// resolve returns the monitor named by h, or nil if h is stale.
func (a *arena) resolve(h Handle) *Monitor {
	p := a.dir.Load()
	if p == nil {
		return nil
	}
	dir := *p
	idx := h.slotIndex()
	seg := int(idx) / segmentSize
	if seg >= len(dir) {
		return nil
	}
	m := &dir[seg].slots[int(idx)%segmentSize]
	if m.gen.Load()&handleGenMask != h.generation() {
		return nil
	}
	return m
}
