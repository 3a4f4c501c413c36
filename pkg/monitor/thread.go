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
	"time"
	"weak"

	"basalt.dev/basalt/pkg/atomicbitops"
	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/lockstack"
)

// cacheSlots is the size of the per-thread object-to-monitor cache.
const cacheSlots = 4

type cacheEntry struct {
	// obj is weak so a cached entry never extends the object's lifetime.
	obj weak.Pointer[heap.Object]
	mon *Monitor
}

// Thread is the per-thread context for monitor operations. Obtain one with
// Manager.RegisterThread and return it with Manager.UnregisterThread.
//
// A Thread may be used by only one goroutine at a time.
type Thread struct {
	// id is the thread's nonzero ID, unique within its Manager.
	id int64

	mgr *Manager

	// lockStack records the thread's fast locks.
	lockStack lockstack.Stack

	// parker blocks and wakes the thread. Wakeups may be spurious;
	// every park sits in a recheck loop.
	parker parker

	// node queues the thread on a monitor's entry list or wait set.
	node queueNode

	// epoch counts critical-region boundaries; an even value means the
	// thread is outside any critical region. The deflater's quiescence
	// rendezvous waits for each thread to be observed outside.
	epoch atomicbitops.Uint64

	// hashState seeds the thread-local identity hash generator.
	hashState uint64

	// heldMonitors counts monitors currently owned through the inflated
	// path, for the unregistration leak audit.
	heldMonitors int

	// cache remembers recently entered monitors to skip resolution.
	// Entries are validated against the monitor's object on every hit.
	cache     [cacheSlots]cacheEntry
	cacheNext uint8
}

// ID returns the thread's ID.
func (t *Thread) ID() int64 {
	return t.id
}

// beginCritical enters a critical region. Raw monitor pointers obtained
// from headers or the monitor table may only be dereferenced between
// beginCritical and endCritical, or while pinned.
//
// Critical regions must not block: no parking, no waiting on other locks.
func (t *Thread) beginCritical() {
	t.epoch.Add(1)
}

// endCritical leaves a critical region.
func (t *Thread) endCritical() {
	t.epoch.Add(1)
}

// cacheLookup returns the cached monitor for o, or nil.
func (t *Thread) cacheLookup(o *heap.Object) *Monitor {
	for i := range t.cache {
		if t.cache[i].obj.Value() == o {
			return t.cache[i].mon
		}
	}
	return nil
}

// cacheInsert remembers m as o's monitor.
func (t *Thread) cacheInsert(o *heap.Object, m *Monitor) {
	for i := range t.cache {
		if t.cache[i].obj.Value() == o {
			t.cache[i].mon = m
			return
		}
	}
	t.cache[t.cacheNext%cacheSlots] = cacheEntry{obj: weak.Make(o), mon: m}
	t.cacheNext++
}

// cacheDrop forgets any cached monitor for o.
func (t *Thread) cacheDrop(o *heap.Object) {
	for i := range t.cache {
		if t.cache[i].obj.Value() == o {
			t.cache[i] = cacheEntry{}
		}
	}
}

// parker blocks and wakes a single thread. The buffered channel holds at
// most one wakeup token, so an unpark delivered before the park completes
// is not lost.
type parker struct {
	ch chan struct{}
}

func (p *parker) init() {
	p.ch = make(chan struct{}, 1)
}

// park blocks until a token arrives. A leftover token from an earlier
// episode makes park return immediately; callers recheck their condition
// in a loop.
func (p *parker) park() {
	<-p.ch
}

// parkTimeout blocks like park for at most d. It returns false on timeout.
func (p *parker) parkTimeout(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ch:
		return true
	case <-timer.C:
		return false
	}
}

// unpark delivers a wakeup token if none is pending.
func (p *parker) unpark() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}
