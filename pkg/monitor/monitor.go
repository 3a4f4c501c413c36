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

// Package monitor implements per-object recursive locks with wait/notify,
// as used by managed-runtime object models.
//
// Every heap.Object can act as a lock. Uncontended acquisitions are "fast
// locks": a single compare-and-swap of the object's header word plus an
// entry on the owning thread's lock stack. Contention, waiting, recursion
// beyond what the lock stack can express, and lock-stack overflow all
// promote the object to a full monitor ("inflation"). Idle monitors are
// reclaimed asynchronously by a deflater that restores the object's plain
// header ("deflation"); reclamation is deferred past a quiescence
// rendezvous with all registered threads so stale header reads can never
// touch a recycled monitor.
//
// Monitors live in a slab arena and are referenced by generation-checked
// handles, never by raw pointers stored outside the package. A raw
// *Monitor obtained from a header or the monitor table is only dereferenced
// inside a thread critical region (Thread.beginCritical/endCritical) or
// while pinned via its contention count; both disciplines keep the deflater
// from recycling it mid-use.
package monitor

import (
	"fmt"
	"math"
	"sync/atomic"
	"weak"

	"basalt.dev/basalt/pkg/atomicbitops"
	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/sync"
)

// Owner sentinels. Positive values are thread IDs.
const (
	// noOwner means the monitor is unowned.
	noOwner int64 = 0

	// anonymousOwner means the monitor's object is fast-locked by a
	// thread that has not yet claimed the monitor. Only the fast-lock
	// holder may claim it, proved by the object's presence on its lock
	// stack.
	anonymousOwner int64 = -1

	// deflaterOwner marks a monitor the deflater is evaluating. It
	// excludes new owners the way any owner does.
	deflaterOwner int64 = -2
)

// recursionUnknown means the owner's recursion count still lives on its
// lock stack; the owner reconstructs it on its next operation.
const recursionUnknown int32 = -1

// sealedContentions is swung into Monitor.contentions by the deflater to
// seal an idle monitor. Any later pin attempt observes a negative count
// and backs off to the object header.
const sealedContentions = int32(math.MinInt32)

// Monitor is an inflated lock. Monitors are allocated from the Manager's
// arena and recycled after deflation; all fields are reset at allocation.
type Monitor struct {
	// slot is the arena slot index. Immutable.
	slot uint32

	// gen counts recycles of this slot. Incremented on free; handles
	// embedding an older generation no longer resolve.
	gen atomicbitops.Uint32

	// handle names this monitor in object headers.
	handle Handle

	// object weakly references the monitored object, so an otherwise
	// dead object is not kept alive by its idle monitor.
	object weak.Pointer[heap.Object]

	// typeName is the object's type at inflation time, for diagnostics.
	typeName string

	// addr is the object's address at inflation time, for diagnostics.
	addr uintptr

	// cause records why the monitor was inflated.
	cause InflationCause

	// owner is the owning thread ID or one of the sentinels above.
	owner atomicbitops.Int64

	// recursion counts acquisitions beyond the first. Only the owner
	// reads or writes it, except for racy diagnostic loads.
	recursion atomicbitops.Int32

	// contentions counts threads between resolving this monitor and
	// completing their entry. A pinned monitor cannot be deflated.
	contentions atomicbitops.Int32

	// waiters counts threads between the start of a wait and the
	// completion of their re-entry. A monitor with waiters cannot be
	// deflated.
	waiters atomicbitops.Int32

	// stickyHash is the object's identity hash. It survives inflation
	// and deflation; zero means unassigned. Seeded from the header word
	// before publication, CASed at most once afterwards.
	stickyHash atomicbitops.Uint32

	// entryList is a LIFO stack of contending threads. Any thread may
	// push; only the current owner (including the deflater holding its
	// marker) pops or unlinks.
	entryList atomic.Pointer[queueNode]

	// waitLock guards waitSet and the wait-set fields of queued nodes.
	// Critical sections are tiny and never block.
	waitLock sync.Mutex

	// waitSet holds threads in Wait, in arrival order.
	waitSet waitList

	// registryNext links monitors in the in-use registry.
	registryNext atomic.Pointer[Monitor]

	// freeNext links free monitors in the arena, under its lock.
	freeNext *Monitor
}

// pin registers the caller as a prospective entrant, excluding deflation.
// It returns false if the monitor is sealed; the caller must restart from
// the object header.
func (m *Monitor) pin() bool {
	if c := m.contentions.Add(1); c <= 0 {
		m.contentions.Add(-1)
		return false
	}
	return true
}

// unpin drops a pin.
func (m *Monitor) unpin() {
	m.contentions.Add(-1)
}

// tryLock attempts an uncontended acquisition.
func (m *Monitor) tryLock(tid int64) bool {
	return m.owner.CompareAndSwap(noOwner, tid)
}

// release releases ownership and, if contenders are queued, wakes one.
//
// Whoever holds the monitor is responsible for waking a successor: if the
// re-acquisition below fails, a barging thread took the lock and its own
// release will repeat the protocol.
//
// Preconditions: m.owner is from; m.recursion is 0.
func (m *Monitor) release(from int64) {
	m.owner.Store(noOwner)
	if m.entryList.Load() == nil {
		return
	}
	if !m.owner.CompareAndSwap(noOwner, from) {
		return
	}
	n := m.popEntry()
	m.owner.Store(noOwner)
	if n != nil {
		n.t.parker.unpark()
	}
}

// pushEntry queues n as a contender. Any thread may push.
func (m *Monitor) pushEntry(n *queueNode) {
	n.queued.Store(true)
	for {
		head := m.entryList.Load()
		n.next = head
		if m.entryList.CompareAndSwap(head, n) {
			return
		}
	}
}

// popEntry removes and returns the most recently queued contender, or nil.
//
// Preconditions: the caller holds ownership, so no other thread pops;
// pushes only ever prepend.
func (m *Monitor) popEntry() *queueNode {
	for {
		head := m.entryList.Load()
		if head == nil {
			return nil
		}
		if m.entryList.CompareAndSwap(head, head.next) {
			head.next = nil
			head.queued.Store(false)
			return head
		}
	}
}

// unlinkEntry removes n from the entry list if it is still queued. Used by
// a thread that acquired the monitor while its node was queued.
//
// Preconditions: the caller holds ownership.
func (m *Monitor) unlinkEntry(n *queueNode) {
	if !n.queued.Load() {
		return
	}
	for {
		head := m.entryList.Load()
		if head == n {
			if m.entryList.CompareAndSwap(n, n.next) {
				break
			}
			// A fresh push made n interior; fall through.
			continue
		}
		// The interior is stable while we own the monitor: pushes only
		// touch the head and nobody else unlinks.
		prev := head
		for prev != nil && prev.next != n {
			prev = prev.next
		}
		if prev == nil {
			break
		}
		prev.next = n.next
		break
	}
	n.next = nil
	n.queued.Store(false)
}

// trySeal attempts to take an idle monitor out of service. On success the
// monitor is owned by the deflater marker, its contention count is sealed,
// and no thread can enter, wait on, or pin it.
func (m *Monitor) trySeal() bool {
	if !m.owner.CompareAndSwap(noOwner, deflaterOwner) {
		return false
	}
	if !m.contentions.CompareAndSwap(0, sealedContentions) {
		m.release(deflaterOwner)
		return false
	}
	if m.waiters.Load() != 0 || m.entryList.Load() != nil {
		// Adding MinInt32 again wraps the seal away while preserving
		// any racing pin increments.
		m.contentions.Add(sealedContentions)
		m.release(deflaterOwner)
		return false
	}
	return true
}

// String implements fmt.Stringer.String. The snapshot is racy and intended
// for diagnostics only.
func (m *Monitor) String() string {
	return fmt.Sprintf("monitor{%s owner=%d recursion=%d contentions=%d waiters=%d hash=%#x cause=%v}",
		m.typeName, m.owner.RacyLoad(), m.recursion.RacyLoad(), m.contentions.RacyLoad(), m.waiters.RacyLoad(), m.stickyHash.RacyLoad(), m.cause)
}
