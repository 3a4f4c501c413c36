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
	"fmt"
	"runtime"

	"basalt.dev/basalt/pkg/heap"
)

// LockingStrategy selects how inflated monitors are located from objects.
type LockingStrategy int

const (
	// StrategyStack stores a monitor handle directly in the object
	// header. Installation is serialized by the Inflating sentinel.
	StrategyStack LockingStrategy = iota

	// StrategyTable keeps the identity hash in the header and maps
	// objects to monitors through a concurrent hash table. Monitors are
	// born with an anonymous owner; the fast-lock holder claims
	// ownership on its next operation, proved by its lock stack.
	StrategyTable
)

// String implements fmt.Stringer.String.
func (s LockingStrategy) String() string {
	switch s {
	case StrategyStack:
		return "stack"
	case StrategyTable:
		return "table"
	default:
		return fmt.Sprintf("LockingStrategy(%d)", int(s))
	}
}

// locking is the strategy-dependent slice of the monitor lifecycle:
// locating a monitor from a header word, installing one, and reversing the
// installation during deflation.
//
// inflate and resolve return raw monitors; callers dereference them only
// inside a critical region or pinned, per the package discipline.
type locking interface {
	// resolve returns o's monitor per header word w, or nil if w is
	// stale.
	//
	// Preconditions: w.Tag() == heap.Monitor; the caller is inside a
	// critical region.
	resolve(t *Thread, o *heap.Object, w heap.Word) *Monitor

	// inflate returns o's monitor, installing one if none is present.
	//
	// Preconditions: the caller is inside a critical region.
	inflate(t *Thread, o *heap.Object, cause InflationCause) *Monitor

	// uninstall detaches a sealed monitor from its object, restoring
	// the object's plain header. A nil object (already collected) is a
	// no-op; table entries for dead objects fall to pruneDead.
	//
	// Preconditions: m.trySeal() succeeded and m is still sealed.
	uninstall(m *Monitor)

	// name identifies the strategy in logs.
	name() string
}

// stackLocking implements the header-handle strategy.
type stackLocking struct {
	mgr *Manager
}

func (s *stackLocking) name() string { return "stack" }

func (s *stackLocking) resolve(t *Thread, o *heap.Object, w heap.Word) *Monitor {
	return s.mgr.arena.resolve(Handle(w.Payload()))
}

func (s *stackLocking) inflate(t *Thread, o *heap.Object, cause InflationCause) *Monitor {
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Monitor:
			if m := s.mgr.arena.resolve(Handle(w.Payload())); m != nil {
				return m
			}
			// Stale handle; the header is about to change.
			runtime.Gosched()
		case heap.Inflating:
			runtime.Gosched()
		default:
			if !o.CasHeader(w, heap.MakeInflating()) {
				continue
			}
			// The sentinel is held: no other thread can install or
			// read a monitor until the publishing store below.
			m := s.mgr.arena.alloc(o)
			m.cause = cause
			m.stickyHash.Store(w.Hash())
			if w.Tag() == heap.FastLocked {
				if w.ThreadID() == t.id {
					// Inflating our own fast lock: the exact
					// count is on our stack.
					n := t.lockStack.RemoveAll(o)
					m.owner.Store(t.id)
					m.recursion.Store(int32(n - 1))
					t.heldMonitors++
				} else {
					// The owner reconstructs its recursion
					// from its own stack later.
					m.owner.Store(w.ThreadID())
					m.recursion.Store(recursionUnknown)
				}
			}
			// Publish the header before the registry: a monitor the
			// deflater can see must already be detachable.
			o.SetHeader(heap.MakeMonitor(uint64(m.handle)))
			s.mgr.registry.push(m)
			s.mgr.noteInflation(t, m, cause)
			return m
		}
	}
}

func (s *stackLocking) uninstall(m *Monitor) {
	o := m.object.Value()
	if o == nil {
		return
	}
	old := heap.MakeMonitor(uint64(m.handle))
	if !o.CasHeader(old, heap.MakeUnlocked(m.stickyHash.Load())) {
		// Monitor-tagged headers are only rewritten by the deflater,
		// and the monitor is sealed.
		panic(fmt.Sprintf("header of %s changed during deflation", m.typeName))
	}
}

// tableLocking implements the hash-table strategy.
type tableLocking struct {
	mgr   *Manager
	table *table
}

func (s *tableLocking) name() string { return "table" }

func (s *tableLocking) resolve(t *Thread, o *heap.Object, w heap.Word) *Monitor {
	return s.table.lookup(o)
}

func (s *tableLocking) inflate(t *Thread, o *heap.Object, cause InflationCause) *Monitor {
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Monitor:
			if m := s.table.lookup(o); m != nil {
				return m
			}
			// Deflation won the bucket lock; the restored header is
			// imminent.
			runtime.Gosched()
		case heap.Inflating:
			panic("Inflating sentinel under the table strategy")
		default:
			// The hash rides in the Monitor-tagged header, so it
			// must be assigned before installation.
			if w.Hash() == 0 {
				if o.CasHeader(w, w.WithHash(t.nextHash())) {
					s.mgr.metrics.hashInstalls.Increment()
				}
				continue
			}
			if m := s.install(t, o, w, cause); m != nil {
				return m
			}
		}
	}
}

// install publishes a monitor for o, creating one if the table has none.
// A monitor installed over a fast lock is born anonymous and adopted by
// the fast-lock holder on its next operation; one installed over an
// unlocked header is born unowned. Publication shares the bucket lock
// with deflation's uninstall, so a Monitor-tagged header never dangles.
func (s *tableLocking) install(t *Thread, o *heap.Object, w heap.Word, cause InflationCause) *Monitor {
	b := s.table.bucketFor(o)
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.Header() != w {
		// The header churned before we got the lock; reassess.
		return nil
	}
	m := b.find(o)
	inserted := false
	if m == nil {
		m = s.mgr.arena.alloc(o)
		m.cause = cause
		if w.Tag() == heap.FastLocked {
			m.owner.Store(anonymousOwner)
		}
		m.stickyHash.Store(w.Hash())
		b.insert(o, m)
		inserted = true
	}
	if !o.CasHeader(w, heap.MakeMonitorHashed(w.Hash())) {
		// Lost the header race: the fast-lock holder released, or a
		// fast-locker beat us to an unlocked header. Never leave an
		// unpublished monitor behind: an anonymous monitor with no
		// fast-lock holder would never be claimed or deflated.
		if inserted {
			b.remove(o)
			m.owner.Store(deflaterOwner)
			m.contentions.Store(sealedContentions)
			s.mgr.arena.free(m)
		}
		return nil
	}
	if inserted {
		s.mgr.registry.push(m)
		s.mgr.noteInflation(t, m, cause)
	}
	return m
}

func (s *tableLocking) uninstall(m *Monitor) {
	o := m.object.Value()
	if o == nil {
		return
	}
	b := s.table.bucketFor(o)
	b.mu.Lock()
	defer b.mu.Unlock()
	h := m.stickyHash.Load()
	if !o.CasHeader(heap.MakeMonitorHashed(h), heap.MakeUnlocked(h)) {
		panic(fmt.Sprintf("header of %s changed during deflation", m.typeName))
	}
	b.remove(o)
}
