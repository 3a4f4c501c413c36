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

	"basalt.dev/basalt/pkg/atomicbitops"
	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/log"
	"basalt.dev/basalt/pkg/metric"
	"basalt.dev/basalt/pkg/sync"
)

// Default option values.
const (
	DefaultTableBuckets      = 1024
	DefaultDeflationInterval = 250 * time.Millisecond
	DefaultInUseCeiling      = 1024
	DefaultSpinLimit         = 64
)

// Options configures a Manager.
type Options struct {
	// Strategy selects how monitors are located from objects. The zero
	// value is StrategyStack.
	Strategy LockingStrategy

	// TableBuckets is the monitor table size under StrategyTable,
	// rounded up to a power of two. Zero means DefaultTableBuckets.
	TableBuckets int

	// DeflationInterval is the background deflater's cadence. Zero
	// means DefaultDeflationInterval.
	DeflationInterval time.Duration

	// InUseCeiling is the monitor population above which deflation is
	// requested eagerly. The ceiling rises when deflation cycles make
	// no progress. Zero means DefaultInUseCeiling.
	InUseCeiling int64

	// SpinLimit bounds spinning before a contending thread parks. Zero
	// means DefaultSpinLimit.
	SpinLimit int

	// EventSink, if non-nil, receives monitor lifecycle events.
	EventSink EventSink

	// Metrics, if non-nil, is the registry receiving the subsystem's
	// counters and gauges. Nil means a private registry, still
	// exportable through Manager.WriteMetrics.
	Metrics *metric.Registry
}

func (o Options) withDefaults() Options {
	if o.TableBuckets == 0 {
		o.TableBuckets = DefaultTableBuckets
	}
	if o.DeflationInterval == 0 {
		o.DeflationInterval = DefaultDeflationInterval
	}
	if o.InUseCeiling == 0 {
		o.InUseCeiling = DefaultInUseCeiling
	}
	if o.SpinLimit == 0 {
		o.SpinLimit = DefaultSpinLimit
	}
	return o
}

// Manager owns the monitors for one object population: the arena they live
// in, the registry of those in use, the deflater that reclaims them, and
// the threads that use them.
type Manager struct {
	opts     Options
	arena    arena
	registry registry
	strategy locking
	table    *table // nil under StrategyStack
	sink     EventSink
	metrics  *managerMetrics

	// mu guards threads.
	mu      sync.Mutex
	threads map[int64]*Thread

	nextTID     atomicbitops.Int64
	threadCount atomicbitops.Int64

	// ceiling is the in-use population that triggers eager deflation.
	ceiling atomicbitops.Int64

	// deflateMu makes deflation cycles single-flight.
	deflateMu sync.Mutex

	// stop/wake drive the background deflater.
	stop    chan struct{}
	wake    chan struct{}
	running atomicbitops.Bool
	wg      sync.WaitGroup
}

// New returns a Manager with no background deflater running; call Start to
// launch it, or drive cycles manually with DeflateIdle.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	mgr := &Manager{
		opts:    opts,
		sink:    opts.EventSink,
		threads: make(map[int64]*Thread),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	mgr.ceiling.Store(opts.InUseCeiling)
	if opts.Strategy == StrategyTable {
		mgr.table = newTable(opts.TableBuckets)
		mgr.strategy = &tableLocking{mgr: mgr, table: mgr.table}
	} else {
		mgr.strategy = &stackLocking{mgr: mgr}
	}
	mgr.metrics = newManagerMetrics(opts.Metrics, mgr)
	return mgr
}

// RegisterThread creates a thread context. Each participating goroutine
// needs its own.
func (mgr *Manager) RegisterThread() *Thread {
	t := &Thread{
		id:  mgr.nextTID.Add(1),
		mgr: mgr,
	}
	t.hashState = hashSeed(t.id)
	t.node.t = t
	t.parker.init()
	mgr.mu.Lock()
	mgr.threads[t.id] = t
	mgr.mu.Unlock()
	mgr.threadCount.Add(1)
	return t
}

var leakLog = log.BasicRateLimitedLogger(30 * time.Second)

// UnregisterThread retires t. A thread that still holds locks is a bug in
// the caller; it is logged and counted, and its monitors stay owned.
func (mgr *Manager) UnregisterThread(t *Thread) {
	if t.epoch.Load()&1 != 0 {
		panic("unregistering a thread inside a critical region")
	}
	if !t.lockStack.Empty() || t.heldMonitors != 0 {
		mgr.metrics.leakedThreads.Increment()
		leakLog.Warningf("monitor: thread %d unregistered holding %d fast locks and %d monitors", t.id, t.lockStack.Depth(), t.heldMonitors)
	}
	mgr.mu.Lock()
	delete(mgr.threads, t.id)
	mgr.mu.Unlock()
	mgr.threadCount.Add(-1)
}

// Enter acquires o's lock for t, blocking while another thread holds it.
// Acquisitions are recursive: each Enter must be balanced by an Exit.
//
// Acquisition order is not FIFO: releasing a lock leaves it unowned and
// wakes one queued contender, but any arriving thread may barge in ahead
// of the wakee. Every contender is woken eventually, but no bound is
// guaranteed on how many times it loses the race.
func (mgr *Manager) Enter(t *Thread, o *heap.Object) {
	var s spinner
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Unlocked:
			if t.lockStack.Full() {
				mgr.inflateOldest(t)
				continue
			}
			if o.CasHeader(w, heap.MakeFastLocked(t.id, w.Hash())) {
				t.lockStack.Push(o)
				return
			}
		case heap.FastLocked:
			if w.ThreadID() == t.id {
				if t.lockStack.Top() == o && !t.lockStack.Full() {
					t.lockStack.Push(o)
					return
				}
				// Recursion the lock stack cannot express.
				mgr.enterInflated(t, o, CauseRecursion)
				return
			}
			mgr.enterInflated(t, o, CauseContention)
			return
		case heap.Inflating:
			s.pause()
		case heap.Monitor:
			mgr.enterInflated(t, o, CauseContention)
			return
		}
	}
}

// enterInflated acquires o through its monitor, inflating one if needed.
func (mgr *Manager) enterInflated(t *Thread, o *heap.Object, cause InflationCause) {
	if m := t.cacheLookup(o); m != nil {
		if m.pin() {
			if mgr.enterPinned(t, m, o) {
				return
			}
		}
		t.cacheDrop(o)
	}
	var s spinner
	for {
		t.beginCritical()
		m := mgr.strategy.inflate(t, o, cause)
		pinned := m.pin()
		t.endCritical()
		if !pinned {
			// The monitor was sealed between installation and our
			// pin; the deflater will restore the header.
			mgr.metrics.rescues.Increment()
			s.pause()
			continue
		}
		if mgr.enterPinned(t, m, o) {
			return
		}
		s.pause()
	}
}

// enterPinned completes an acquisition through m, which must be pinned.
// It returns false if m no longer belongs to o. The pin is always
// released.
func (mgr *Manager) enterPinned(t *Thread, m *Monitor, o *heap.Object) bool {
	defer m.unpin()
	if m.object.Value() != o {
		return false
	}
	if mgr.adopt(t, m, o) {
		// Already the owner one way or another; this entry is one more
		// recursion.
		m.recursion.Store(m.recursion.Load() + 1)
		t.cacheInsert(o, m)
		return true
	}
	mgr.acquire(t, m, true)
	t.cacheInsert(o, m)
	return true
}

// adopt normalizes t's ownership of m: reconstructing the recursion count
// after a contender inflated our fast lock, or claiming an anonymous
// monitor. It returns false if t does not own m.
func (mgr *Manager) adopt(t *Thread, m *Monitor, o *heap.Object) bool {
	if m.owner.Load() == t.id {
		if m.recursion.Load() == recursionUnknown {
			m.recursion.Store(int32(t.lockStack.RemoveAll(o) - 1))
			t.heldMonitors++
		}
		return true
	}
	return mgr.claimAnonymous(t, m, o)
}

// claimAnonymous converts t's fast lock on o into ownership of m. Only the
// fast-lock holder may claim; o's presence on t's lock stack is the proof.
func (mgr *Manager) claimAnonymous(t *Thread, m *Monitor, o *heap.Object) bool {
	if m.owner.Load() != anonymousOwner || !t.lockStack.Contains(o) {
		return false
	}
	n := t.lockStack.RemoveAll(o)
	if !m.owner.CompareAndSwap(anonymousOwner, t.id) {
		panic("anonymous monitor claimed by another thread")
	}
	m.recursion.Store(int32(n - 1))
	t.heldMonitors++
	return true
}

// acquire obtains ownership of m for t, queueing and parking as needed.
//
// Preconditions: t does not own m; m is pinned or has waiters accounted to
// t, so it cannot be deflated.
func (mgr *Manager) acquire(t *Thread, m *Monitor, spin bool) {
	if spin {
		var s spinner
		for i := 0; i < mgr.opts.SpinLimit; i++ {
			if m.tryLock(t.id) {
				t.heldMonitors++
				return
			}
			s.pause()
		}
	}
	n := &t.node
	for {
		if m.tryLock(t.id) {
			m.unlinkEntry(n)
			t.heldMonitors++
			return
		}
		if !n.queued.Load() {
			// First pass, or popped by an exiting owner but beaten
			// to the lock: queue (again) and recheck before parking.
			m.pushEntry(n)
			continue
		}
		t.parker.park()
	}
}

// Exit releases one acquisition of o's lock by t.
func (mgr *Manager) Exit(t *Thread, o *heap.Object) error {
	var s spinner
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Unlocked:
			return ErrNotOwner
		case heap.FastLocked:
			if w.ThreadID() != t.id {
				return ErrNotOwner
			}
			if t.lockStack.Count(o) > 1 {
				// Recursive fast lock; the header keeps its tag.
				t.lockStack.Remove(o)
				return nil
			}
			if !t.lockStack.Contains(o) {
				// The header names us but the lock is not on our
				// stack: unbalanced Exit.
				return ErrNotOwner
			}
			if o.CasHeader(w, heap.MakeUnlocked(w.Hash())) {
				t.lockStack.Remove(o)
				return nil
			}
			// Inflated from under us; release through the monitor.
		case heap.Inflating:
			s.pause()
		case heap.Monitor:
			m, ok := mgr.resolvePinned(t, o, w)
			if !ok {
				s.pause()
				continue
			}
			return mgr.exitPinned(t, m, o)
		}
	}
}

// exitPinned releases one acquisition through m, which must be pinned for
// o. The pin is always released.
func (mgr *Manager) exitPinned(t *Thread, m *Monitor, o *heap.Object) error {
	defer m.unpin()
	if !mgr.adopt(t, m, o) {
		return ErrNotOwner
	}
	if r := m.recursion.Load(); r > 0 {
		m.recursion.Store(r - 1)
		return nil
	}
	t.heldMonitors--
	m.release(t.id)
	return nil
}

// resolvePinned resolves and pins o's monitor named by header word w. It
// fails if the word went stale or the monitor is being deflated; the
// caller restarts from the header.
func (mgr *Manager) resolvePinned(t *Thread, o *heap.Object, w heap.Word) (*Monitor, bool) {
	t.beginCritical()
	m := mgr.strategy.resolve(t, o, w)
	pinned := m != nil && m.pin()
	t.endCritical()
	if !pinned {
		return nil, false
	}
	if m.object.Value() != o {
		m.unpin()
		return nil, false
	}
	return m, true
}

// inflateOldest relieves a full lock stack by migrating its oldest fast
// lock into a monitor.
func (mgr *Manager) inflateOldest(t *Thread) {
	o := t.lockStack.Oldest()
	if o == nil {
		panic("relieving an empty lock stack")
	}
	for {
		t.beginCritical()
		m := mgr.strategy.inflate(t, o, CauseStackOverflow)
		pinned := m.pin()
		t.endCritical()
		if !pinned {
			continue
		}
		mgr.adopt(t, m, o)
		m.unpin()
		return
	}
}

// Owns returns true if t currently holds o's lock.
func (mgr *Manager) Owns(t *Thread, o *heap.Object) bool {
	var s spinner
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Unlocked:
			return false
		case heap.FastLocked:
			return w.ThreadID() == t.id
		case heap.Inflating:
			s.pause()
		case heap.Monitor:
			m, ok := mgr.resolvePinned(t, o, w)
			if !ok {
				s.pause()
				continue
			}
			owner := m.owner.Load()
			owns := owner == t.id || (owner == anonymousOwner && t.lockStack.Contains(o))
			m.unpin()
			return owns
		}
	}
}

// noteInflation records an inflation and nudges the deflater if the
// population crossed the ceiling.
func (mgr *Manager) noteInflation(t *Thread, m *Monitor, cause InflationCause) {
	mgr.metrics.inflations[cause].Increment()
	if mgr.sink != nil {
		mgr.sink.Event(Event{Kind: KindInflated, TypeName: m.typeName, Addr: m.addr, Thread: t.id, Cause: cause})
	}
	if mgr.registry.count.Load() > mgr.ceiling.Load() {
		mgr.poke()
	}
}
