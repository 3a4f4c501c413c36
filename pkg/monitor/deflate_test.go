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
	"sync"
	"testing"
	"time"
	"unsafe"
	"weak"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"basalt.dev/basalt/pkg/heap"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// inflateIdle installs a monitor for a fresh object without entering it, so
// the monitor is immediately deflatable. It returns the object and a weak
// reference to it.
func inflateIdle(mgr *Manager, th *Thread, typeName string) (*heap.Object, weak.Pointer[heap.Object]) {
	o := heap.NewObject(typeName)
	th.beginCritical()
	mgr.strategy.inflate(th, o, CauseContention)
	th.endCritical()
	return o, weak.Make(o)
}

func TestDeflateIdleReclaims(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, mgr *Manager) {
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)
		a := heap.NewObject("test.A")
		b := heap.NewObject("test.B")

		mgr.Enter(th, a)
		mgr.Enter(th, b)
		mgr.Enter(th, a) // inflates a
		for _, o := range []*heap.Object{a, b, a} {
			if err := mgr.Exit(th, o); err != nil {
				t.Fatalf("Exit: got %v, wanted nil", err)
			}
		}
		if got := mgr.Stats().InUse; got != 1 {
			t.Fatalf("in use before deflation: got %d, wanted 1", got)
		}

		if got := mgr.DeflateIdle(); got != 1 {
			t.Fatalf("DeflateIdle: got %d, wanted 1", got)
		}
		stats := mgr.Stats()
		if stats.InUse != 0 {
			t.Errorf("in use after deflation: got %d, wanted 0", stats.InUse)
		}
		if stats.Deflations != 1 {
			t.Errorf("deflations: got %d, wanted 1", stats.Deflations)
		}
		if stats.DeflationCycles != 1 {
			t.Errorf("cycles: got %d, wanted 1", stats.DeflationCycles)
		}
		if stats.Handshakes != 1 {
			t.Errorf("handshakes: got %d, wanted 1", stats.Handshakes)
		}
		if tag := a.Header().Tag(); tag != heap.Unlocked {
			t.Errorf("header tag after deflation: got %v, wanted %v", tag, heap.Unlocked)
		}

		// An empty cycle reclaims nothing and skips the rendezvous.
		if got := mgr.DeflateIdle(); got != 0 {
			t.Errorf("empty DeflateIdle: got %d, wanted 0", got)
		}
		if got := mgr.Stats().Handshakes; got != 1 {
			t.Errorf("handshakes after empty cycle: got %d, wanted 1", got)
		}

		// The object is a plain fast-lockable object again.
		mgr.Enter(th, a)
		if tag := a.Header().Tag(); tag != heap.FastLocked {
			t.Errorf("header tag after re-enter: got %v, wanted %v", tag, heap.FastLocked)
		}
		if err := mgr.Exit(th, a); err != nil {
			t.Fatalf("re-enter Exit: got %v, wanted nil", err)
		}
	})
}

// TestDeflationSkipsBusy checks each of the deflation guards in turn:
// ownership, a prospective entrant's pin, and a parked waiter.
func TestDeflationSkipsBusy(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, mgr *Manager) {
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)
		a := heap.NewObject("test.A")
		b := heap.NewObject("test.B")

		// Owned.
		mgr.Enter(th, a)
		mgr.Enter(th, b)
		mgr.Enter(th, a)
		if got := mgr.DeflateIdle(); got != 0 {
			t.Fatalf("DeflateIdle of owned monitor: got %d, wanted 0", got)
		}
		for _, o := range []*heap.Object{a, b, a} {
			if err := mgr.Exit(th, o); err != nil {
				t.Fatalf("Exit: got %v, wanted nil", err)
			}
		}

		// Pinned by a prospective entrant.
		th.beginCritical()
		m := mgr.strategy.resolve(th, a, a.Header())
		th.endCritical()
		if m == nil {
			t.Fatal("resolve: got nil, wanted the idle monitor")
		}
		if !m.pin() {
			t.Fatal("pin: got false, wanted true")
		}
		if got := mgr.DeflateIdle(); got != 0 {
			t.Errorf("DeflateIdle of pinned monitor: got %d, wanted 0", got)
		}
		m.unpin()

		// Released and unpinned.
		if got := mgr.DeflateIdle(); got != 1 {
			t.Errorf("DeflateIdle of idle monitor: got %d, wanted 1", got)
		}
	})
}

func TestDeflationSkipsWaiters(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, mgr *Manager) {
		o := heap.NewObject("test.Object")

		entered := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			th := mgr.RegisterThread()
			defer mgr.UnregisterThread(th)
			mgr.Enter(th, o)
			close(entered)
			if notified, err := mgr.Wait(th, o, 0); err != nil || !notified {
				t.Errorf("Wait: got (%t, %v), wanted (true, nil)", notified, err)
				return
			}
			if err := mgr.Exit(th, o); err != nil {
				t.Errorf("Exit: got %v, wanted nil", err)
			}
		}()

		<-entered
		// Whether the waiter has released yet or not, the monitor is
		// either owned or has a waiter accounted; it must survive.
		for i := 0; i < 3; i++ {
			if got := mgr.DeflateIdle(); got != 0 {
				t.Fatalf("DeflateIdle with a waiter: got %d, wanted 0", got)
			}
		}

		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)
		mgr.Enter(th, o)
		if err := mgr.Notify(th, o); err != nil {
			t.Fatalf("Notify: got %v, wanted nil", err)
		}
		if err := mgr.Exit(th, o); err != nil {
			t.Fatalf("Exit: got %v, wanted nil", err)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("waiter never resumed")
		}

		if got := mgr.DeflateIdle(); got != 1 {
			t.Errorf("DeflateIdle after the wait finished: got %d, wanted 1", got)
		}
	})
}

// TestDeadObjectReclaimed checks that an idle monitor does not keep its
// object alive, and that the monitor of a collected object is still
// reclaimed.
func TestDeadObjectReclaimed(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, mgr *Manager) {
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		_, wp := inflateIdle(mgr, th, "test.Temp")
		if got := mgr.Stats().InUse; got != 1 {
			t.Fatalf("in use: got %d, wanted 1", got)
		}

		waitFor(t, "the object to be collected", func() bool {
			runtime.GC()
			return wp.Value() == nil
		})
		if got := mgr.DeflateIdle(); got != 1 {
			t.Errorf("DeflateIdle of dead object's monitor: got %d, wanted 1", got)
		}
		if got := mgr.Stats().InUse; got != 0 {
			t.Errorf("in use after reclaim: got %d, wanted 0", got)
		}
	})
}

// TestCacheDoesNotRetainObject checks that a per-thread cache entry left
// behind by a fully released enter does not keep the object alive.
func TestCacheDoesNotRetainObject(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, mgr *Manager) {
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		wp := func() weak.Pointer[heap.Object] {
			a := heap.NewObject("test.A")
			b := heap.NewObject("test.B")
			mgr.Enter(th, a)
			mgr.Enter(th, b)
			mgr.Enter(th, a) // inflates a and caches its monitor
			for _, o := range []*heap.Object{a, b, a} {
				if err := mgr.Exit(th, o); err != nil {
					t.Fatalf("Exit: got %v, wanted nil", err)
				}
			}
			return weak.Make(a)
		}()

		waitFor(t, "the cached object to be collected", func() bool {
			runtime.GC()
			return wp.Value() == nil
		})
		if got := mgr.DeflateIdle(); got != 1 {
			t.Errorf("DeflateIdle of dead object's monitor: got %d, wanted 1", got)
		}
	})
}

func TestDeflaterBackground(t *testing.T) {
	forEachStrategyOptions(t, func(t *testing.T, opts Options) {
		opts.DeflationInterval = 2 * time.Millisecond
		mgr := New(opts)
		t.Cleanup(mgr.Stop)
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		mgr.Start()
		mgr.Start() // idempotent
		inflateIdle(mgr, th, "test.Temp")
		waitFor(t, "the first background deflation", func() bool {
			return mgr.Stats().Deflations >= 1
		})

		// The deflater survives a stop/start cycle.
		mgr.Stop()
		mgr.Stop() // idempotent
		mgr.Start()
		inflateIdle(mgr, th, "test.Temp")
		waitFor(t, "a deflation after restart", func() bool {
			return mgr.Stats().Deflations >= 2
		})
		mgr.Stop()
	})
}

func TestRequestDeflation(t *testing.T) {
	forEachStrategyOptions(t, func(t *testing.T, opts Options) {
		// An interval long enough that only the poke can trigger a cycle.
		opts.DeflationInterval = time.Hour
		mgr := New(opts)
		t.Cleanup(mgr.Stop)
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		mgr.RequestDeflation() // harmless before Start
		mgr.Start()
		inflateIdle(mgr, th, "test.Temp")
		mgr.RequestDeflation()
		waitFor(t, "the requested deflation", func() bool {
			return mgr.Stats().Deflations >= 1
		})
	})
}

func TestCeilingRaisesOnStall(t *testing.T) {
	forEachStrategyOptions(t, func(t *testing.T, opts Options) {
		opts.InUseCeiling = 1
		mgr := New(opts)
		t.Cleanup(mgr.Stop)
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		// Two held monitors, population over the ceiling.
		objs := []*heap.Object{
			heap.NewObject("test.A"), heap.NewObject("test.B"),
			heap.NewObject("test.C"), heap.NewObject("test.D"),
		}
		mgr.Enter(th, objs[0])
		mgr.Enter(th, objs[1])
		mgr.Enter(th, objs[0]) // inflates A
		mgr.Enter(th, objs[2])
		mgr.Enter(th, objs[3])
		mgr.Enter(th, objs[2]) // inflates C, crossing the ceiling

		// Crossing the ceiling pokes the deflater.
		select {
		case <-mgr.wake:
		default:
			t.Error("no deflation poke after crossing the ceiling")
		}

		if !mgr.maybeRaiseCeiling(0) {
			t.Error("maybeRaiseCeiling(0) over the ceiling: got false, wanted true")
		}
		if got := mgr.Stats().Ceiling; got != 2 {
			t.Errorf("ceiling after stall: got %d, wanted 2", got)
		}
		if got := mgr.Stats().DeflationStalls; got != 1 {
			t.Errorf("stalls: got %d, wanted 1", got)
		}

		// Progress or room under the ceiling is not a stall.
		if mgr.maybeRaiseCeiling(1) {
			t.Error("maybeRaiseCeiling(1): got true, wanted false")
		}
		if mgr.maybeRaiseCeiling(0) {
			t.Error("maybeRaiseCeiling(0) at the ceiling: got true, wanted false")
		}
		if got := mgr.Stats().Ceiling; got != 2 {
			t.Errorf("ceiling: got %d, wanted 2", got)
		}

		for _, o := range []*heap.Object{objs[0], objs[1], objs[0], objs[2], objs[3], objs[2]} {
			if err := mgr.Exit(th, o); err != nil {
				t.Fatalf("Exit: got %v, wanted nil", err)
			}
		}
	})
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Event(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestEventSink(t *testing.T) {
	forEachStrategyOptions(t, func(t *testing.T, opts Options) {
		sink := &recordingSink{}
		opts.EventSink = sink
		mgr := New(opts)
		t.Cleanup(mgr.Stop)
		th := mgr.RegisterThread()
		defer mgr.UnregisterThread(th)

		a := heap.NewObject("test.A")
		b := heap.NewObject("test.B")
		mgr.Enter(th, a)
		mgr.Enter(th, b)
		mgr.Enter(th, a)
		for _, o := range []*heap.Object{a, b, a} {
			if err := mgr.Exit(th, o); err != nil {
				t.Fatalf("Exit: got %v, wanted nil", err)
			}
		}
		mgr.DeflateIdle()

		addr := uintptr(unsafe.Pointer(a))
		want := []Event{
			{Kind: KindInflated, TypeName: "test.A", Addr: addr, Thread: th.ID(), Cause: CauseRecursion},
			{Kind: KindDeflated, TypeName: "test.A", Addr: addr, Cause: CauseRecursion},
		}
		if diff := cmp.Diff(want, sink.snapshot()); diff != "" {
			t.Errorf("events mismatch (-want +got):\n%s", diff)
		}
	})
}

// TestEnterDeflationRace soaks the whole lifecycle: entries, exits,
// inflations, and deflation cycles all racing on a small set of objects.
func TestEnterDeflationRace(t *testing.T) {
	forEachStrategyOptions(t, func(t *testing.T, opts Options) {
		opts.DeflationInterval = time.Millisecond
		mgr := New(opts)
		t.Cleanup(mgr.Stop)
		mgr.Start()

		const (
			workers    = 8
			iterations = 1000
			numObjects = 4
		)
		objs := make([]*heap.Object, numObjects)
		counters := make([]int, numObjects)
		for i := range objs {
			objs[i] = heap.NewObject(fmt.Sprintf("test.Object%d", i))
		}

		// A second deflation driver keeps cycles running back to back.
		hammerStop := make(chan struct{})
		hammerDone := make(chan struct{})
		go func() {
			defer close(hammerDone)
			for {
				select {
				case <-hammerStop:
					return
				default:
					mgr.DeflateIdle()
				}
			}
		}()

		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				th := mgr.RegisterThread()
				defer mgr.UnregisterThread(th)
				for i := 0; i < iterations; i++ {
					idx := (w + i) % numObjects
					o := objs[idx]
					mgr.Enter(th, o)
					if i%8 == 0 {
						// Interleave a higher-indexed object to force
						// inflation; a single nesting order avoids
						// deadlock.
						other := (idx + 1) % numObjects
						if other > idx {
							mgr.Enter(th, objs[other])
							mgr.Enter(th, o)
							if err := mgr.Exit(th, o); err != nil {
								return fmt.Errorf("nested Exit: %w", err)
							}
							if err := mgr.Exit(th, objs[other]); err != nil {
								return fmt.Errorf("nested Exit: %w", err)
							}
						}
					}
					counters[idx]++
					if i%32 == 0 {
						mgr.RequestDeflation()
					}
					if err := mgr.Exit(th, o); err != nil {
						return fmt.Errorf("Exit: %w", err)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		close(hammerStop)
		<-hammerDone

		total := 0
		for _, c := range counters {
			total += c
		}
		if want := workers * iterations; total != want {
			t.Errorf("counter total: got %d, wanted %d", total, want)
		}

		// Everything is idle now; one cycle must drain the population.
		mgr.DeflateIdle()
		if got := mgr.Stats().InUse; got != 0 {
			t.Errorf("in use after final cycle: got %d, wanted 0", got)
		}
	})
}
