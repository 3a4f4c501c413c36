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

	"github.com/cenkalti/backoff"

	"basalt.dev/basalt/pkg/log"
)

// Start launches the background deflater. It runs until Stop; the pair may
// be cycled.
func (mgr *Manager) Start() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.running.Swap(true) {
		return
	}
	mgr.stop = make(chan struct{})
	mgr.wg.Add(1)
	go mgr.deflaterLoop(mgr.stop)
}

// Stop halts the background deflater and waits for it to finish. The
// Manager remains usable; only automatic deflation stops.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if !mgr.running.Swap(false) {
		mgr.mu.Unlock()
		return
	}
	close(mgr.stop)
	mgr.mu.Unlock()
	// Not under mu: the loop's quiesce takes it.
	mgr.wg.Wait()
}

// RequestDeflation asks the background deflater for a prompt cycle. It is
// a no-op if the deflater is not running; callers needing synchronous
// behavior use DeflateIdle.
func (mgr *Manager) RequestDeflation() {
	mgr.poke()
}

func (mgr *Manager) poke() {
	select {
	case mgr.wake <- struct{}{}:
	default:
	}
}

var stallLog = log.BasicRateLimitedLogger(30 * time.Second)

// deflaterLoop runs deflation cycles on a backoff-paced cadence. Cycles
// that make no progress while the population is over the ceiling raise the
// ceiling and slow the cadence; any progress resets both.
func (mgr *Manager) deflaterLoop(stop <-chan struct{}) {
	defer mgr.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = mgr.opts.DeflationInterval
	bo.MaxInterval = 16 * mgr.opts.DeflationInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	wait := mgr.opts.DeflationInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-mgr.wake:
		case <-timer.C:
		}

		deflated := mgr.DeflateIdle()
		if mgr.maybeRaiseCeiling(deflated) {
			wait = bo.NextBackOff()
		} else {
			if deflated > 0 {
				log.Debugf("monitor: deflated %d monitors, %d in use", deflated, mgr.registry.count.Load())
			}
			bo.Reset()
			wait = mgr.opts.DeflationInterval
		}
		timer.Reset(wait)
	}
}

// maybeRaiseCeiling reacts to a cycle that reclaimed deflated monitors. A
// cycle that made no progress while the population is over the ceiling
// means everything in use is genuinely busy: raise the ceiling so eager
// requests quiet down, and report a stall.
func (mgr *Manager) maybeRaiseCeiling(deflated int) bool {
	inUse := mgr.registry.count.Load()
	if deflated != 0 || inUse <= mgr.ceiling.Load() {
		return false
	}
	old := mgr.ceiling.Load()
	mgr.ceiling.Store(old + old/4 + 1)
	mgr.metrics.deflationStalls.Increment()
	stallLog.Warningf("monitor: no deflation progress with %d monitors in use; ceiling now %d", inUse, mgr.ceiling.Load())
	return true
}

// DeflateIdle runs one deflation cycle synchronously and returns the
// number of monitors reclaimed.
//
// A cycle seals idle monitors, detaches them from their objects, unlinks
// them from the registry, waits for every registered thread to pass
// outside its critical region, and only then recycles them. The rendezvous
// is what makes the recycling safe: after it, no thread can still hold a
// raw pointer resolved from a header the cycle invalidated.
func (mgr *Manager) DeflateIdle() int {
	mgr.deflateMu.Lock()
	defer mgr.deflateMu.Unlock()

	var sealed []*Monitor
	mgr.registry.forEach(func(m *Monitor) {
		if m.trySeal() {
			sealed = append(sealed, m)
		}
	})
	if len(sealed) == 0 {
		mgr.metrics.deflationCycles.Increment()
		return 0
	}

	for _, m := range sealed {
		mgr.strategy.uninstall(m)
	}
	if mgr.table != nil {
		mgr.table.pruneDead()
	}

	isSealed := make(map[*Monitor]bool, len(sealed))
	for _, m := range sealed {
		isSealed[m] = true
	}
	unlinked := mgr.registry.unlinkSealed(func(m *Monitor) bool {
		return isSealed[m]
	})
	if len(unlinked) != len(sealed) {
		panic("sealed monitors missing from the registry")
	}

	mgr.quiesce()

	for _, m := range sealed {
		if mgr.sink != nil {
			mgr.sink.Event(Event{Kind: KindDeflated, TypeName: m.typeName, Addr: m.addr, Cause: m.cause})
		}
		mgr.arena.free(m)
	}
	mgr.metrics.deflations.IncrementBy(uint64(len(sealed)))
	mgr.metrics.deflationCycles.Increment()
	return len(sealed)
}

// quiesce waits until every registered thread has been observed outside a
// critical region since the call began. Critical regions never block, so
// the wait is short.
func (mgr *Manager) quiesce() {
	mgr.mu.Lock()
	threads := make([]*Thread, 0, len(mgr.threads))
	for _, t := range mgr.threads {
		threads = append(threads, t)
	}
	mgr.mu.Unlock()

	for _, t := range threads {
		e := t.epoch.Load()
		if e&1 == 0 {
			continue
		}
		var s spinner
		for t.epoch.Load() == e {
			s.pause()
		}
	}
	mgr.metrics.handshakes.Increment()
}
