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

	"basalt.dev/basalt/pkg/heap"
)

// Wait releases o's lock and blocks t until a notification or, if timeout
// is positive, until the timeout elapses. The lock is reacquired with its
// full recursion count before Wait returns. It returns false if the wait
// timed out; a notification that races the timeout counts as a
// notification.
//
// Waiting requires ownership and always inflates the lock.
func (mgr *Manager) Wait(t *Thread, o *heap.Object, timeout time.Duration) (bool, error) {
	var s spinner
	for {
		w := o.Header()
		var m *Monitor
		switch w.Tag() {
		case heap.Unlocked:
			return false, ErrNotOwner
		case heap.FastLocked:
			if w.ThreadID() != t.id {
				return false, ErrNotOwner
			}
			t.beginCritical()
			m = mgr.strategy.inflate(t, o, CauseWait)
			pinned := m.pin()
			t.endCritical()
			if !pinned {
				s.pause()
				continue
			}
		case heap.Inflating:
			s.pause()
			continue
		case heap.Monitor:
			var ok bool
			m, ok = mgr.resolvePinned(t, o, w)
			if !ok {
				s.pause()
				continue
			}
		}
		if m.object.Value() != o {
			m.unpin()
			s.pause()
			continue
		}
		return mgr.waitPinned(t, m, o, timeout)
	}
}

// waitPinned performs the wait on m, which must be pinned for o. The pin
// is released once ownership (a stronger guarantee) is confirmed.
func (mgr *Manager) waitPinned(t *Thread, m *Monitor, o *heap.Object, timeout time.Duration) (bool, error) {
	if !mgr.adopt(t, m, o) {
		m.unpin()
		return false, ErrNotOwner
	}
	m.unpin()

	// From here to the end of reacquisition the waiter count keeps the
	// monitor out of the deflater's reach.
	m.waiters.Add(1)
	mgr.metrics.waits.Increment()

	saved := m.recursion.Load()
	m.recursion.Store(0)

	n := &t.node
	n.prepareWait()
	m.waitLock.Lock()
	m.waitSet.pushBack(n)
	m.waitLock.Unlock()

	m.release(t.id)
	t.heldMonitors--

	notified := mgr.await(t, m, n, timeout)
	if !notified {
		mgr.metrics.waitTimeouts.Increment()
	}

	// Reacquire. If we were notified our node is already on the entry
	// list and acquire picks it up from there.
	mgr.acquire(t, m, false)
	m.recursion.Store(saved)
	m.waiters.Add(-1)
	return notified, nil
}

// await parks until n has been moved to the entry list by a notification,
// or until the timeout elapses. It returns false on timeout.
func (mgr *Manager) await(t *Thread, m *Monitor, n *queueNode, timeout time.Duration) bool {
	if timeout <= 0 {
		for !n.moved.Load() {
			t.parker.park()
		}
		return true
	}
	deadline := time.Now().Add(timeout)
	for !n.moved.Load() {
		if t.parker.parkTimeout(time.Until(deadline)) {
			continue
		}
		// Timed out; remove ourselves unless a notification won the
		// race, in which case we count as notified.
		m.waitLock.Lock()
		stillWaiting := n.onWaitSet
		if stillWaiting {
			m.waitSet.remove(n)
		}
		m.waitLock.Unlock()
		if stillWaiting {
			return false
		}
		// The mover completed the transfer to the entry list before
		// clearing onWaitSet, so acquire can proceed normally.
		return true
	}
	return true
}

// Notify moves o's longest-waiting thread, if any, from the wait set to
// the entry list. The thread does not run until the owner exits; moving is
// the entire effect.
func (mgr *Manager) Notify(t *Thread, o *heap.Object) error {
	return mgr.notify(t, o, false)
}

// NotifyAll moves every waiting thread to the entry list.
func (mgr *Manager) NotifyAll(t *Thread, o *heap.Object) error {
	return mgr.notify(t, o, true)
}

func (mgr *Manager) notify(t *Thread, o *heap.Object, all bool) error {
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
			// A fast-locked object has never had waiters; nothing to
			// move, and no reason to inflate.
			return nil
		case heap.Inflating:
			s.pause()
		case heap.Monitor:
			m, ok := mgr.resolvePinned(t, o, w)
			if !ok {
				s.pause()
				continue
			}
			err := mgr.notifyPinned(t, m, o, all)
			m.unpin()
			return err
		}
	}
}

// notifyPinned moves waiters of m, which must be pinned for o.
func (mgr *Manager) notifyPinned(t *Thread, m *Monitor, o *heap.Object, all bool) error {
	if !mgr.adopt(t, m, o) {
		return ErrNotOwner
	}
	m.waitLock.Lock()
	for {
		n := m.waitSet.popFront()
		if n == nil {
			break
		}
		// Push before publishing the move so the waiter never sees
		// moved==true with an unqueued node.
		m.pushEntry(n)
		n.moved.Store(true)
		mgr.metrics.notifications.Increment()
		if !all {
			break
		}
	}
	m.waitLock.Unlock()
	return nil
}
