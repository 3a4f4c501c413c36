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
	"basalt.dev/basalt/pkg/atomicbitops"
)

// queueNode queues a thread on a monitor. A thread blocks on at most one
// monitor at a time, so each Thread embeds exactly one node, used both on
// entry lists and on wait sets.
type queueNode struct {
	// t is the thread this node belongs to. Immutable.
	t *Thread

	// next links the entry list. Written by the pushing thread before
	// the head CAS publishes it; thereafter mutated only under monitor
	// ownership.
	next *queueNode

	// queued is true while the node is on an entry list. Set by
	// pushEntry, cleared by popEntry/unlinkEntry.
	queued atomicbitops.Bool

	// prev/nextWait link the wait set. Guarded by Monitor.waitLock.
	prevWait, nextWait *queueNode

	// onWaitSet is true while the node is in the wait set. Guarded by
	// Monitor.waitLock.
	onWaitSet bool

	// moved becomes true once a notification has transferred the node
	// from the wait set to the entry list. Stored only with waitLock
	// held, after the entry-list push completes.
	moved atomicbitops.Bool
}

// prepareWait resets notification state before the node joins a wait set.
func (n *queueNode) prepareWait() {
	n.moved.Store(false)
}

// waitList is an intrusive list of waiting threads in arrival order.
// Guarded by Monitor.waitLock.
type waitList struct {
	head, tail *queueNode
}

// empty returns true if the list has no nodes.
func (l *waitList) empty() bool {
	return l.head == nil
}

// pushBack appends n.
func (l *waitList) pushBack(n *queueNode) {
	n.prevWait = l.tail
	n.nextWait = nil
	if l.tail != nil {
		l.tail.nextWait = n
	} else {
		l.head = n
	}
	l.tail = n
	n.onWaitSet = true
}

// remove unlinks n.
//
// Preconditions: n is on the list.
func (l *waitList) remove(n *queueNode) {
	if n.prevWait != nil {
		n.prevWait.nextWait = n.nextWait
	} else {
		l.head = n.nextWait
	}
	if n.nextWait != nil {
		n.nextWait.prevWait = n.prevWait
	} else {
		l.tail = n.prevWait
	}
	n.prevWait = nil
	n.nextWait = nil
	n.onWaitSet = false
}

// popFront removes and returns the oldest node, or nil.
func (l *waitList) popFront() *queueNode {
	n := l.head
	if n != nil {
		l.remove(n)
	}
	return n
}
