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
	"sync/atomic"

	"basalt.dev/basalt/pkg/atomicbitops"
)

// registry is the list of in-use monitors. Threads push concurrently with
// a head CAS; only the deflater unlinks, so interior links are single-
// writer. Iteration is lock-free and racy; it may miss monitors pushed or
// unlinked during the walk, which is acceptable for deflation candidate
// scans and diagnostics.
type registry struct {
	head  atomic.Pointer[Monitor]
	count atomicbitops.Int64

	// peak is the high-water mark of count. Monotonic.
	peak atomicbitops.Int64
}

// push prepends m.
func (r *registry) push(m *Monitor) {
	for {
		head := r.head.Load()
		m.registryNext.Store(head)
		if r.head.CompareAndSwap(head, m) {
			break
		}
	}
	n := r.count.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// forEach calls fn on each monitor in the list.
func (r *registry) forEach(fn func(*Monitor)) {
	for m := r.head.Load(); m != nil; m = m.registryNext.Load() {
		fn(m)
	}
}

// unlinkSealed removes every monitor for which sealed returns true and
// returns the removed monitors.
//
// Preconditions: the caller is the only unlinker, and every monitor that
// sealed reports true stays sealed for the duration.
func (r *registry) unlinkSealed(sealed func(*Monitor) bool) []*Monitor {
	var removed []*Monitor
restart:
	var prev *Monitor
	cur := r.head.Load()
	for cur != nil {
		next := cur.registryNext.Load()
		if !sealed(cur) {
			prev = cur
			cur = next
			continue
		}
		if prev == nil {
			if !r.head.CompareAndSwap(cur, next) {
				// Lost a race with a push; the new head is an
				// unsealed monitor. Rescan.
				goto restart
			}
		} else {
			prev.registryNext.Store(next)
		}
		removed = append(removed, cur)
		cur = next
	}
	r.count.Add(-int64(len(removed)))
	return removed
}
