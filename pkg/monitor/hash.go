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

// IdentityHash returns o's identity hash, assigning one on first use. The
// value is stable for the object's lifetime: it survives fast locking,
// inflation, and deflation, and is independent of the object's address.
func (mgr *Manager) IdentityHash(t *Thread, o *heap.Object) uint32 {
	var s spinner
	for {
		w := o.Header()
		switch w.Tag() {
		case heap.Unlocked, heap.FastLocked:
			if h := w.Hash(); h != 0 {
				return h
			}
			h := t.nextHash()
			if o.CasHeader(w, w.WithHash(h)) {
				mgr.metrics.hashInstalls.Increment()
				return h
			}
		case heap.Inflating:
			s.pause()
		case heap.Monitor:
			// While inflated the hash lives in the monitor. Pinning
			// keeps the install ordered before any deflation's
			// header restore.
			m, ok := mgr.resolvePinned(t, o, w)
			if !ok {
				s.pause()
				continue
			}
			h := m.stickyHash.Load()
			if h == 0 {
				cand := t.nextHash()
				if m.stickyHash.CompareAndSwap(0, cand) {
					h = cand
					mgr.metrics.hashInstalls.Increment()
				} else {
					h = m.stickyHash.Load()
				}
			}
			m.unpin()
			return h
		}
	}
}

// nextHash draws a nonzero 31-bit hash from the thread-local xorshift
// generator.
func (t *Thread) nextHash() uint32 {
	x := t.hashState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	t.hashState = x
	h := uint32(x) & heap.MaxHash
	if h == 0 {
		h = 1
	}
	return h
}

// hashSeed derives a per-thread generator seed. A splitmix64 step scrambles
// the inputs so consecutive thread IDs do not produce correlated streams.
func hashSeed(tid int64) uint64 {
	z := uint64(tid) + uint64(time.Now().UnixNano()) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	if z == 0 {
		z = 1
	}
	return z
}
