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
	"unsafe"
	"weak"

	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/sync"
)

// table maps objects to monitors under the table locking strategy. It is a
// fixed array of buckets, each a small mutex-guarded set; bucket count is
// a power of two chosen at construction.
//
// The bucket lock also serializes publication: setting an object's header
// to the Monitor tag and the deflater's restore-and-remove both happen
// with the object's bucket locked. Between the two, a Monitor-tagged
// header always has a table entry to resolve to.
type table struct {
	buckets []tableBucket
	mask    uint64
}

type tableBucket struct {
	mu      sync.Mutex
	entries []tableEntry
}

type tableEntry struct {
	// obj weakly references the keyed object; a dead entry is pruned by
	// the next scan of its bucket or by the deflater's sweep.
	obj weak.Pointer[heap.Object]
	mon *Monitor
}

func newTable(buckets int) *table {
	n := 1
	for n < buckets {
		n <<= 1
	}
	return &table{
		buckets: make([]tableBucket, n),
		mask:    uint64(n - 1),
	}
}

// bucketFor returns o's bucket. The pointer is mixed so that allocation
// patterns do not land neighboring objects in the same bucket.
func (tb *table) bucketFor(o *heap.Object) *tableBucket {
	h := uint64(uintptr(unsafe.Pointer(o)))
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return &tb.buckets[h&tb.mask]
}

// lookup returns o's monitor, or nil if none is installed.
func (tb *table) lookup(o *heap.Object) *Monitor {
	b := tb.bucketFor(o)
	b.mu.Lock()
	m := b.find(o)
	b.mu.Unlock()
	return m
}

// find scans for o, pruning dead entries on the way.
//
// Preconditions: b.mu is locked.
func (b *tableBucket) find(o *heap.Object) *Monitor {
	live := b.entries[:0]
	var found *Monitor
	for _, e := range b.entries {
		eo := e.obj.Value()
		if eo == nil {
			continue
		}
		if eo == o {
			found = e.mon
		}
		live = append(live, e)
	}
	clearTail(b.entries, len(live))
	b.entries = live
	return found
}

// insert adds an entry for o.
//
// Preconditions: b.mu is locked; o has no live entry.
func (b *tableBucket) insert(o *heap.Object, m *Monitor) {
	b.entries = append(b.entries, tableEntry{obj: weak.Make(o), mon: m})
}

// remove deletes o's entry, if present.
//
// Preconditions: b.mu is locked.
func (b *tableBucket) remove(o *heap.Object) {
	for i, e := range b.entries {
		if e.obj.Value() == o {
			last := len(b.entries) - 1
			b.entries[i] = b.entries[last]
			b.entries[last] = tableEntry{}
			b.entries = b.entries[:last]
			return
		}
	}
}

// pruneDead drops entries whose objects have been collected, returning the
// number pruned. Their monitors are reclaimed separately through the
// registry.
func (tb *table) pruneDead() int {
	pruned := 0
	for i := range tb.buckets {
		b := &tb.buckets[i]
		b.mu.Lock()
		live := b.entries[:0]
		for _, e := range b.entries {
			if e.obj.Value() == nil {
				pruned++
				continue
			}
			live = append(live, e)
		}
		clearTail(b.entries, len(live))
		b.entries = live
		b.mu.Unlock()
	}
	return pruned
}

// clearTail zeroes entries[from:] so pruned slots do not pin monitors.
func clearTail(entries []tableEntry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = tableEntry{}
	}
}
