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
	"runtime"
	"testing"
	"weak"

	"basalt.dev/basalt/pkg/heap"
)

func TestTableRoundsBuckets(t *testing.T) {
	for _, tc := range []struct {
		ask, want int
	}{
		{1, 1},
		{3, 4},
		{4, 4},
		{5, 8},
		{1024, 1024},
	} {
		tb := newTable(tc.ask)
		if got := len(tb.buckets); got != tc.want {
			t.Errorf("newTable(%d) buckets: got %d, wanted %d", tc.ask, got, tc.want)
		}
		if got := tb.mask; got != uint64(tc.want-1) {
			t.Errorf("newTable(%d) mask: got %#x, wanted %#x", tc.ask, got, tc.want-1)
		}
	}
}

func tableInsert(tb *table, o *heap.Object, m *Monitor) {
	b := tb.bucketFor(o)
	b.mu.Lock()
	b.insert(o, m)
	b.mu.Unlock()
}

func tableRemove(tb *table, o *heap.Object) {
	b := tb.bucketFor(o)
	b.mu.Lock()
	b.remove(o)
	b.mu.Unlock()
}

func TestTableInsertLookupRemove(t *testing.T) {
	tb := newTable(4)
	const n = 64
	objs := make([]*heap.Object, n)
	mons := make([]*Monitor, n)
	for i := 0; i < n; i++ {
		objs[i] = heap.NewObject("test.Object")
		mons[i] = &Monitor{}
		tableInsert(tb, objs[i], mons[i])
	}
	for i := 0; i < n; i++ {
		if got := tb.lookup(objs[i]); got != mons[i] {
			t.Fatalf("lookup objs[%d]: got %p, wanted %p", i, got, mons[i])
		}
	}
	if got := tb.lookup(heap.NewObject("test.Object")); got != nil {
		t.Errorf("lookup of uninstalled object: got %p, wanted nil", got)
	}

	for i := 0; i < n; i += 2 {
		tableRemove(tb, objs[i])
	}
	tableRemove(tb, heap.NewObject("test.Object")) // absent, no-op
	for i := 0; i < n; i++ {
		got := tb.lookup(objs[i])
		if i%2 == 0 {
			if got != nil {
				t.Errorf("lookup removed objs[%d]: got %p, wanted nil", i, got)
			}
		} else if got != mons[i] {
			t.Errorf("lookup objs[%d]: got %p, wanted %p", i, got, mons[i])
		}
	}
}

// insertTransient installs an entry whose object is unreachable once this
// function returns, leaving only the table's weak reference.
func insertTransient(tb *table) weak.Pointer[heap.Object] {
	o := heap.NewObject("test.Transient")
	tableInsert(tb, o, &Monitor{})
	return weak.Make(o)
}

func waitForDead(t *testing.T, dead []weak.Pointer[heap.Object]) {
	t.Helper()
	waitFor(t, "transient objects to be collected", func() bool {
		runtime.GC()
		for _, wp := range dead {
			if wp.Value() != nil {
				return false
			}
		}
		return true
	})
}

func TestTablePruneDead(t *testing.T) {
	tb := newTable(4)
	const live, transient = 4, 4
	objs := make([]*heap.Object, live)
	mons := make([]*Monitor, live)
	for i := 0; i < live; i++ {
		objs[i] = heap.NewObject("test.Live")
		mons[i] = &Monitor{}
		tableInsert(tb, objs[i], mons[i])
	}
	dead := make([]weak.Pointer[heap.Object], transient)
	for i := range dead {
		dead[i] = insertTransient(tb)
	}
	waitForDead(t, dead)

	if got := tb.pruneDead(); got != transient {
		t.Errorf("pruneDead: got %d, wanted %d", got, transient)
	}
	if got := tb.pruneDead(); got != 0 {
		t.Errorf("second pruneDead: got %d, wanted 0", got)
	}
	for i := 0; i < live; i++ {
		if got := tb.lookup(objs[i]); got != mons[i] {
			t.Errorf("lookup objs[%d] after prune: got %p, wanted %p", i, got, mons[i])
		}
	}
}

// TestTableLookupPrunesInline checks that a bucket scan drops dead entries
// it walks past, so the sweep that follows finds nothing left to do.
func TestTableLookupPrunesInline(t *testing.T) {
	tb := newTable(1) // one bucket, so the lookup must walk the dead entry
	o := heap.NewObject("test.Live")
	m := &Monitor{}
	tableInsert(tb, o, m)
	dead := []weak.Pointer[heap.Object]{insertTransient(tb)}
	waitForDead(t, dead)

	if got := tb.lookup(o); got != m {
		t.Fatalf("lookup: got %p, wanted %p", got, m)
	}
	if got := tb.pruneDead(); got != 0 {
		t.Errorf("pruneDead after lookup: got %d, wanted 0", got)
	}
	if got := len(tb.buckets[0].entries); got != 1 {
		t.Errorf("bucket entries: got %d, wanted 1", got)
	}
}
