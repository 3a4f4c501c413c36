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

package atomicbitops

import (
	"runtime"
	"sync"
	"testing"
)

const iterations = 100

func detectRaces32(val uint32, c *Uint32, fn func(*Uint32)) bool {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		x := FromUint32(val)
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(&x)
			}()
		}
		wg.Wait()
		if x.Load() != c.Load() {
			return false
		}
	}
	return true
}

func detectRaces64(val uint64, c *Uint64, fn func(*Uint64)) bool {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		x := FromUint64(val)
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(&x)
			}()
		}
		wg.Wait()
		if x.Load() != c.Load() {
			return false
		}
	}
	return true
}

func TestAdd32(t *testing.T) {
	c := FromUint32(32)
	if !detectRaces32(0, &c, func(x *Uint32) { x.Add(1) }) {
		t.Error("Concurrent Add operations raced")
	}
}

func TestAdd64(t *testing.T) {
	c := FromUint64(32)
	if !detectRaces64(0, &c, func(x *Uint64) { x.Add(1) }) {
		t.Error("Concurrent Add operations raced")
	}
}

func TestCompareAndSwap32(t *testing.T) {
	x := FromUint32(1)
	if !x.CompareAndSwap(1, 2) {
		t.Errorf("CompareAndSwap(1, 2) failed on value 1")
	}
	if x.CompareAndSwap(1, 3) {
		t.Errorf("CompareAndSwap(1, 3) succeeded on value 2")
	}
	if got := x.Load(); got != 2 {
		t.Errorf("Load: got %d, wanted 2", got)
	}
}

func TestCompareAndSwap64(t *testing.T) {
	x := FromUint64(1)
	if !x.CompareAndSwap(1, 2) {
		t.Errorf("CompareAndSwap(1, 2) failed on value 1")
	}
	if x.CompareAndSwap(1, 3) {
		t.Errorf("CompareAndSwap(1, 3) succeeded on value 2")
	}
	if got := x.Load(); got != 2 {
		t.Errorf("Load: got %d, wanted 2", got)
	}
}

func TestSwapInt64(t *testing.T) {
	x := FromInt64(-1)
	if old := x.Swap(5); old != -1 {
		t.Errorf("Swap: got old value %d, wanted -1", old)
	}
	if got := x.Load(); got != 5 {
		t.Errorf("Load: got %d, wanted 5", got)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Error("Load: got false, wanted true")
	}
	b.Store(false)
	if b.Load() {
		t.Error("Load after Store(false): got true, wanted false")
	}
	if b.Swap(true) {
		t.Error("Swap(true): got old value true, wanted false")
	}
	if !b.Load() {
		t.Error("Load after Swap(true): got false, wanted true")
	}
	if b.CompareAndSwap(false, true) {
		t.Error("CompareAndSwap(false, true) succeeded on value true")
	}
	if !b.CompareAndSwap(true, false) {
		t.Error("CompareAndSwap(true, false) failed on value true")
	}
	if b.Load() {
		t.Error("Load after CompareAndSwap: got true, wanted false")
	}
}
