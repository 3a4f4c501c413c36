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

import "sync/atomic"

// Bool is an atomic Boolean, stored as a Uint32 with zero meaning false.
type Bool struct {
	Uint32
}

// FromBool returns a Bool initialized to val.
func FromBool(val bool) Bool {
	return Bool{Uint32{value: boolToUint32(val)}}
}

// Load atomically loads the value.
func (b *Bool) Load() bool {
	return atomic.LoadUint32(&b.value) != 0
}

// Store atomically stores val.
func (b *Bool) Store(val bool) {
	atomic.StoreUint32(&b.value, boolToUint32(val))
}

// Swap atomically stores val and returns the previous value.
func (b *Bool) Swap(val bool) bool {
	return atomic.SwapUint32(&b.value, boolToUint32(val)) != 0
}

// CompareAndSwap atomically replaces old with new and reports whether it
// swapped.
func (b *Bool) CompareAndSwap(old, new bool) bool {
	return atomic.CompareAndSwapUint32(&b.value, boolToUint32(old), boolToUint32(new))
}

func boolToUint32(val bool) uint32 {
	if val {
		return 1
	}
	return 0
}
