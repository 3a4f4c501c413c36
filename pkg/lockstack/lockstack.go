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

// Package lockstack provides the bounded per-thread stack recording which
// objects a thread holds fast-locked.
//
// A Stack is owned by exactly one thread and is never shared: all methods
// must be called from the owning thread. Recursive fast-locking is
// expressed by pushing the same object repeatedly; such duplicates are
// always consecutive, so a full removal also yields the recursion count.
package lockstack

import (
	"fmt"

	"basalt.dev/basalt/pkg/heap"
)

// Capacity is the maximum number of entries a Stack holds. A push against
// a full stack must be preceded by inflating the oldest entry to free its
// slot.
const Capacity = 8

// Stack records the objects a thread holds fast-locked, oldest first.
//
// All methods may only be called by the owning thread.
type Stack struct {
	entries [Capacity]*heap.Object
	depth   int
}

// Depth returns the number of entries.
func (s *Stack) Depth() int {
	return s.depth
}

// Empty returns true if the stack has no entries.
func (s *Stack) Empty() bool {
	return s.depth == 0
}

// Full returns true if the stack has no free slots.
func (s *Stack) Full() bool {
	return s.depth == Capacity
}

// Top returns the most recently pushed object, or nil if the stack is
// empty.
func (s *Stack) Top() *heap.Object {
	if s.depth == 0 {
		return nil
	}
	return s.entries[s.depth-1]
}

// Oldest returns the least recently pushed object, or nil if the stack is
// empty. It is the inflation candidate when the stack is full.
func (s *Stack) Oldest() *heap.Object {
	if s.depth == 0 {
		return nil
	}
	return s.entries[0]
}

// Contains returns true if o is in the stack.
func (s *Stack) Contains(o *heap.Object) bool {
	return s.Count(o) > 0
}

// Count returns the number of entries for o, which is its outstanding
// fast-lock acquisition count.
func (s *Stack) Count(o *heap.Object) int {
	n := 0
	for i := 0; i < s.depth; i++ {
		if s.entries[i] == o {
			n++
		}
	}
	return n
}

// Push records o as fast-locked.
//
// Preconditions:
//   - !s.Full().
//   - o is not in the stack, or is the top entry (recursive lock).
func (s *Stack) Push(o *heap.Object) {
	if s.depth == Capacity {
		panic("pushing to a full lock stack")
	}
	if s.Contains(o) && s.entries[s.depth-1] != o {
		panic(fmt.Sprintf("non-consecutive recursive push of %p", o))
	}
	s.entries[s.depth] = o
	s.depth++
}

// TryPop removes the top entry if it is o, returning true on success. A
// false return means o is not the most recent fast lock; the caller must
// fall back to a full removal or the inflated path.
func (s *Stack) TryPop(o *heap.Object) bool {
	if s.depth == 0 || s.entries[s.depth-1] != o {
		return false
	}
	s.depth--
	s.entries[s.depth] = nil
	return true
}

// Remove removes the topmost entry for o, compacting the stack. It
// returns false if o is not in the stack.
func (s *Stack) Remove(o *heap.Object) bool {
	for i := s.depth - 1; i >= 0; i-- {
		if s.entries[i] != o {
			continue
		}
		copy(s.entries[i:], s.entries[i+1:s.depth])
		s.depth--
		s.entries[s.depth] = nil
		return true
	}
	return false
}

// RemoveAll removes every entry for o, compacting the stack, and returns
// the number removed. The count carries the lock's recursion depth into an
// inflated monitor.
func (s *Stack) RemoveAll(o *heap.Object) int {
	removed := 0
	for i := 0; i < s.depth; i++ {
		if s.entries[i] == o {
			removed++
			continue
		}
		s.entries[i-removed] = s.entries[i]
	}
	for i := s.depth - removed; i < s.depth; i++ {
		s.entries[i] = nil
	}
	s.depth -= removed
	return removed
}

// String implements fmt.Stringer.String.
func (s *Stack) String() string {
	return fmt.Sprintf("lockstack[%d/%d]", s.depth, Capacity)
}
