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

package heap

import "fmt"

// Word is an object header word. The low two bits are a Tag; the meaning
// of the remaining bits depends on the tag:
//
//	Unlocked:   bits 2-33 hold the identity hash (0 if unset).
//	FastLocked: bits 2-33 hold the identity hash, bits 34-61 the owning
//	            thread ID.
//	Inflating:  no payload; the word is a transient sentinel.
//	Monitor:    bits 2-63 hold a monitor handle, or, under the table
//	            strategy, bits 2-33 hold the identity hash as in Unlocked.
//
// Words are values; they are only made atomic by the Object methods that
// load and swap them.
type Word uint64

// Tag identifies the lock state encoded in a header word.
type Tag uint8

const (
	// Unlocked marks an object not locked by anyone.
	Unlocked Tag = iota

	// FastLocked marks an object locked thinly, without a monitor.
	FastLocked

	// Inflating marks an object whose monitor is being installed. The
	// word is transient: readers must re-load until it changes.
	Inflating

	// Monitor marks an object with an installed monitor.
	Monitor
)

// String implements fmt.Stringer.String.
func (t Tag) String() string {
	switch t {
	case Unlocked:
		return "Unlocked"
	case FastLocked:
		return "FastLocked"
	case Inflating:
		return "Inflating"
	case Monitor:
		return "Monitor"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

const (
	tagBits  = 2
	tagMask  = Word(1)<<tagBits - 1
	hashBits = 32
	hashMask = Word(1)<<hashBits - 1

	ownerShift = tagBits + hashBits
	ownerBits  = 28
	ownerMask  = Word(1)<<ownerBits - 1

	payloadShift = tagBits

	// MaxHash is the largest identity hash a word can carry. Hashes are
	// 31-bit nonzero values; zero means no hash has been assigned.
	MaxHash = 1<<31 - 1

	// MaxThreadID is the largest thread ID a FastLocked word can carry.
	MaxThreadID = 1<<ownerBits - 1
)

// Tag returns the word's tag.
func (w Word) Tag() Tag {
	return Tag(w & tagMask)
}

// Hash returns the identity hash carried by the word, or zero if none has
// been assigned.
//
// Preconditions: w.Tag() is Unlocked, FastLocked, or a table-strategy
// Monitor. Stack-strategy Monitor words carry a handle instead.
func (w Word) Hash() uint32 {
	return uint32(w >> tagBits & hashMask)
}

// WithHash returns a copy of w carrying the given hash, preserving the tag
// and owner bits.
func (w Word) WithHash(hash uint32) Word {
	checkHash(hash)
	return w&^(hashMask<<tagBits) | Word(hash)<<tagBits
}

// ThreadID returns the owning thread ID carried by a FastLocked word.
//
// Preconditions: w.Tag() == FastLocked.
func (w Word) ThreadID() int64 {
	return int64(w >> ownerShift & ownerMask)
}

// Payload returns the word's payload, bits 2-63. Under the stack strategy
// a Monitor word's payload is a monitor handle.
//
// Preconditions: w.Tag() == Monitor.
func (w Word) Payload() uint64 {
	return uint64(w >> payloadShift)
}

// MakeUnlocked returns an Unlocked word carrying the given hash, which may
// be zero.
func MakeUnlocked(hash uint32) Word {
	checkHash(hash)
	return Word(hash)<<tagBits | Word(Unlocked)
}

// MakeFastLocked returns a FastLocked word naming tid as the owner and
// carrying the given hash, which may be zero.
func MakeFastLocked(tid int64, hash uint32) Word {
	checkHash(hash)
	if tid <= 0 || tid > MaxThreadID {
		panic(fmt.Sprintf("thread ID %d out of range", tid))
	}
	return Word(tid)<<ownerShift | Word(hash)<<tagBits | Word(FastLocked)
}

// MakeInflating returns the Inflating sentinel word.
func MakeInflating() Word {
	return Word(Inflating)
}

// MakeMonitor returns a Monitor word whose payload is the given handle.
func MakeMonitor(handle uint64) Word {
	if handle > 1<<(64-payloadShift)-1 {
		panic(fmt.Sprintf("monitor handle %#x out of range", handle))
	}
	return Word(handle)<<payloadShift | Word(Monitor)
}

// MakeMonitorHashed returns a table-strategy Monitor word, which carries
// the identity hash rather than a handle.
func MakeMonitorHashed(hash uint32) Word {
	checkHash(hash)
	return Word(hash)<<tagBits | Word(Monitor)
}

// String implements fmt.Stringer.String.
func (w Word) String() string {
	switch w.Tag() {
	case Unlocked:
		return fmt.Sprintf("{Unlocked hash=%#x}", w.Hash())
	case FastLocked:
		return fmt.Sprintf("{FastLocked tid=%d hash=%#x}", w.ThreadID(), w.Hash())
	case Inflating:
		return "{Inflating}"
	default:
		return fmt.Sprintf("{Monitor payload=%#x}", w.Payload())
	}
}

func checkHash(hash uint32) {
	if hash > MaxHash {
		panic(fmt.Sprintf("identity hash %#x out of range", hash))
	}
}
