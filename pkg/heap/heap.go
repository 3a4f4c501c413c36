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

// Package heap provides the minimal object model consumed by the
// synchronization subsystem.
//
// An Object carries a single header word holding its lock state and
// identity hash. The word is only ever read with atomic loads and mutated
// with compare-and-swap; the one exception is the publication store
// performed while the Inflating sentinel is held, which no other writer may
// race by construction. All other object state belongs to the wider runtime
// and is never touched here.
package heap

import (
	"basalt.dev/basalt/pkg/atomicbitops"
)

// Object is a heap object, reduced to the parts the synchronization
// subsystem needs. Object identity is pointer identity.
type Object struct {
	header atomicbitops.Uint64

	// TypeName optionally names the object's runtime type. It is used
	// only for telemetry and diagnostics.
	TypeName string
}

// NewObject returns a new, unlocked object.
func NewObject(typeName string) *Object {
	return &Object{TypeName: typeName}
}

// Header returns the object's current header word.
func (o *Object) Header() Word {
	return Word(o.header.Load())
}

// CasHeader atomically replaces the header word old with new. It returns
// false, changing nothing, if the header no longer holds old.
func (o *Object) CasHeader(old, new Word) bool {
	return o.header.CompareAndSwap(uint64(old), uint64(new))
}

// SetHeader unconditionally stores the header word.
//
// Preconditions: the caller holds the Inflating sentinel in the header, or
// no other thread can reach the object.
func (o *Object) SetHeader(w Word) {
	o.header.Store(uint64(w))
}
