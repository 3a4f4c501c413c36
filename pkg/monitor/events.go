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

import "fmt"

// InflationCause records why a monitor was installed.
type InflationCause int

const (
	// CauseContention: a thread found the object fast-locked by another.
	CauseContention InflationCause = iota

	// CauseRecursion: recursion the owner's lock stack could not
	// express.
	CauseRecursion

	// CauseWait: Wait requires a full monitor.
	CauseWait

	// CauseStackOverflow: a full lock stack evicted its oldest entry.
	CauseStackOverflow

	numCauses
)

// String implements fmt.Stringer.String.
func (c InflationCause) String() string {
	switch c {
	case CauseContention:
		return "contention"
	case CauseRecursion:
		return "recursion"
	case CauseWait:
		return "wait"
	case CauseStackOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("InflationCause(%d)", int(c))
	}
}

// EventKind identifies a monitor lifecycle event.
type EventKind int

const (
	// KindInflated: a monitor was installed.
	KindInflated EventKind = iota

	// KindDeflated: an idle monitor was reclaimed.
	KindDeflated
)

// String implements fmt.Stringer.String.
func (k EventKind) String() string {
	switch k {
	case KindInflated:
		return "inflated"
	case KindDeflated:
		return "deflated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a monitor lifecycle transition.
type Event struct {
	Kind EventKind

	// TypeName is the monitored object's type.
	TypeName string

	// Addr is the object's address at inflation time. Diagnostic only;
	// the object may since have moved or died.
	Addr uintptr

	// Thread is the acting thread's ID, or zero for the deflater.
	Thread int64

	// Cause is the monitor's inflation cause.
	Cause InflationCause
}

// EventSink receives lifecycle events. Implementations must be safe for
// concurrent use and must not call back into the Manager.
type EventSink interface {
	Event(ev Event)
}
