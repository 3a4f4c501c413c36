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
	"time"
)

// spinner paces a retry loop: busy iterations first, then scheduler
// yields, then short sleeps with a capped, growing duration. The zero
// value is ready to use; pausing resets nothing, so long-lived loops keep
// backing off.
type spinner struct {
	n uint
}

const (
	spinBusy     = 32
	spinYield    = 64
	spinSleepCap = 100 * time.Microsecond
)

func (s *spinner) pause() {
	s.n++
	switch {
	case s.n <= spinBusy:
	case s.n <= spinYield:
		runtime.Gosched()
	default:
		d := time.Duration(s.n-spinYield) * time.Microsecond
		if d > spinSleepCap {
			d = spinSleepCap
		}
		time.Sleep(d)
	}
}
