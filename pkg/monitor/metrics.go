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
	"fmt"
	"io"

	"basalt.dev/basalt/pkg/metric"
)

// managerMetrics holds the subsystem's counters. Gauges are registered as
// functions over live Manager state.
type managerMetrics struct {
	registry *metric.Registry

	inflations      [numCauses]*metric.Uint64Metric
	deflations      *metric.Uint64Metric
	deflationCycles *metric.Uint64Metric
	deflationStalls *metric.Uint64Metric
	handshakes      *metric.Uint64Metric
	rescues         *metric.Uint64Metric
	waits           *metric.Uint64Metric
	waitTimeouts    *metric.Uint64Metric
	notifications   *metric.Uint64Metric
	hashInstalls    *metric.Uint64Metric
	leakedThreads   *metric.Uint64Metric
}

func newManagerMetrics(r *metric.Registry, mgr *Manager) *managerMetrics {
	if r == nil {
		r = metric.NewRegistry()
	}
	m := &managerMetrics{registry: r}
	for c := InflationCause(0); c < numCauses; c++ {
		m.inflations[c] = r.MustRegisterUint64(
			fmt.Sprintf("monitor_inflations_%s", c),
			fmt.Sprintf("Monitors inflated because of %s.", c))
	}
	m.deflations = r.MustRegisterUint64("monitor_deflations", "Monitors deflated and recycled.")
	m.deflationCycles = r.MustRegisterUint64("monitor_deflation_cycles", "Deflation cycles run.")
	m.deflationStalls = r.MustRegisterUint64("monitor_deflation_stalls", "Deflation cycles that made no progress over the ceiling.")
	m.handshakes = r.MustRegisterUint64("monitor_handshakes", "Quiescence rendezvous completed.")
	m.rescues = r.MustRegisterUint64("monitor_rescues", "Entries bounced off a monitor being deflated.")
	m.waits = r.MustRegisterUint64("monitor_waits", "Wait operations started.")
	m.waitTimeouts = r.MustRegisterUint64("monitor_wait_timeouts", "Waits that timed out.")
	m.notifications = r.MustRegisterUint64("monitor_notifications", "Waiters moved to an entry list by a notification.")
	m.hashInstalls = r.MustRegisterUint64("monitor_hash_installs", "Identity hashes assigned.")
	m.leakedThreads = r.MustRegisterUint64("monitor_leaked_threads", "Threads unregistered while still holding locks.")

	r.MustRegisterGauge("monitor_in_use", "Monitors currently in use.", func() int64 {
		return mgr.registry.count.Load()
	})
	r.MustRegisterGauge("monitor_in_use_peak", "High-water mark of monitors in use.", func() int64 {
		return mgr.registry.peak.Load()
	})
	r.MustRegisterGauge("monitor_ceiling", "Current deflation ceiling.", func() int64 {
		return mgr.ceiling.Load()
	})
	r.MustRegisterGauge("monitor_threads", "Registered threads.", func() int64 {
		return mgr.threadCount.Load()
	})
	return m
}

// Stats is a point-in-time snapshot of the subsystem's counters. Values
// are read without synchronization and may be mutually inconsistent.
type Stats struct {
	InUse     int64
	PeakInUse int64
	Threads   int64
	Ceiling   int64

	InflationsContention uint64
	InflationsRecursion  uint64
	InflationsWait       uint64
	InflationsOverflow   uint64

	Deflations      uint64
	DeflationCycles uint64
	DeflationStalls uint64
	Handshakes      uint64
	Rescues         uint64

	Waits         uint64
	WaitTimeouts  uint64
	Notifications uint64
	HashInstalls  uint64
	LeakedThreads uint64
}

// Stats returns a snapshot of the subsystem's counters.
func (mgr *Manager) Stats() Stats {
	m := mgr.metrics
	return Stats{
		InUse:     mgr.registry.count.Load(),
		PeakInUse: mgr.registry.peak.Load(),
		Threads:   mgr.threadCount.Load(),
		Ceiling:   mgr.ceiling.Load(),

		InflationsContention: m.inflations[CauseContention].Value(),
		InflationsRecursion:  m.inflations[CauseRecursion].Value(),
		InflationsWait:       m.inflations[CauseWait].Value(),
		InflationsOverflow:   m.inflations[CauseStackOverflow].Value(),

		Deflations:      m.deflations.Value(),
		DeflationCycles: m.deflationCycles.Value(),
		DeflationStalls: m.deflationStalls.Value(),
		Handshakes:      m.handshakes.Value(),
		Rescues:         m.rescues.Value(),

		Waits:         m.waits.Value(),
		WaitTimeouts:  m.waitTimeouts.Value(),
		Notifications: m.notifications.Value(),
		HashInstalls:  m.hashInstalls.Value(),
		LeakedThreads: m.leakedThreads.Value(),
	}
}

// WriteMetrics exports the subsystem's metrics in Prometheus text format.
func (mgr *Manager) WriteMetrics(w io.Writer) error {
	return mgr.metrics.registry.WritePrometheus(w, metric.ExportOptions{Prefix: "basalt_"})
}

// Audit writes a human-readable dump of every in-use monitor, returning
// the number dumped. Intended for debugging and leak hunts. Deflation is
// held off for the duration; individual monitor states are still read
// racily.
func (mgr *Manager) Audit(w io.Writer) (int, error) {
	mgr.deflateMu.Lock()
	defer mgr.deflateMu.Unlock()

	n := 0
	var err error
	_, err = fmt.Fprintf(w, "monitors in use: %d (peak %d, ceiling %d)\n", mgr.registry.count.Load(), mgr.registry.peak.Load(), mgr.ceiling.Load())
	if err != nil {
		return 0, err
	}
	mgr.registry.forEach(func(m *Monitor) {
		if err != nil {
			return
		}
		n++
		_, err = fmt.Fprintf(w, "  %v\n", m)
	})
	return n, err
}
