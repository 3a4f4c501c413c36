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

package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"basalt.dev/basalt/pkg/monitor"
)

// report logs a workload's outcome, the monitor counters it drove, and the
// process's resource usage.
func report(workload string, sc *scenario, mgr *monitor.Manager, ops int64, elapsed time.Duration, dumpMetrics bool) {
	logrus.WithFields(logrus.Fields{
		"workload":    workload,
		"strategy":    sc.Strategy,
		"threads":     sc.Threads,
		"objects":     sc.Objects,
		"elapsed":     elapsed.Round(time.Millisecond),
		"ops":         ops,
		"ops_per_sec": int64(float64(ops) / elapsed.Seconds()),
	}).Info("workload complete")

	stats := mgr.Stats()
	logrus.WithFields(logrus.Fields{
		"inflations_contention": stats.InflationsContention,
		"inflations_recursion":  stats.InflationsRecursion,
		"inflations_wait":       stats.InflationsWait,
		"inflations_overflow":   stats.InflationsOverflow,
		"deflations":            stats.Deflations,
		"deflation_cycles":      stats.DeflationCycles,
		"deflation_stalls":      stats.DeflationStalls,
		"rescues":               stats.Rescues,
		"waits":                 stats.Waits,
		"wait_timeouts":         stats.WaitTimeouts,
		"notifications":         stats.Notifications,
		"in_use":                stats.InUse,
		"ceiling":               stats.Ceiling,
	}).Info("monitor counters")

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		logrus.WithError(err).Warn("reading rusage")
	} else {
		logrus.WithFields(logrus.Fields{
			"user_time":  time.Duration(ru.Utime.Nano()),
			"sys_time":   time.Duration(ru.Stime.Nano()),
			"max_rss_kb": ru.Maxrss,
		}).Info("resource usage")
	}

	if dumpMetrics {
		if err := mgr.WriteMetrics(os.Stdout); err != nil {
			logrus.WithError(err).Warn("writing metrics")
		}
	}
}
