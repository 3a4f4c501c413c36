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
	"context"
	"flag"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/monitor"
)

// waitCmd implements subcommands.Command for the "wait" command.
type waitCmd struct {
	runFlags
	waiters int
}

// Name implements subcommands.Command.Name.
func (*waitCmd) Name() string {
	return "wait"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*waitCmd) Synopsis() string {
	return "producer/consumer handoff through wait and notify"
}

// Usage implements subcommands.Command.Usage.
func (*waitCmd) Usage() string {
	return `wait [flags] - measure condition-wait handoff.

Each object carries a permit counter, one producer, and a pool of
consumers blocked in Wait. One operation is one permit handed off. The
thread count is objects * (1 + waiters_per_object); -threads is ignored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *waitCmd) SetFlags(f *flag.FlagSet) {
	c.runFlags.register(f)
	f.IntVar(&c.waiters, "waiters", 0, "consumers per object; overrides the scenario file.")
}

// Execute implements subcommands.Command.Execute.
func (c *waitCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sc := c.runFlags.apply(args[0].(*scenario))
	if c.waiters > 0 {
		sc.Wait.WaitersPerObject = c.waiters
	}
	opts, err := sc.options()
	if err != nil {
		logrus.WithError(err).Error("bad scenario")
		return subcommands.ExitUsageError
	}

	mgr := monitor.New(opts)
	mgr.Start()
	defer mgr.Stop()

	objs := make([]*heap.Object, sc.Objects)
	permits := make([]int, sc.Objects)
	for i := range objs {
		objs[i] = heap.NewObject("bench.Channel")
	}

	logrus.WithFields(logrus.Fields{
		"objects": sc.Objects,
		"waiters": sc.Wait.WaitersPerObject,
		"timeout": sc.Wait.Timeout.Duration,
	}).Debug("starting wait workload")

	var stopped atomic.Bool
	timer := time.AfterFunc(sc.Duration.Duration, func() { stopped.Store(true) })
	defer timer.Stop()

	consumers := sc.Objects * sc.Wait.WaitersPerObject
	counts := make([]int64, consumers)
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < sc.Objects; i++ {
		o := objs[i]
		g.Go(func() error {
			th := mgr.RegisterThread()
			defer mgr.UnregisterThread(th)
			for !stopped.Load() {
				mgr.Enter(th, o)
				permits[i]++
				if err := mgr.Notify(th, o); err != nil {
					return err
				}
				if err := mgr.Exit(th, o); err != nil {
					return err
				}
			}
			// Flush: consumers drain the last permits and observe the
			// stop flag.
			mgr.Enter(th, o)
			if err := mgr.NotifyAll(th, o); err != nil {
				return err
			}
			return mgr.Exit(th, o)
		})
		for wtr := 0; wtr < sc.Wait.WaitersPerObject; wtr++ {
			slot := i*sc.Wait.WaitersPerObject + wtr
			g.Go(func() error {
				th := mgr.RegisterThread()
				defer mgr.UnregisterThread(th)
				var consumed int64
				for {
					mgr.Enter(th, o)
					for permits[i] == 0 && !stopped.Load() {
						// The timeout lets a consumer that lost its
						// notification to a sibling recheck on its own.
						if _, err := mgr.Wait(th, o, sc.Wait.Timeout.Duration); err != nil {
							return err
						}
					}
					if permits[i] == 0 {
						counts[slot] = consumed
						return mgr.Exit(th, o)
					}
					permits[i]--
					consumed++
					if err := mgr.Exit(th, o); err != nil {
						return err
					}
				}
			})
		}
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("wait worker failed")
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)

	var total int64
	for _, n := range counts {
		total += n
	}
	report("wait", sc, mgr, total, elapsed, c.metrics)
	return subcommands.ExitSuccess
}
