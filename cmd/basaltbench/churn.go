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

// churnCmd implements subcommands.Command for the "churn" command.
type churnCmd struct {
	runFlags
	batch int
}

// Name implements subcommands.Command.Name.
func (*churnCmd) Name() string {
	return "churn"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*churnCmd) Synopsis() string {
	return "cycle monitors through inflation, death, and reclamation"
}

// Usage implements subcommands.Command.Usage.
func (*churnCmd) Usage() string {
	return `churn [flags] - stress the monitor lifecycle.

Threads inflate monitors on freshly allocated objects and immediately
drop the references, leaving the deflater and the collector to reclaim
them. Measures lifecycle throughput rather than lock throughput: one
operation is one inflated monitor.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *churnCmd) SetFlags(f *flag.FlagSet) {
	c.runFlags.register(f)
	f.IntVar(&c.batch, "batch", 0, "monitors inflated per iteration; overrides the scenario file.")
}

// Execute implements subcommands.Command.Execute.
func (c *churnCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sc := c.runFlags.apply(args[0].(*scenario))
	if c.batch > 0 {
		sc.Churn.Batch = c.batch
	}
	opts, err := sc.options()
	if err != nil {
		logrus.WithError(err).Error("bad scenario")
		return subcommands.ExitUsageError
	}

	mgr := monitor.New(opts)
	mgr.Start()
	defer mgr.Stop()

	logrus.WithFields(logrus.Fields{
		"threads": sc.Threads,
		"batch":   sc.Churn.Batch,
	}).Debug("starting churn workload")

	var stopped atomic.Bool
	timer := time.AfterFunc(sc.Duration.Duration, func() { stopped.Store(true) })
	defer timer.Stop()

	counts := make([]int64, sc.Threads)
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < sc.Threads; w++ {
		g.Go(func() error {
			th := mgr.RegisterThread()
			defer mgr.UnregisterThread(th)
			var ops int64
			for !stopped.Load() {
				// An interleaved re-entry cannot be expressed on the
				// lock stack, so each round trip below inflates o.
				pivot := heap.NewObject("bench.Churn")
				for j := 0; j < sc.Churn.Batch; j++ {
					o := heap.NewObject("bench.Churn")
					mgr.Enter(th, o)
					mgr.Enter(th, pivot)
					mgr.Enter(th, o)
					for _, target := range []*heap.Object{o, pivot, o} {
						if err := mgr.Exit(th, target); err != nil {
							return err
						}
					}
					ops++
				}
			}
			counts[w] = ops
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("churn worker failed")
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)

	var total int64
	for _, n := range counts {
		total += n
	}
	report("churn", sc, mgr, total, elapsed, c.metrics)
	return subcommands.ExitSuccess
}
