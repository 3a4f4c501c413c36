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
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"basalt.dev/basalt/pkg/heap"
	"basalt.dev/basalt/pkg/monitor"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	runFlags
	recursionEvery int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "hammer enter/exit over a shared object population"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress [flags] - drive contended lock acquisition and release.

Threads repeatedly lock and unlock randomly chosen objects. Contention
inflates the hot objects; the background deflater reclaims them as the
random walk moves on.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	c.runFlags.register(f)
	f.IntVar(&c.recursionEvery, "recursion-every", 0, "nest a recursive pair into every Nth operation; overrides the scenario file.")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sc := c.runFlags.apply(args[0].(*scenario))
	if c.recursionEvery > 0 {
		sc.Stress.RecursionEvery = c.recursionEvery
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
	for i := range objs {
		objs[i] = heap.NewObject("bench.Shared")
	}

	logrus.WithFields(logrus.Fields{
		"threads":         sc.Threads,
		"objects":         sc.Objects,
		"recursion_every": sc.Stress.RecursionEvery,
	}).Debug("starting stress workload")

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
			rng := rand.New(rand.NewPCG(uint64(th.ID()), uint64(w)))
			var ops int64
			for !stopped.Load() {
				o := objs[rng.IntN(len(objs))]
				mgr.Enter(th, o)
				if sc.Stress.RecursionEvery > 0 && ops%int64(sc.Stress.RecursionEvery) == 0 {
					mgr.Enter(th, o)
					if err := mgr.Exit(th, o); err != nil {
						return err
					}
				}
				if err := mgr.Exit(th, o); err != nil {
					return err
				}
				ops++
			}
			counts[w] = ops
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("stress worker failed")
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)

	var total int64
	for _, n := range counts {
		total += n
	}
	report("stress", sc, mgr, total, elapsed, c.metrics)
	return subcommands.ExitSuccess
}
