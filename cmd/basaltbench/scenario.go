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
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"basalt.dev/basalt/pkg/monitor"
)

// duration wraps time.Duration so scenario files can say "250ms".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// scenario is a benchmark configuration. Zero fields take defaults;
// subcommand flags override file values.
type scenario struct {
	// Strategy is the monitor locating strategy, "stack" or "table".
	Strategy string `toml:"strategy"`

	// Threads is the number of worker threads.
	Threads int `toml:"threads"`

	// Objects is the size of the shared object population.
	Objects int `toml:"objects"`

	// Duration is the measured run length.
	Duration duration `toml:"duration"`

	// DeflationInterval is the background deflater's cadence.
	DeflationInterval duration `toml:"deflation_interval"`

	// InUseCeiling is the monitor population that triggers eager
	// deflation.
	InUseCeiling int64 `toml:"in_use_ceiling"`

	// TableBuckets sizes the monitor table under the table strategy.
	TableBuckets int `toml:"table_buckets"`

	// SpinLimit bounds contended spinning before parking.
	SpinLimit int `toml:"spin_limit"`

	Stress stressConfig `toml:"stress"`
	Churn  churnConfig  `toml:"churn"`
	Wait   waitConfig   `toml:"wait"`
}

type stressConfig struct {
	// RecursionEvery nests a recursive pair into every Nth operation.
	// Zero disables recursion.
	RecursionEvery int `toml:"recursion_every"`
}

type churnConfig struct {
	// Batch is the number of monitors inflated per iteration.
	Batch int `toml:"batch"`
}

type waitConfig struct {
	// WaitersPerObject is the consumer count parked on each object.
	WaitersPerObject int `toml:"waiters_per_object"`

	// Timeout bounds each individual wait.
	Timeout duration `toml:"timeout"`
}

// loadScenario reads a scenario file, or returns the defaults if path is
// empty.
func loadScenario(path string) (*scenario, error) {
	var sc scenario
	if path != "" {
		if _, err := toml.DecodeFile(path, &sc); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	sc.withDefaults()
	return &sc, nil
}

func (sc *scenario) withDefaults() {
	if sc.Strategy == "" {
		sc.Strategy = "stack"
	}
	if sc.Threads == 0 {
		sc.Threads = 8
	}
	if sc.Objects == 0 {
		sc.Objects = 64
	}
	if sc.Duration.Duration == 0 {
		sc.Duration.Duration = 10 * time.Second
	}
	if sc.Stress.RecursionEvery == 0 {
		sc.Stress.RecursionEvery = 16
	}
	if sc.Churn.Batch == 0 {
		sc.Churn.Batch = 8
	}
	if sc.Wait.WaitersPerObject == 0 {
		sc.Wait.WaitersPerObject = 4
	}
	if sc.Wait.Timeout.Duration == 0 {
		sc.Wait.Timeout.Duration = 100 * time.Millisecond
	}
}

// options translates the scenario into Manager options.
func (sc *scenario) options() (monitor.Options, error) {
	opts := monitor.Options{
		TableBuckets:      sc.TableBuckets,
		DeflationInterval: sc.DeflationInterval.Duration,
		InUseCeiling:      sc.InUseCeiling,
		SpinLimit:         sc.SpinLimit,
	}
	switch sc.Strategy {
	case "", "stack":
		opts.Strategy = monitor.StrategyStack
	case "table":
		opts.Strategy = monitor.StrategyTable
	default:
		return opts, fmt.Errorf("unknown strategy %q (want %q or %q)", sc.Strategy, "stack", "table")
	}
	return opts, nil
}

// runFlags are the scenario fields every workload accepts on the command
// line. Zero means "use the scenario file".
type runFlags struct {
	threads  int
	objects  int
	duration time.Duration
	metrics  bool
}

func (r *runFlags) register(f *flag.FlagSet) {
	f.IntVar(&r.threads, "threads", 0, "worker threads; overrides the scenario file.")
	f.IntVar(&r.objects, "objects", 0, "object population; overrides the scenario file.")
	f.DurationVar(&r.duration, "duration", 0, "run length; overrides the scenario file.")
	f.BoolVar(&r.metrics, "metrics", false, "dump metrics to stdout after the run.")
}

// apply overlays explicitly set flags onto a copy of sc and returns it.
func (r *runFlags) apply(sc *scenario) *scenario {
	run := *sc
	if r.threads > 0 {
		run.Threads = r.threads
	}
	if r.objects > 0 {
		run.Objects = r.objects
	}
	if r.duration > 0 {
		run.Duration.Duration = r.duration
	}
	return &run
}
