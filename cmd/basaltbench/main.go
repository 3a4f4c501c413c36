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

// basaltbench drives synthetic lock workloads against the monitor
// subsystem and reports throughput, inflation behavior, and resource use.
//
// Workloads are configured by a TOML scenario file and tuned by flags:
//
//	basaltbench -config scenario.toml stress -threads 16
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "path to a TOML scenario file.")
	verbose    = flag.Bool("verbose", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(stressCmd), "workloads")
	subcommands.Register(new(churnCmd), "workloads")
	subcommands.Register(new(waitCmd), "workloads")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	sc, err := loadScenario(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading scenario")
	}

	os.Exit(int(subcommands.Execute(context.Background(), sc)))
}
