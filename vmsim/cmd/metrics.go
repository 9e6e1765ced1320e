// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	stress int
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the demo and print metric data in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [--stress=N] - runs the end-to-end scenarios, and optionally a stress run
with N processes, then prints all metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.stress, "stress", 0, "if positive, also run a stress round with this many processes.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := exerciseAndExport(ctx, conf, m.stress, os.Stdout); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// exerciseAndExport runs the scenarios, and a stress round if procs is
// positive, then writes all metrics to w. Scenario failures are reported in
// the log but do not prevent the export.
func exerciseAndExport(ctx context.Context, conf *config.Config, procs int, w io.Writer) error {
	if failed := reportScenarios(io.Discard, runScenarios(ctx, conf)); failed != 0 {
		util.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	if procs > 0 {
		sim, err := newSimulation(conf)
		if err != nil {
			return err
		}
		if err := stressChildren(ctx, sim.k, procs, 4); err != nil {
			util.Errorf("stress failed: %v", err)
		}
		if err := sim.release(ctx); err != nil {
			return err
		}
	}
	return metric.WriteText(w)
}
