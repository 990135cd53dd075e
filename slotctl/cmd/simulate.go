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
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/slotctl/config"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	vcpus   int
	rounds  int
	writes  int
	seed    int64
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "map the configured regions and check dirty page collection"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - map the configured regions and check dirty page collection.

Each round applies the events scheduled for it, lets the vCPUs write random
guest pages and collects the dirty pages of every slot. The command fails if a
page written to a tracked slot is not collected.

EXAMPLE:
    $ slotctl --config=slotctl.toml simulate --rounds=100 --metrics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.vcpus, "vcpus", -1, "number of vCPUs writing guest memory. -1 uses the configuration.")
	f.IntVar(&s.rounds, "rounds", -1, "number of rounds. -1 uses the configuration.")
	f.IntVar(&s.writes, "writes", -1, "writes per vCPU and round. -1 uses the configuration.")
	f.Int64Var(&s.seed, "seed", 0, "random seed. 0 uses the configuration.")
	f.BoolVar(&s.metrics, "metrics", false, "print metrics in the Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sc := &conf.Simulation
	if s.vcpus >= 0 {
		sc.VCPUs = s.vcpus
	}
	if s.rounds >= 0 {
		sc.Rounds = s.rounds
	}
	if s.writes >= 0 {
		sc.Writes = s.writes
	}
	if s.seed != 0 {
		sc.Seed = s.seed
	}
	if err := conf.Validate(); err != nil {
		Errorf("invalid configuration: %v", err)
		return subcommands.ExitUsageError
	}

	sim, err := newSimulation(conf)
	if err != nil {
		Errorf("starting simulation: %v", err)
		return subcommands.ExitFailure
	}
	status := s.run(sim)
	if err := sim.close(); err != nil {
		Errorf("closing simulation: %v", err)
		status = subcommands.ExitFailure
	}
	return status
}

func (s *Simulate) run(sim *simulation) subcommands.ExitStatus {
	sc := &sim.conf.Simulation
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "ROUND\tWRITTEN\tTRACKED\tCOLLECTED\tLOST\tSLOTS\tUNMAPPED\tCOLLECT\n")
	var lost int
	for i := 0; i < sc.Rounds; i++ {
		if i > 0 && sc.Interval > 0 {
			time.Sleep(sc.Interval)
		}
		st, err := sim.round(i)
		if err != nil {
			w.Flush()
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%v\n", st.Round, st.Written, st.Tracked, st.Collected, len(st.Lost), st.Slots, st.Unmapped, st.Duration)
		if len(st.Lost) > 0 {
			log.Warningf("Round %d lost %d tracked pages, first %#x", st.Round, len(st.Lost), st.Lost[0])
		}
		lost += len(st.Lost)
	}
	w.Flush()

	if s.metrics {
		if err := sim.writeMetrics(os.Stdout); err != nil {
			Errorf("writing metrics: %v", err)
			return subcommands.ExitFailure
		}
	}
	if lost > 0 {
		Errorf("%d tracked pages were not collected", lost)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
