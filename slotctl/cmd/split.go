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
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/memslot"
	"gvisor.dev/memslot/slotctl/config"
)

// Split implements subcommands.Command for the "split" command.
type Split struct {
	flags string
}

// Name implements subcommands.Command.Name.
func (*Split) Name() string {
	return "split"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Split) Synopsis() string {
	return "print the slots a region is mapped with"
}

// Usage implements subcommands.Command.Usage.
func (*Split) Usage() string {
	return `split [flags] <start> <size> - print the slots a region is mapped with.

The slot size limit is taken from --max-slot-size or the configuration file.

EXAMPLE:
    $ slotctl --max-slot-size=0x40000000 split 0 0xa0000000
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Split) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.flags, "flags", "log-dirty", "comma-separated region flags: log-dirty, readonly.")
}

// Execute implements subcommands.Command.Execute.
func (s *Split) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	start, err := strconv.ParseUint(f.Arg(0), 0, 64)
	if err != nil {
		Errorf("invalid start %q: %v", f.Arg(0), err)
		return subcommands.ExitUsageError
	}
	size, err := strconv.ParseUint(f.Arg(1), 0, 64)
	if err != nil {
		Errorf("invalid size %q: %v", f.Arg(1), err)
		return subcommands.ExitUsageError
	}
	flags, err := config.ParseFlags(splitList(s.flags))
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	descs, err := memslot.LayoutWithLimit(memslot.Region{
		Start: hostarch.Addr(start),
		Size:  size,
		Flags: flags,
	}, conf.MaxSlotSize)
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "SLOT\tSTART\tEND\tPAGES\tFLAGS\n")
	for i, d := range descs {
		fmt.Fprintf(w, "%d\t%v\t%v\t%d\t%v\n", i, d.GuestAddr, d.GuestAddr+hostarch.Addr(d.Size), d.Pages(), d.Flags)
	}
	w.Flush()
	return subcommands.ExitSuccess
}
