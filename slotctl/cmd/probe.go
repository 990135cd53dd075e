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

	"github.com/google/subcommands"
	"gvisor.dev/memslot/pkg/kvm"
	"gvisor.dev/memslot/slotctl/config"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	createVM bool
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "print the memory slot capabilities of the KVM device"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe [flags] - print the memory slot capabilities of the KVM device.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.createVM, "create-vm", false, "create a VM and report the capabilities it was given.")
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var caps kvm.Capabilities
	if p.createVM {
		b, err := kvm.New(conf.DevicePath)
		if err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
		caps = b.Capabilities()
		if err := b.Close(); err != nil {
			Errorf("closing VM: %v", err)
			return subcommands.ExitFailure
		}
	} else {
		var err error
		if caps, err = kvm.Probe(conf.DevicePath); err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
	}
	fmt.Printf("device:                   %s\n", conf.DevicePath)
	fmt.Printf("memory slots:             %d\n", caps.MemSlots)
	fmt.Printf("address spaces:           %d\n", caps.AddressSpaces)
	fmt.Printf("manual dirty log protect: %t\n", caps.ManualDirtyLogProtect)
	return subcommands.ExitSuccess
}
