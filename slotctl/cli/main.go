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

// Package cli is the main entrypoint for slotctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/slotctl/cmd"
	"gvisor.dev/memslot/slotctl/config"
)

var configFile = flag.String("config", "", "path to a TOML configuration file. Flags override its keys.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	conf.Override(flag.CommandLine)
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("invalid configuration: %v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	var emitters log.MultiEmitter
	if conf.Log.File != "" {
		f, err := log.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command: subcommand,
			Start:   startTime,
		})
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.Log.File, err)
		}
		emitters = append(emitters, newEmitter(conf.Log.Format, f))
		cmd.ErrorLogger = f
		if conf.Log.AlsoToStderr {
			emitters = append(emitters, newEmitter(conf.Log.Format, os.Stderr))
		}
	} else {
		emitters = append(emitters, newEmitter(conf.Log.Format, os.Stderr))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}
	log.SetLevel(conf.Log.Level)

	log.Infof("slotctl %s, %s, %d CPUs, PID %d, page size %#x", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.LogConfig()

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// slotctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Simulate), "")
	cb(new(cmd.Split), "")

	const kvmGroup = "kvm"
	cb(new(cmd.Probe), kvmGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
