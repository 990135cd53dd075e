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

// Package config holds the slotctl configuration and the flags that override
// it.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/memslot/pkg/hostarch"
	"gvisor.dev/memslot/pkg/log"
	"gvisor.dev/memslot/pkg/memslot"
)

// Backend kinds.
const (
	BackendSim = "sim"
	BackendKVM = "kvm"
)

// Config is the slotctl configuration.
//
// A configuration file is TOML. Keys that are not set keep the values of
// Default.
type Config struct {
	// Backend is the slot backend: "sim" or "kvm".
	Backend string `toml:"backend"`

	// DevicePath is the KVM device.
	DevicePath string `toml:"device_path"`

	// Capacity is the number of slots per address space of the sim backend.
	Capacity int `toml:"capacity"`

	// MaxSlotSize is the largest slot a region is mapped with, in bytes.
	MaxSlotSize uint64 `toml:"max_slot_size"`

	// CollectWorkers bounds parallel dirty log collection. Zero means
	// GOMAXPROCS.
	CollectWorkers int `toml:"collect_workers"`

	Log Log `toml:"log"`

	// Regions are the guest memory regions present at start.
	Regions []Region `toml:"region"`

	// Poisoned are guest addresses of pages marked hardware poisoned
	// before the regions are mapped.
	Poisoned []uint64 `toml:"poisoned"`

	Simulation Simulation `toml:"simulation"`
}

// Log configures logging.
type Log struct {
	// Level is the minimum level emitted.
	Level log.Level `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// File is a log file pattern. %COMMAND%, %PID% and %TIMESTAMP% are
	// substituted. If empty, logs go to stderr.
	File string `toml:"file"`

	// AlsoToStderr sends logs to stderr in addition to File.
	AlsoToStderr bool `toml:"alsologtostderr"`
}

// Region is a guest memory region.
type Region struct {
	Start uint64 `toml:"start"`
	Size  uint64 `toml:"size"`

	// Reserve is the host memory reserved for the region to grow into. If
	// smaller than Size, Size is used.
	Reserve uint64 `toml:"reserve"`

	// Flags is a list of "log-dirty" and "readonly".
	Flags []string `toml:"flags"`
}

// Simulation configures the simulate command.
type Simulation struct {
	// VCPUs is the number of goroutines writing guest memory.
	VCPUs int `toml:"vcpus"`

	// Rounds is the number of write and collect rounds.
	Rounds int `toml:"rounds"`

	// Writes is the number of writes per vCPU and round.
	Writes int `toml:"writes"`

	// Seed seeds the page choice of the vCPUs.
	Seed int64 `toml:"seed"`

	// Interval is the pause between rounds.
	Interval time.Duration `toml:"interval"`

	// Events change the regions before a round.
	Events []Event `toml:"event"`
}

// Event kinds.
const (
	EventAdd    = "add"
	EventRemove = "remove"
	EventResize = "resize"
	EventFlags  = "flags"
	EventPoison = "poison"
)

// Event is a scripted change applied before round Round.
type Event struct {
	Round int    `toml:"round"`
	Kind  string `toml:"kind"`

	// Start is the region start, or the poisoned address.
	Start uint64 `toml:"start"`

	// Size is the new size for "add" and "resize".
	Size uint64 `toml:"size"`

	// Reserve is the host reservation for "add".
	Reserve uint64 `toml:"reserve"`

	// Flags are the new flags for "add" and "flags".
	Flags []string `toml:"flags"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:     BackendSim,
		DevicePath:  "/dev/kvm",
		Capacity:    32,
		MaxSlotSize: memslot.DefaultMaxSlotSize,
		Log: Log{
			Level:  log.Info,
			Format: "text",
		},
		Simulation: Simulation{
			VCPUs:  4,
			Rounds: 10,
			Writes: 1000,
			Seed:   1,
		},
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("error parsing %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
	}
	return c, nil
}

// ParseFlags converts flag names to memslot flags.
func ParseFlags(names []string) (memslot.Flags, error) {
	var f memslot.Flags
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "log-dirty":
			f |= memslot.FlagLogDirty
		case "readonly":
			f |= memslot.FlagReadOnly
		case "", "none":
		default:
			return 0, fmt.Errorf("unknown region flag %q", name)
		}
	}
	return f, nil
}

func checkRange(what string, start, size uint64) error {
	if !hostarch.Addr(start).IsPageAligned() {
		return fmt.Errorf("%s start %#x is not page aligned", what, start)
	}
	if size == 0 {
		return fmt.Errorf("%s at %#x has zero size", what, start)
	}
	if start+size < start {
		return fmt.Errorf("%s [%#x, +%#x) wraps", what, start, size)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim:
		if c.Capacity <= 0 {
			return fmt.Errorf("capacity %d must be positive", c.Capacity)
		}
	case BackendKVM:
	default:
		return fmt.Errorf("unknown backend %q, want %q or %q", c.Backend, BackendSim, BackendKVM)
	}
	if c.MaxSlotSize == 0 || c.MaxSlotSize&uint64(hostarch.PageMask) != 0 {
		return fmt.Errorf("max slot size %#x must be a non-zero multiple of the page size", c.MaxSlotSize)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q, want text or json", c.Log.Format)
	}
	for _, r := range c.Regions {
		if err := checkRange("region", r.Start, r.Size); err != nil {
			return err
		}
		if _, err := ParseFlags(r.Flags); err != nil {
			return err
		}
	}
	s := &c.Simulation
	if s.VCPUs < 0 || s.Rounds < 0 || s.Writes < 0 {
		return fmt.Errorf("simulation vcpus, rounds and writes must not be negative")
	}
	for _, ev := range s.Events {
		if ev.Round < 0 || ev.Round >= max(s.Rounds, 1) {
			return fmt.Errorf("event %q at round %d outside of [0, %d)", ev.Kind, ev.Round, s.Rounds)
		}
		switch ev.Kind {
		case EventAdd, EventResize:
			if err := checkRange(ev.Kind+" event", ev.Start, ev.Size); err != nil {
				return err
			}
		case EventFlags:
		case EventRemove, EventPoison:
		default:
			return fmt.Errorf("unknown event kind %q", ev.Kind)
		}
		if _, err := ParseFlags(ev.Flags); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFlags registers the flags that override configuration file keys.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("backend", BackendSim, "slot backend: sim (default) or kvm.")
	fs.String("device-path", "/dev/kvm", "path to the KVM device.")
	fs.Int("capacity", 32, "slots per address space of the sim backend.")
	fs.Uint64("max-slot-size", memslot.DefaultMaxSlotSize, "largest slot a region is mapped with, in bytes.")
	fs.Int("collect-workers", 0, "slots collected in parallel. 0 means GOMAXPROCS.")
	fs.String("log", "", "log file pattern. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	fs.String("log-format", "text", "log format: text (default) or json.")
	fs.Bool("debug", false, "enable debug logging.")
	fs.Bool("alsologtostderr", false, "send log messages to stderr in addition to --log.")
}

// Override applies the flags of fs that were set on the command line.
func (c *Config) Override(fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.(flag.Getter).Get()
		switch f.Name {
		case "backend":
			c.Backend = v.(string)
		case "device-path":
			c.DevicePath = v.(string)
		case "capacity":
			c.Capacity = v.(int)
		case "max-slot-size":
			c.MaxSlotSize = v.(uint64)
		case "collect-workers":
			c.CollectWorkers = v.(int)
		case "log":
			c.Log.File = v.(string)
		case "log-format":
			c.Log.Format = v.(string)
		case "debug":
			if v.(bool) {
				c.Log.Level = log.Debug
			}
		case "alsologtostderr":
			c.Log.AlsoToStderr = v.(bool)
		}
	})
}

// LogConfig writes the configuration to the log.
func (c *Config) LogConfig() {
	log.Infof("Config: backend %s, max slot size %#x, collect workers %d", c.Backend, c.MaxSlotSize, c.CollectWorkers)
	if c.Backend == BackendSim {
		log.Infof("Config: sim capacity %d", c.Capacity)
	} else {
		log.Infof("Config: KVM device %s", c.DevicePath)
	}
	for _, r := range c.Regions {
		log.Debugf("Config: region [%#x, +%#x) reserve %#x flags %v", r.Start, r.Size, r.Reserve, r.Flags)
	}
}
