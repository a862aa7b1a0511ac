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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/sim"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	format string
	cpu    int
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the ownership state of every page"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] [scenario]... - boot the hypervisor, run the given
scenarios one after the other, then print the pools and the state of every
physical page.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "text", "output format: text, json or yaml.")
	f.IntVar(&d.cpu, "cpu", 0, "CPU to run the scenarios from.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if err := checkFormat(d.format); err != nil {
		return Errorf("%v", err)
	}
	conf := args[0].(*config.Config)
	if d.cpu < 0 || d.cpu >= conf.NrCPUs {
		return Errorf("cpu %d out of range, the machine has %d", d.cpu, conf.NrCPUs)
	}
	var scenarios []sim.Scenario
	for _, name := range f.Args() {
		s, ok := sim.Lookup(name)
		if !ok {
			return Errorf("unknown scenario %q, see scenario -list", name)
		}
		scenarios = append(scenarios, s)
	}

	e, err := sim.New(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer e.Close()
	for _, s := range scenarios {
		log.Infof("Running scenario %q on cpu %d", s.Name, d.cpu)
		if err := s.Run(ctx, e, d.cpu); err != nil {
			return Errorf("scenario %s: %v", s.Name, err)
		}
	}
	if err := e.Snapshot().Encode(os.Stdout, d.format); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}
