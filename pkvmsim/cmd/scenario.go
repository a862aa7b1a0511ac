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

	"github.com/google/subcommands"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/sim"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	list   bool
	cpu    int
	repeat int
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run scenarios against a freshly booted hypervisor"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] <scenario>... - run the given scenarios, in order,
from one CPU. Use -list to see the scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.list, "list", false, "list the scenarios and exit.")
	f.IntVar(&s.cpu, "cpu", 0, "CPU to run the scenarios from.")
	f.IntVar(&s.repeat, "repeat", 1, "number of times to run each scenario.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.list {
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		for _, sc := range sim.Scenarios() {
			fmt.Fprintf(tw, "%s\t%s\n", sc.Name, sc.Synopsis)
		}
		tw.Flush()
		return subcommands.ExitSuccess
	}
	if f.NArg() == 0 || s.repeat < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.cpu < 0 || s.cpu >= conf.NrCPUs {
		return Errorf("cpu %d out of range, the machine has %d", s.cpu, conf.NrCPUs)
	}
	var scenarios []sim.Scenario
	for _, name := range f.Args() {
		sc, ok := sim.Lookup(name)
		if !ok {
			return Errorf("unknown scenario %q, see scenario -list", name)
		}
		scenarios = append(scenarios, sc)
	}

	e, err := sim.New(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer e.Close()
	for _, sc := range scenarios {
		for i := 0; i < s.repeat; i++ {
			if err := sc.Run(ctx, e, s.cpu); err != nil {
				return Errorf("scenario %s, run %d: %v", sc.Name, i, err)
			}
		}
		if err := e.Hyp.CheckInvariants(); err != nil {
			return Errorf("after scenario %s: %v", sc.Name, err)
		}
		fmt.Printf("ok\t%s\t%d runs\n", sc.Name, s.repeat)
	}
	return subcommands.ExitSuccess
}
