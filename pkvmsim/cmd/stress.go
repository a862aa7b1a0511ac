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
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/sim"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	format     string
	workers    int
	iterations int
	seed       int64
	scenarios  string
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random scenarios from every CPU at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run random scenarios concurrently from several CPUs,
then check the hypervisor pools.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text, json or yaml.")
	f.IntVar(&s.workers, "workers", 0, "number of CPUs running scenarios, all of them if 0.")
	f.IntVar(&s.iterations, "iterations", 100, "number of scenarios each CPU runs.")
	f.Int64Var(&s.seed, "seed", 0, "seed of the scenario choice, the current time if 0.")
	f.StringVar(&s.scenarios, "scenarios", "", "comma separated scenarios to pick from, all of them if empty.")
	f.DurationVar(&s.timeout, "timeout", 0, "give up after this long, never if 0.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.iterations < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := checkFormat(s.format); err != nil {
		return Errorf("%v", err)
	}
	conf := args[0].(*config.Config)
	cfg := sim.StressConfig{
		Workers:    s.workers,
		Iterations: s.iterations,
		Seed:       s.seed,
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if s.scenarios != "" {
		cfg.Scenarios = strings.Split(s.scenarios, ",")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	e, err := sim.New(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer e.Close()
	res, err := sim.Stress(ctx, e, cfg)
	if err != nil {
		return Errorf("seed %d: %v", cfg.Seed, err)
	}
	err = encode(os.Stdout, s.format, res, func(w io.Writer) error {
		names := make([]string, 0, len(res.Runs))
		for name := range res.Runs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "seed %d, %d workers\n", cfg.Seed, res.Workers)
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%d\n", name, res.Runs[name])
		}
		return nil
	})
	if err != nil {
		return Errorf("writing result: %v", err)
	}
	return subcommands.ExitSuccess
}
