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
	"gvisor.dev/pkvm/pkg/sim"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the hypervisor and print where its memory went"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the hypervisor on the configured machine, check
its pools and print the boot layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.format, "format", "text", "output format: text, json or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := checkFormat(b.format); err != nil {
		return Errorf("%v", err)
	}
	conf := args[0].(*config.Config)

	e, err := sim.New(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer e.Close()
	if err := e.Hyp.CheckInvariants(); err != nil {
		return Errorf("after boot: %v", err)
	}

	r := e.Snapshot()
	r.Pages = nil
	if err := r.Encode(os.Stdout, b.format); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}
