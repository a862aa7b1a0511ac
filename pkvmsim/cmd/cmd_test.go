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
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/physmem"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Memory = []physmem.Region{{Base: 0x40000000, Size: 16 << 20}}
	c.HypPoolPages = 128
	c.HostS2PoolPages = 64
	c.IOMMUAtomicPages = 8
	c.HeapVASize = 1 << 20
	c.NrCPUs = 2
	return c
}

func TestExecute(t *testing.T) {
	for _, tc := range []struct {
		name string
		cmd  subcommands.Command
		args []string
		want subcommands.ExitStatus
	}{
		{"boot", new(Boot), nil, subcommands.ExitSuccess},
		{"boot json", new(Boot), []string{"-format=json"}, subcommands.ExitSuccess},
		{"boot extra args", new(Boot), []string{"vm"}, subcommands.ExitUsageError},
		{"boot bad format", new(Boot), []string{"-format=xml"}, subcommands.ExitFailure},
		{"scenario list", new(Scenario), []string{"-list"}, subcommands.ExitSuccess},
		{"scenario", new(Scenario), []string{"-cpu=1", "-repeat=2", "share", "vm"}, subcommands.ExitSuccess},
		{"scenario none", new(Scenario), nil, subcommands.ExitUsageError},
		{"scenario unknown", new(Scenario), []string{"reboot"}, subcommands.ExitFailure},
		{"scenario bad cpu", new(Scenario), []string{"-cpu=2", "vm"}, subcommands.ExitFailure},
		{"stress", new(Stress), []string{"-iterations=4", "-seed=3", "-format=yaml"}, subcommands.ExitSuccess},
		{"stress some", new(Stress), []string{"-iterations=4", "-scenarios=share,iommu"}, subcommands.ExitSuccess},
		{"stress unknown", new(Stress), []string{"-scenarios=reboot"}, subcommands.ExitFailure},
		{"dump", new(Dump), []string{"vm"}, subcommands.ExitSuccess},
		{"dump yaml", new(Dump), []string{"-format=yaml", "iommu"}, subcommands.ExitSuccess},
		{"dump unknown", new(Dump), []string{"reboot"}, subcommands.ExitFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := flag.NewFlagSet(tc.cmd.Name(), flag.ContinueOnError)
			tc.cmd.SetFlags(f)
			if err := f.Parse(tc.args); err != nil {
				t.Fatalf("Parse(%q) failed: %v", tc.args, err)
			}
			if got := tc.cmd.Execute(context.Background(), f, testConfig()); got != tc.want {
				t.Errorf("Execute(%q) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}
