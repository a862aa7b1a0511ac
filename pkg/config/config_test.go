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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/physmem"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	c.Memory[0].Size = 4096
	c.NrCPUs = 1
	if diff := cmp.Diff(&defaults, Default()); diff != "" {
		t.Errorf("Default shares state with its callers (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	data := `
nr_cpus = 2
hyp_pool_pages = 64
debug = true

[[memory]]
base = 0x80000000
size = 0x1000000

[[memory]]
base = 0x90000000
size = 0x100000
nomap = true

[log]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	want.NrCPUs = 2
	want.HypPoolPages = 64
	want.Debug = true
	want.Memory = []physmem.Region{
		{Base: 0x80000000, Size: 0x1000000},
		{Base: 0x90000000, Size: 0x100000, NoMap: true},
	}
	want.Log = Log{Level: "debug", Format: "json"}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
	if lvl, _ := c.LogLevel(); lvl != log.Debug {
		t.Errorf("LogLevel = %v, want %v", lvl, log.Debug)
	}

	// The nomap region is too small and skipped anyway.
	carve, ok := c.CarveOut()
	wantCarve := physmem.Region{Base: 0x81000000 - 0x150000, Size: 0x150000}
	if !ok || carve != wantCarve {
		t.Errorf("CarveOut = %v, %t, want %v", carve, ok, wantCarve)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestParseRejected(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
		want string
	}{
		{"unknown key", "colour = 1", "unknown config keys: colour"},
		{"bad syntax", "nr_cpus = ", "decoding config"},
		{"unaligned", "[[memory]]\nbase = 0x40000100\nsize = 0x100000", "not page aligned"},
		{"overlap", "[[mmio]]\nbase = 0x40001000\nsize = 0x1000", "overlaps"},
		{"no cpus", "nr_cpus = 0", "nr_cpus"},
		{"too many cpus", "nr_cpus = 65", "nr_cpus"},
		{"no vms", "max_vms = 0", "max_vms"},
		{"empty pool", "hyp_pool_pages = 0", "hyp_pool_pages"},
		{"pool order", "iommu_pool_order = 11", "iommu_pool_order"},
		{"heap size", "heap_va_size = 0x100001000", "heap_va_size"},
		{"heap overlap", "heap_va = 0x40000000", "heap range"},
		{"no room", "hyp_pool_pages = 0x10000", "boot pages"},
		{"log level", "[log]\nlevel = \"loud\"", "log level"},
		{"log format", "[log]\nformat = \"xml\"", "log format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse(%q) = %v, want error containing %q", tc.data, err, tc.want)
			}
		})
	}
}
