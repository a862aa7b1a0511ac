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

package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/physmem"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	c := config.Default()
	c.Memory = []physmem.Region{{Base: 0x40000000, Size: 16 << 20}}
	c.HypPoolPages = 128
	c.HostS2PoolPages = 64
	c.IOMMUAtomicPages = 8
	c.HeapVASize = 1 << 20
	c.NrCPUs = 2
	c.Debug = true
	e, err := New(c)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestScenarios(t *testing.T) {
	for _, s := range Scenarios() {
		t.Run(s.Name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				if err := s.Run(ctx, e, 1); err != nil {
					t.Fatalf("run %d failed: %v", i, err)
				}
			}
			if err := e.Hyp.CheckInvariants(); err != nil {
				t.Errorf("CheckInvariants failed: %v", err)
			}
			if vms := e.Hyp.VMs.VMs(); len(vms) != 0 {
				t.Errorf("%d VMs left", len(vms))
			}
		})
	}
}

func TestLookup(t *testing.T) {
	var names []string
	for _, s := range Scenarios() {
		names = append(names, s.Name)
		if got, ok := Lookup(s.Name); !ok || got.Name != s.Name {
			t.Errorf("Lookup(%q) = %v, %t", s.Name, got.Name, ok)
		}
	}
	if diff := cmp.Diff([]string{"iommu", "reclaim", "share", "vm"}, names); diff != "" {
		t.Errorf("scenario names mismatch (-want +got):\n%s", diff)
	}
	if _, ok := Lookup("reboot"); ok {
		t.Errorf("Lookup(reboot) succeeded")
	}
}

func TestStress(t *testing.T) {
	e := newEnv(t)
	res, err := Stress(context.Background(), e, StressConfig{Workers: 8, Iterations: 16, Seed: 1})
	if err != nil {
		t.Fatalf("Stress failed: %v", err)
	}
	if res.Workers != 2 {
		t.Errorf("Workers = %d, want 2", res.Workers)
	}
	var runs uint64
	for _, n := range res.Runs {
		runs += n
	}
	if runs != 32 {
		t.Errorf("ran %d scenarios, want 32: %v", runs, res.Runs)
	}

	before := e.Hyp.Allocators.Reclaimable()
	n, err := e.Host.Reclaim(0, before)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if before > 0 && n == 0 {
		t.Errorf("reclaimed nothing out of %d reclaimable pages", before)
	}
}

func TestStressRejected(t *testing.T) {
	e := newEnv(t)
	if _, err := Stress(context.Background(), e, StressConfig{Iterations: 1, Scenarios: []string{"vm", "reboot"}}); err == nil {
		t.Errorf("Stress with an unknown scenario succeeded")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Stress(ctx, e, StressConfig{Iterations: 1}); err == nil {
		t.Errorf("Stress with a canceled context succeeded")
	}
}

func TestSnapshot(t *testing.T) {
	e := newEnv(t)
	r := e.Snapshot()

	start := hostarch.Addr(0x40000000).PFN()
	want := []Range{
		{Start: start, Pages: 4096 - 200, State: "host"},
		{Start: start + 4096 - 200, Pages: 200, State: "hyp"},
	}
	if diff := cmp.Diff(want, r.Pages[:2]); diff != "" {
		t.Errorf("memory ranges mismatch (-want +got):\n%s", diff)
	}
	var mmio uint64
	for _, rg := range r.Pages[2:] {
		mmio += rg.Pages
	}
	if want := e.Hyp.Config.MMIO[0].Size / hostarch.PageSize; mmio != want {
		t.Errorf("MMIO ranges cover %d pages, want %d", mmio, want)
	}
	if len(r.Pools) != 2 || r.Pools[0].Name != "hyp" || r.Pools[1].Name != "host" {
		t.Errorf("unexpected pools %+v", r.Pools)
	}
	if r.HostFree != 4096-200 {
		t.Errorf("HostFree = %d, want %d", r.HostFree, 4096-200)
	}
}

func TestEncode(t *testing.T) {
	e := newEnv(t)
	if err := runVM(context.Background(), e, 0); err != nil {
		t.Fatalf("vm scenario failed: %v", err)
	}
	r := e.Snapshot()

	var buf bytes.Buffer
	if err := r.Encode(&buf, "json"); err != nil {
		t.Fatalf("Encode(json) failed: %v", err)
	}
	var fromJSON Report
	if err := json.Unmarshal(buf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(r, &fromJSON); diff != "" {
		t.Errorf("json report mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := r.Encode(&buf, "yaml"); err != nil {
		t.Fatalf("Encode(yaml) failed: %v", err)
	}
	var fromYAML Report
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(r.Pages, fromYAML.Pages); diff != "" {
		t.Errorf("yaml pages mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := r.Encode(&buf, "text"); err != nil {
		t.Fatalf("Encode(text) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "START") || !strings.Contains(buf.String(), "hyp pool free") {
		t.Errorf("unexpected text report:\n%s", buf.String())
	}

	if err := r.Encode(&buf, "xml"); err == nil {
		t.Errorf("Encode(xml) succeeded")
	}
}
