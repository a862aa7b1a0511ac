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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/hyp/pool"
	"gvisor.dev/pkvm/pkg/hyp/setup"
	"gvisor.dev/pkvm/pkg/physmem"
)

// PoolReport describes a page pool.
type PoolReport struct {
	Name      string   `json:"name" yaml:"name"`
	FreePages uint64   `json:"free_pages" yaml:"free_pages"`
	Blocks    []uint64 `json:"free_blocks" yaml:"free_blocks,flow"`
}

// Range is a run of frames in the same state.
type Range struct {
	Start hostarch.PFN `json:"start" yaml:"start"`
	Pages uint64       `json:"pages" yaml:"pages"`
	State string       `json:"state" yaml:"state"`
}

// VMReport describes a VM.
type VMReport struct {
	Handle  uint32 `json:"handle" yaml:"handle"`
	NrVCPUs int    `json:"vcpus" yaml:"vcpus"`
}

// Report is a snapshot of the machine.
type Report struct {
	Layout      setup.Layout `json:"layout" yaml:"layout"`
	Pools       []PoolReport `json:"pools" yaml:"pools"`
	Reclaimable uint64       `json:"reclaimable" yaml:"reclaimable"`
	HeapMapped  uint64       `json:"heap_mapped" yaml:"heap_mapped"`
	HostFree    uint64       `json:"host_free" yaml:"host_free"`
	VMs         []VMReport   `json:"vms,omitempty" yaml:"vms,omitempty"`
	Pages       []Range      `json:"pages,omitempty" yaml:"pages,omitempty"`
}

func poolReport(p *pool.Pool) PoolReport {
	blocks := p.FreeBlocks()
	n := len(blocks)
	for n > 0 && blocks[n-1] == 0 {
		n--
	}
	return PoolReport{
		Name:      p.Name(),
		FreePages: p.FreePages(),
		Blocks:    blocks[:n],
	}
}

// Snapshot reports the state of the machine. The machine must be quiescent.
func (e *Env) Snapshot() *Report {
	hv := e.Hyp
	r := &Report{
		Layout:      hv.Layout,
		Pools:       []PoolReport{poolReport(hv.MM.HypPool()), poolReport(hv.MM.HostPool())},
		Reclaimable: hv.Allocators.Reclaimable(),
		HeapMapped:  uint64(hv.Heap.MappedPages()),
		HostFree:    e.Host.FreeCount(),
	}
	for _, vm := range hv.VMs.VMs() {
		r.VMs = append(r.VMs, VMReport{Handle: vm.Handle, NrVCPUs: vm.NrVCPUs()})
	}
	var regions []physmem.Region
	regions = append(regions, hv.Mem.MemoryRegions()...)
	regions = append(regions, hv.Mem.MMIORegions()...)
	for _, reg := range regions {
		r.Pages = append(r.Pages, e.ranges(reg)...)
	}
	return r
}

// ranges splits reg into runs of frames in the same state.
func (e *Env) ranges(reg physmem.Region) []Range {
	var rs []Range
	for pfn := reg.Base.PFN(); pfn < reg.End().PFN(); pfn++ {
		state := e.Hyp.MM.HostPageState(pfn).String()
		if n := len(rs); n > 0 && rs[n-1].State == state {
			rs[n-1].Pages++
			continue
		}
		rs = append(rs, Range{Start: pfn, Pages: 1, State: state})
	}
	return rs
}

// Encode writes r to w as text, json or yaml.
func (r *Report) Encode(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		return r.encodeText(w)
	}
	return fmt.Errorf("unknown format %q, want text, json or yaml", format)
}

func (r *Report) encodeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "hyp pool\t%v\n", r.Layout.HypPool)
	fmt.Fprintf(tw, "host pool\t%v\n", r.Layout.HostPool)
	fmt.Fprintf(tw, "iommu atomic pool\t%v\n", r.Layout.IOMMUAtomic)
	fmt.Fprintf(tw, "heap\t%v\n", r.Layout.Heap)
	for _, p := range r.Pools {
		fmt.Fprintf(tw, "%s pool free\t%d pages, blocks by order %v\n", p.Name, p.FreePages, p.Blocks)
	}
	fmt.Fprintf(tw, "reclaimable\t%d pages\n", r.Reclaimable)
	fmt.Fprintf(tw, "heap mapped\t%d pages\n", r.HeapMapped)
	fmt.Fprintf(tw, "host free\t%d pages\n", r.HostFree)
	for _, vm := range r.VMs {
		fmt.Fprintf(tw, "vm %#x\t%d vcpus\n", vm.Handle, vm.NrVCPUs)
	}
	if len(r.Pages) == 0 {
		return tw.Flush()
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "START\tPAGES\tSTATE")
	for _, rg := range r.Pages {
		fmt.Fprintf(tw, "%#x\t%d\t%s\n", uint64(rg.Start), rg.Pages, rg.State)
	}
	return tw.Flush()
}
