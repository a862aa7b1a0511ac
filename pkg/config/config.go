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

// Package config describes the simulated machine the hypervisor runs on and
// the knobs of its memory management.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/pkvm/pkg/hostarch"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/physmem"
)

const (
	// MaxCPUs bounds NrCPUs.
	MaxCPUs = 64

	// MaxHeapSize bounds HeapVASize.
	MaxHeapSize = 1<<32 - hostarch.PageSize

	// maxPoolOrder bounds IOMMUPoolOrder, exclusive.
	maxPoolOrder = 11
)

// Config is the machine description.
type Config struct {
	// Memory lists the RAM regions.
	Memory []physmem.Region `toml:"memory" json:"memory" yaml:"memory"`

	// MMIO lists the device regions.
	MMIO []physmem.Region `toml:"mmio" json:"mmio,omitempty" yaml:"mmio,omitempty"`

	// HypPoolPages is the number of pages carved out at boot for the
	// hypervisor pool.
	HypPoolPages uint64 `toml:"hyp_pool_pages" json:"hyp_pool_pages" yaml:"hyp_pool_pages"`

	// HostS2PoolPages is the number of pages carved out at boot for the
	// host stage-2 tables.
	HostS2PoolPages uint64 `toml:"host_s2_pool_pages" json:"host_s2_pool_pages" yaml:"host_s2_pool_pages"`

	// IOMMUAtomicPages is the number of pages carved out at boot for the
	// IOMMU atomic pool.
	IOMMUAtomicPages uint64 `toml:"iommu_atomic_pages" json:"iommu_atomic_pages" yaml:"iommu_atomic_pages"`

	// IOMMUPoolOrder bounds the blocks of the IOMMU host pool.
	IOMMUPoolOrder uint8 `toml:"iommu_pool_order" json:"iommu_pool_order" yaml:"iommu_pool_order"`

	// HeapVA is the base of the heap's private address range.
	HeapVA hostarch.Addr `toml:"heap_va" json:"heap_va" yaml:"heap_va"`

	// HeapVASize is the size of the heap's private address range.
	HeapVASize uint64 `toml:"heap_va_size" json:"heap_va_size" yaml:"heap_va_size"`

	NrCPUs int `toml:"nr_cpus" json:"nr_cpus" yaml:"nr_cpus"`
	MaxVMs int `toml:"max_vms" json:"max_vms" yaml:"max_vms"`

	// Debug enables redundant state checks in the ownership layer.
	Debug bool `toml:"debug" json:"debug" yaml:"debug"`

	Log Log `toml:"log" json:"log" yaml:"log"`
}

// Log configures logging.
type Log struct {
	// Level is one of warning, info or debug.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`
}

// defaults is the default machine: 64MB of RAM, one UART-sized MMIO region
// and four CPUs.
var defaults = Config{
	Memory:           []physmem.Region{{Base: 0x40000000, Size: 64 << 20}},
	MMIO:             []physmem.Region{{Base: 0x09000000, Size: 0x10000}},
	HypPoolPages:     512,
	HostS2PoolPages:  256,
	IOMMUAtomicPages: 16,
	IOMMUPoolOrder:   6,
	HeapVA:           0x100000000,
	HeapVASize:       64 << 20,
	NrCPUs:           4,
	MaxVMs:           255,
	Log:              Log{Level: "info", Format: "text"},
}

// Default returns a copy of the default configuration.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// Load reads the TOML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	return c, finish(c, md)
}

// Parse is Load for a config held in memory.
func Parse(data string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, finish(c, md)
}

func finish(c *Config, md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(names, ", "))
	}
	return c.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Memory) == 0 {
		return fmt.Errorf("no memory regions")
	}
	all := append(append([]physmem.Region(nil), c.Memory...), c.MMIO...)
	sort.Slice(all, func(i, j int) bool { return all[i].Base < all[j].Base })
	for i, r := range all {
		if r.Size == 0 || !r.Base.IsPageAligned() || r.Size%hostarch.PageSize != 0 {
			return fmt.Errorf("region %v is not page aligned", r)
		}
		if r.End() < r.Base {
			return fmt.Errorf("region %v wraps", r)
		}
		if i > 0 && all[i-1].End() > r.Base {
			return fmt.Errorf("region %v overlaps %v", r, all[i-1])
		}
	}
	if c.NrCPUs <= 0 || c.NrCPUs > MaxCPUs {
		return fmt.Errorf("nr_cpus %d out of range [1, %d]", c.NrCPUs, MaxCPUs)
	}
	if c.MaxVMs <= 0 {
		return fmt.Errorf("max_vms must be positive, got %d", c.MaxVMs)
	}
	if c.HypPoolPages == 0 || c.HostS2PoolPages == 0 {
		return fmt.Errorf("hyp_pool_pages and host_s2_pool_pages must be positive")
	}
	if c.IOMMUPoolOrder >= maxPoolOrder {
		return fmt.Errorf("iommu_pool_order %d out of range [0, %d)", c.IOMMUPoolOrder, maxPoolOrder)
	}
	if c.HeapVASize == 0 || c.HeapVASize > MaxHeapSize || c.HeapVASize%hostarch.PageSize != 0 {
		return fmt.Errorf("heap_va_size %#x is not a page multiple in (0, %#x]", c.HeapVASize, uint64(MaxHeapSize))
	}
	if !c.HeapVA.IsPageAligned() || c.HeapVA+hostarch.Addr(c.HeapVASize) < c.HeapVA {
		return fmt.Errorf("heap_va %v is not page aligned or wraps", c.HeapVA)
	}
	if _, ok := c.CarveOut(); !ok {
		return fmt.Errorf("no mappable memory region can hold %d boot pages", c.BootPages())
	}
	heap := physmem.Region{Base: c.HeapVA, Size: c.HeapVASize}
	for _, r := range all {
		if r.Base < heap.End() && heap.Base < r.End() {
			return fmt.Errorf("heap range %v overlaps physical region %v", heap, r)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, want text or json", c.Log.Format)
	}
	return nil
}

// BootPages returns the number of pages carved out at boot.
func (c *Config) BootPages() uint64 {
	return c.HypPoolPages + c.HostS2PoolPages + c.IOMMUAtomicPages
}

// CarveOut returns the range holding the boot pages: the end of the highest
// mappable memory region large enough to hold them.
func (c *Config) CarveOut() (physmem.Region, bool) {
	n := c.BootPages()
	if n > (1<<64-1)/hostarch.PageSize {
		return physmem.Region{}, false
	}
	size := n * hostarch.PageSize
	var best physmem.Region
	found := false
	for _, r := range c.Memory {
		if r.NoMap || r.Size < size {
			continue
		}
		if !found || r.Base > best.Base {
			best, found = r, true
		}
	}
	if !found {
		return physmem.Region{}, false
	}
	return physmem.Region{Base: best.End() - hostarch.Addr(size), Size: size}, true
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (log.Level, error) {
	return log.ParseLevel(c.Log.Level)
}
