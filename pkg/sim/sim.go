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

// Package sim runs workloads on a simulated machine: a booted hypervisor
// and the host kernel driving it.
package sim

import (
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/host"
	"gvisor.dev/pkvm/pkg/hyp/setup"
)

// Env is a simulated machine.
type Env struct {
	Hyp  *setup.Hypervisor
	Host *host.Host
}

// New boots the machine described by cfg and gives the memory left over to
// the host.
func New(cfg *config.Config) (*Env, error) {
	hv, err := setup.Boot(cfg)
	if err != nil {
		return nil, err
	}
	return &Env{
		Hyp: hv,
		Host: host.New(host.Config{
			Hyp:    hv,
			Mem:    hv.Mem,
			Memory: hv.HostMemory(),
		}),
	}, nil
}

// NrCPUs returns the number of CPUs of the machine.
func (e *Env) NrCPUs() int {
	return len(e.Hyp.CPUs())
}

// Close releases the machine.
func (e *Env) Close() error {
	return e.Hyp.Close()
}
