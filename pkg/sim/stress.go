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
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkg/sync"
)

// StressConfig configures Stress.
type StressConfig struct {
	// Workers is the number of CPUs running scenarios. It is capped to the
	// number of CPUs of the machine, and means all of them if zero.
	Workers int

	// Iterations is the number of scenarios each worker runs.
	Iterations int

	// Seed seeds the choice of scenarios. Worker i uses Seed+i.
	Seed int64

	// Scenarios are the names of the scenarios to pick from. All
	// scenarios are used if empty.
	Scenarios []string
}

// StressResult counts the scenarios run by Stress.
type StressResult struct {
	Workers int               `json:"workers" yaml:"workers"`
	Runs    map[string]uint64 `json:"runs" yaml:"runs"`
}

// Stress runs random scenarios from several CPUs at once, then checks the
// hypervisor pools. It stops at the first failure.
func Stress(ctx context.Context, e *Env, cfg StressConfig) (*StressResult, error) {
	var pick []Scenario
	for _, name := range cfg.Scenarios {
		s, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		pick = append(pick, s)
	}
	if len(pick) == 0 {
		pick = Scenarios()
	}
	workers := cfg.Workers
	if workers <= 0 || workers > e.NrCPUs() {
		workers = e.NrCPUs()
	}

	var mu sync.Mutex
	res := &StressResult{Workers: workers, Runs: make(map[string]uint64)}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		cpu := w
		rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < cfg.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				s := pick[rng.Intn(len(pick))]
				if err := s.Run(ctx, e, cpu); err != nil {
					return fmt.Errorf("cpu %d, iteration %d, scenario %s: %w", cpu, i, s.Name, err)
				}
				mu.Lock()
				res.Runs[s.Name]++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	log.Infof("sim: %d workers ran %d iterations each", workers, cfg.Iterations)
	return res, e.Hyp.CheckInvariants()
}
