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

package boot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/ring0/pagetables"
)

// StressOpts configure Stress.
type StressOpts struct {
	// Workers is the number of independent cores.
	Workers int

	// Iterations is the number of operations per worker.
	Iterations int

	// Frames is the size of each worker's memory.
	Frames uint64

	// Seed makes runs repeatable.
	Seed uint64

	// Reclaim is passed to each worker's page tables.
	Reclaim bool
}

// StressResult counts the operations performed.
type StressResult struct {
	Maps      uint64 `yaml:"maps" json:"maps"`
	Unmaps    uint64 `yaml:"unmaps" json:"unmaps"`
	Protects  uint64 `yaml:"protects" json:"protects"`
	Lookups   uint64 `yaml:"lookups" json:"lookups"`
	Exhausted uint64 `yaml:"exhausted" json:"exhausted"`
}

// stressWindow is the number of user pages each worker plays with. They span
// two page tables.
const stressWindow = 1024

// Stress runs random map, unmap and protect sequences on independent
// simulated cores and checks every translation against a shadow copy. Each
// worker ends by tearing its space down and checking that every frame came
// back.
func Stress(ctx context.Context, opts StressOpts) (StressResult, error) {
	var (
		res     StressResult
		counts  [5]atomic.Uint64
		g, gctx = errgroup.WithContext(ctx)
	)
	for w := 0; w < opts.Workers; w++ {
		w := w
		g.Go(func() error {
			if err := stressWorker(gctx, opts, uint64(w), &counts); err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			return nil
		})
	}
	err := g.Wait()
	res.Maps = counts[0].Load()
	res.Unmaps = counts[1].Load()
	res.Protects = counts[2].Load()
	res.Lookups = counts[3].Load()
	res.Exhausted = counts[4].Load()
	return res, err
}

type shadowPage struct {
	pa       hostarch.PhysAddr
	writable bool
}

func stressWorker(ctx context.Context, opts StressOpts, w uint64, counts *[5]atomic.Uint64) error {
	rng := rand.New(rand.NewPCG(opts.Seed, w))
	frames, err := pgalloc.New([]bootmem.Region{
		{Base: 0x100000, Length: opts.Frames * hostarch.PageSize, Kind: bootmem.Usable},
	}, pgalloc.Opts{})
	if err != nil {
		return err
	}
	hw := cpu.NewSim()
	pt := pagetables.New(pagetables.NewFrameAllocator(frames), cpu.TLB{HW: hw}, pagetables.Opts{ReclaimEmpty: opts.Reclaim})
	root, err := pt.NewRoot()
	if err != nil {
		return err
	}
	hw.WriteCR(cpu.CR3, uint64(root))
	spaces := addrspace.NewManager(pt, frames, hw)
	if _, err := spaces.CreateKernelTemplate(); err != nil {
		return err
	}
	before := frames.Stats()
	as, err := spaces.CreateUserSpace()
	if err != nil {
		return err
	}

	shadow := make(map[hostarch.VirtAddr]shadowPage)
	for i := 0; i < opts.Iterations; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		va := hostarch.VirtAddr(0x400000 + rng.Uint64N(stressWindow)*hostarch.PageSize)
		page, mapped := shadow[va]
		switch op := rng.IntN(3); {
		case !mapped:
			pa, err := frames.Allocate(1)
			if err != nil {
				counts[4].Add(1)
				continue
			}
			writable := rng.IntN(2) == 0
			if err := spaces.MapUserPage(as, va, pa, writable, !writable); err != nil {
				if err := frames.Free(pa, 1); err != nil {
					return err
				}
				counts[4].Add(1)
				continue
			}
			shadow[va] = shadowPage{pa: pa, writable: writable}
			counts[0].Add(1)
		case op == 0:
			if err := spaces.Unmap(as, va); err != nil {
				return err
			}
			if err := frames.Free(page.pa, 1); err != nil {
				return err
			}
			delete(shadow, va)
			counts[1].Add(1)
		case op == 1:
			page.writable = !page.writable
			if err := spaces.Protect(as, va, page.writable, !page.writable); err != nil {
				return err
			}
			shadow[va] = page
			counts[2].Add(1)
		}

		probe := hostarch.VirtAddr(0x400000 + rng.Uint64N(stressWindow)*hostarch.PageSize)
		pa, at, ok := pt.Lookup(as.Root, probe+0x123)
		want, wantOK := shadow[probe]
		switch {
		case ok != wantOK:
			return fmt.Errorf("lookup %v: mapped %t, want %t", probe, ok, wantOK)
		case ok && (pa != want.pa.Add(0x123) || at.Write != want.writable || at.Execute == want.writable || !at.Read):
			return fmt.Errorf("lookup %v: %v %v, want %v writable %t", probe, pa, at, want.pa, want.writable)
		}
		counts[3].Add(1)
	}

	if err := spaces.Teardown(as); err != nil {
		return err
	}
	if after := frames.Stats(); after != before {
		return fmt.Errorf("frames leaked: %+v before, %+v after", before, after)
	}
	return nil
}
