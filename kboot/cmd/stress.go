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
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"myria.dev/myria/kboot/boot"
	"myria.dev/myria/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	frames     uint64
	seed       uint64
	output     string
	cpuProfile string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Run random mapping sequences and check every translation."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - Run random map, unmap and protect sequences on
independent simulated cores, checking translations and frame accounting.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "Number of independent cores.")
	f.IntVar(&s.iterations, "iterations", 10000, "Operations per core.")
	f.Uint64Var(&s.frames, "frames", 4096, "Frames of memory per core.")
	f.Uint64Var(&s.seed, "seed", uint64(time.Now().UnixNano()), "Random seed.")
	f.StringVar(&s.output, "o", "yaml", "Output format (yaml, json).")
	f.StringVar(&s.cpuProfile, "cpuprofile", "", "Write a CPU profile of the run to this file.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	prof, err := startCPUProfile(s.cpuProfile)
	if err != nil {
		Fatalf("%v", err)
	}
	log.Infof("Stress: %d workers, %d iterations, seed %d", s.workers, s.iterations, s.seed)
	res, err := boot.Stress(ctx, boot.StressOpts{
		Workers:    s.workers,
		Iterations: s.iterations,
		Frames:     s.frames,
		Seed:       s.seed,
		Reclaim:    conf.Reclaim,
	})
	if perr := prof.Stop(); perr != nil {
		Fatalf("%v", perr)
	}
	if werr := writeOutput(stdout, s.output, res); werr != nil {
		Fatalf("writing output: %v", werr)
	}
	if err != nil {
		log.Warningf("Stress failed with seed %d: %v", s.seed, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
