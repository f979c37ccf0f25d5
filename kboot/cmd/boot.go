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
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/subcommands"
	"myria.dev/myria/kboot/boot"
	"myria.dev/myria/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	output     string
	trace      bool
	cpuProfile string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "Boot the core and run the first user program."
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - Boot the core on the simulator and run the first user program.

The program's output is written to stdout, followed by a report of the run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "yaml", "Report format (yaml, json).")
	f.BoolVar(&b.trace, "trace", false, "Print every privileged operation the core performed.")
	f.StringVar(&b.cpuProfile, "cpuprofile", "", "Write a CPU profile of boot and run to this file.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	prof, err := startCPUProfile(b.cpuProfile)
	if err != nil {
		Fatalf("%v", err)
	}
	l, err := boot.New(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer l.Close()

	rep, err := l.Run(ctx)
	if perr := prof.Stop(); perr != nil {
		Fatalf("%v", perr)
	}
	if err != nil && rep == nil {
		Fatalf("running first process: %v", err)
	}
	io.WriteString(stdout, rep.Output)
	if err := writeOutput(stdout, b.output, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	if b.trace {
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprint(w, "#\tOp\tRegister\tValue\n")
		for i, e := range l.Hardware().Trace {
			fmt.Fprintf(w, "%d\t%s\t%#x\t%#x\n", i, e.Op, e.Reg, e.Value)
		}
		if err := w.Flush(); err != nil {
			Fatalf("writing trace: %v", err)
		}
	}

	if err != nil {
		log.Warningf("Run interrupted: %v", err)
		return subcommands.ExitFailure
	}
	if rep.Exit.Reason != boot.ExitSyscall || rep.Exit.Code != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
