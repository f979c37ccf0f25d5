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
	"text/tabwriter"

	"github.com/google/subcommands"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/pgalloc"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct{}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "Print the memory map and the frames it yields."
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap - Print the configured memory map, the usable ranges the frame
allocator manages, and the frame count.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Memmap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Memmap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := configFrom(args)
	usable, err := bootmem.UsableRanges(conf.Regions)
	if err != nil {
		Fatalf("%v", err)
	}
	frames, err := pgalloc.New(conf.Regions, pgalloc.Opts{})
	if err != nil {
		Fatalf("%v", err)
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "Base\tLength\tKind\n")
	for _, r := range conf.Regions {
		fmt.Fprintf(w, "%#x\t%#x\t%v\n", r.Base, r.Length, r.Kind)
	}
	fmt.Fprint(w, "\nUsable\t\t\n")
	for _, r := range usable {
		fmt.Fprintf(w, "%v\t%#x\t\n", r, r.Length())
	}
	st := frames.Stats()
	total, _, _ := st.Bytes()
	fmt.Fprintf(w, "\nFrames\t%d\t%#x bytes\nLimit\t%v\t\n", st.Total, total, frames.Limit())
	if err := w.Flush(); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
