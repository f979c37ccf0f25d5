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
	"myria.dev/myria/kboot/boot"
	"myria.dev/myria/pkg/hostarch"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct {
	user bool
}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "Translate virtual addresses after boot."
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk [flags] <address>... - Boot the core and walk each address.

Addresses are walked in the kernel root, or in the first process with -user.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Walk) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&w.user, "user", false, "Walk in the first process instead of the kernel root.")
}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	vas := make([]hostarch.VirtAddr, 0, f.NArg())
	for _, arg := range f.Args() {
		var va hostarch.VirtAddr
		if err := va.UnmarshalText([]byte(arg)); err != nil {
			Fatalf("invalid address %q: %v", arg, err)
		}
		vas = append(vas, va)
	}

	l, err := boot.New(configFrom(args))
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer l.Close()

	status := subcommands.ExitSuccess
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "Address\tSize\tPhysical\tEntry\n")
	for _, va := range vas {
		e, err := l.Walk(va, w.user)
		if err != nil {
			fmt.Fprintf(tw, "%v\t-\t-\t%v\n", va, err)
			status = subcommands.ExitFailure
			continue
		}
		off := uint64(va) & (uint64(e.Size()) - 1)
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n", va, e.Size(), e.Address().Add(off), e.PTE)
	}
	if err := tw.Flush(); err != nil {
		Fatalf("writing output: %v", err)
	}
	return status
}
