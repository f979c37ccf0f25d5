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
	"strconv"

	"github.com/google/subcommands"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	output string
}

// decoded is one decoded error code.
type decoded struct {
	Code  string               `yaml:"code" json:"code"`
	Cause ring0.PageFaultCause `yaml:"cause" json:"cause"`
	Text  string               `yaml:"text" json:"text"`
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "Decode page fault error codes."
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [flags] <code>... - Decode page fault error codes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.output, "o", "yaml", "Output format (yaml, json).")
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var out []decoded
	for _, arg := range f.Args() {
		code, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			log.Warningf("invalid error code %q: %v", arg, err)
			return subcommands.ExitUsageError
		}
		c := ring0.DecodePageFault(code)
		out = append(out, decoded{
			Code:  "0x" + strconv.FormatUint(code, 16),
			Cause: c,
			Text:  c.String(),
		})
	}
	if err := writeOutput(stdout, d.output, out); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
