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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/pprof/profile"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"myria.dev/myria/kboot/config"
	"myria.dev/myria/pkg/ring0"
)

// captureStdout redirects command output to a buffer for the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

// execute parses args into cmd's flags and runs it.
func execute(t *testing.T, cmd subcommands.Command, args []string, extra ...any) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	cmd.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%q) failed: %v", args, err)
	}
	return cmd.Execute(context.Background(), fs, extra...)
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		args   []string
		status subcommands.ExitStatus
		want   []decoded
	}{
		{
			name:   "user write protection",
			args:   []string{"0x7"},
			status: subcommands.ExitSuccess,
			want: []decoded{{
				Code:  "0x7",
				Cause: ring0.PageFaultCause{Protection: true, Write: true, User: true},
			}},
		},
		{
			name:   "several codes as json",
			args:   []string{"-o=json", "6", "0x10"},
			status: subcommands.ExitSuccess,
			want: []decoded{
				{Code: "0x6", Cause: ring0.PageFaultCause{Write: true, User: true}},
				{Code: "0x10", Cause: ring0.PageFaultCause{InstructionFetch: true}},
			},
		},
		{
			name:   "no codes",
			status: subcommands.ExitUsageError,
		},
		{
			name:   "bad code",
			args:   []string{"0x7", "page"},
			status: subcommands.ExitUsageError,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := captureStdout(t)
			if got := execute(t, &Decode{}, tc.args); got != tc.status {
				t.Fatalf("Execute = %v, want %v", got, tc.status)
			}
			if tc.status != subcommands.ExitSuccess {
				if out.Len() != 0 {
					t.Errorf("unexpected output on failure: %q", out.String())
				}
				return
			}
			var got []decoded
			var err error
			if strings.HasPrefix(tc.args[0], "-o=json") {
				err = json.Unmarshal(out.Bytes(), &got)
			} else {
				err = yaml.Unmarshal(out.Bytes(), &got)
			}
			if err != nil {
				t.Fatalf("cannot decode output %q: %v", out.String(), err)
			}
			for i := range tc.want {
				tc.want[i].Text = tc.want[i].Cause.String()
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("decoded mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemmap(t *testing.T) {
	for _, tc := range []struct {
		name   string
		memmap string
		// frames is the frame count the allocator reports.
		frames string
		usable []string
	}{
		{
			name:   "single usable region",
			memmap: "0x0:0x100000:reserved,0x100000:0x100000:usable",
			frames: "256",
			usable: []string{"0x100000"},
		},
		{
			name:   "page zero excluded",
			memmap: "0x0:0x9f000:usable,0x9f000:0x61000:reserved,0x100000:0x200000:kernel-and-modules,0x300000:0x100000:usable",
			frames: "414",
			usable: []string{"0x9f000", "0x100000"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			config.RegisterFlags(fs)
			if err := fs.Parse([]string{"--memmap=" + tc.memmap}); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			conf, err := config.NewFromFlags(fs)
			if err != nil {
				t.Fatalf("NewFromFlags failed: %v", err)
			}

			out := captureStdout(t)
			if got := execute(t, &Memmap{}, nil, conf); got != subcommands.ExitSuccess {
				t.Fatalf("Execute = %v, want success", got)
			}

			var regions, usable []string
			var frames string
			section := "regions"
			for _, line := range strings.Split(out.String(), "\n") {
				fields := strings.Fields(line)
				switch {
				case len(fields) == 0:
				case fields[0] == "Base":
				case fields[0] == "Usable":
					section = "usable"
				case fields[0] == "Frames":
					frames = fields[1]
				case fields[0] == "Limit":
				case section == "regions":
					regions = append(regions, fields[2])
				case section == "usable":
					usable = append(usable, fields[len(fields)-1])
				}
			}
			if len(regions) != len(conf.Regions) {
				t.Errorf("printed %d regions, want %d:\n%s", len(regions), len(conf.Regions), out)
			}
			for i, kind := range regions {
				if i < len(conf.Regions) && kind != conf.Regions[i].Kind.String() {
					t.Errorf("region %d kind = %q, want %q", i, kind, conf.Regions[i].Kind)
				}
			}
			if frames != tc.frames {
				t.Errorf("frames = %q, want %q:\n%s", frames, tc.frames, out)
			}
			if diff := cmp.Diff(tc.usable, usable); diff != "" {
				t.Errorf("usable lengths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := writeOutput(&buf, "xml", []int{1}); err == nil {
		t.Errorf("writeOutput(xml) succeeded, want error")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestCPUProfile(t *testing.T) {
	none, err := startCPUProfile("")
	if err != nil || none != nil {
		t.Fatalf("startCPUProfile(\"\") = %v, %v, want nil, nil", none, err)
	}
	if err := none.Stop(); err != nil {
		t.Errorf("Stop on nil profile: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cpu.pprof")
	prof, err := startCPUProfile(path)
	if err != nil {
		t.Fatalf("startCPUProfile failed: %v", err)
	}
	x := uint64(1)
	for i := 0; i < 1<<20; i++ {
		x = x*6364136223846793005 + 1442695040888963407
	}
	_ = x
	if err := prof.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	p, err := profile.Parse(f)
	if err != nil {
		t.Fatalf("profile.Parse failed: %v", err)
	}
	if len(p.SampleType) == 0 {
		t.Errorf("profile has no sample types")
	}
}
