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
	"compress/gzip"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/google/pprof/profile"
	"myria.dev/myria/pkg/log"
)

// cpuProfile collects a CPU profile of a command into memory. Stop writes it
// to path compacted and at the best compression level.
type cpuProfile struct {
	path string
	buf  bytes.Buffer
}

// startCPUProfile starts profiling if path is set. It returns nil otherwise.
func startCPUProfile(path string) (*cpuProfile, error) {
	if path == "" {
		return nil, nil
	}
	p := &cpuProfile{path: path}
	if err := pprof.StartCPUProfile(&p.buf); err != nil {
		return nil, fmt.Errorf("starting CPU profile: %w", err)
	}
	return p, nil
}

// Stop ends profiling and writes the profile. It is a no-op on nil.
func (p *cpuProfile) Stop() error {
	if p == nil {
		return nil
	}
	pprof.StopCPUProfile()
	prof, err := profile.Parse(&p.buf)
	if err != nil {
		return fmt.Errorf("cannot parse CPU profile: %w", err)
	}
	prof = prof.Compact()
	log.Infof("CPU profile: %d samples over %v", len(prof.Sample), prof.DurationNanos)

	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("cannot create %q: %w", p.path, err)
	}
	if err := writeProfile(prof, f); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("cannot write profile to %q: %w", p.path, err)
	}
	return f.Close()
}

// writeProfile writes prof gzipped at the best compression level. The
// profile library only uses the fastest level.
func writeProfile(prof *profile.Profile, f *os.File) error {
	w, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		return err
	}
	if err := prof.WriteUncompressed(w); err != nil {
		return err
	}
	return w.Close()
}
