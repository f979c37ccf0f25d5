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

package bootmem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"myria.dev/myria/pkg/hostarch"
)

func TestSetAddMerges(t *testing.T) {
	s := NewSet()
	s.Add(Range{0x1000, 0x3000})
	s.Add(Range{0x5000, 0x6000})
	s.Add(Range{0x3000, 0x4000}) // Touches the first.
	s.Add(Range{0x8000, 0x9000})
	s.Add(Range{0x4000, 0x8800}) // Bridges everything.

	want := []Range{{0x1000, 0x9000}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
	if got := s.Frames(); got != 8 {
		t.Errorf("Frames() = %d, want 8", got)
	}
}

func TestSetRemoveSplits(t *testing.T) {
	s := NewSet()
	s.Add(Range{0x0, 0x10000})
	s.Add(Range{0x20000, 0x30000})
	s.Remove(Range{0x4000, 0x6000})
	s.Remove(Range{0xf000, 0x21000})

	want := []Range{
		{0x0, 0x4000},
		{0x6000, 0xf000},
		{0x21000, 0x30000},
	}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
	for addr, want := range map[hostarch.PhysAddr]bool{
		0x0:     true,
		0x4000:  false,
		0x5fff:  false,
		0x6000:  true,
		0xf000:  false,
		0x21000: true,
		0x30000: false,
	} {
		if got := s.Contains(addr); got != want {
			t.Errorf("Contains(%v) = %t, want %t", addr, got, want)
		}
	}
}

func TestUsableExcludesNonUsable(t *testing.T) {
	regions := []Region{
		// Unaligned usable edges are shrunk.
		{Base: 0x800, Length: 0x9f800, Kind: Usable},
		{Base: 0x100000, Length: 0x1000000, Kind: Usable},
		// Overlapping kernel image and boot loader data are carved out.
		{Base: 0x200000, Length: 0x80000, Kind: KernelAndModules},
		{Base: 0x400000, Length: 0x10, Kind: BootloaderReclaimable},
		{Base: 0x1000000, Length: 0x200000, Kind: Reserved},
	}
	got, err := UsableRanges(regions)
	if err != nil {
		t.Fatalf("Usable failed: %v", err)
	}
	want := []Range{
		{0x1000, 0xa0000},
		{0x100000, 0x200000},
		{0x280000, 0x400000},
		{0x401000, 0x1000000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Usable mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    Region
	}{
		{"empty", Region{Base: 0x1000, Length: 0, Kind: Usable}},
		{"wrap", Region{Base: ^uint64(0) - 0xfff, Length: 0x2000, Kind: Usable}},
		{"too high", Region{Base: 1 << 52, Length: 0x1000, Kind: Reserved}},
		{"kind", Region{Base: 0x1000, Length: 0x1000, Kind: numKinds}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate([]Region{tc.r}); !errors.Is(err, ErrBadRegion) {
				t.Errorf("Validate(%v) = %v, want ErrBadRegion", tc.r, err)
			}
		})
	}
}

func TestKindText(t *testing.T) {
	for k := Usable; k < numKinds; k++ {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", k, err)
		}
		var got Kind
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if got != k {
			t.Errorf("UnmarshalText(%q) = %v, want %v", b, got, k)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("ram")); err == nil {
		t.Errorf("UnmarshalText(ram) succeeded")
	}
}

func TestDefaultMap(t *testing.T) {
	rs, err := UsableRanges(DefaultMap())
	if err != nil {
		t.Fatalf("UsableRanges(DefaultMap()) failed: %v", err)
	}
	for _, r := range rs {
		if r.Start < 0x100000 && r.End > 0x100000 || r.Start < 0x300000 && r.End > 0x300000 {
			t.Errorf("usable range %v overlaps a reserved region", r)
		}
	}
	if len(rs) == 0 {
		t.Fatalf("no usable memory in the default map")
	}
}
