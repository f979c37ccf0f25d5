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

// Package bootmem describes the physical memory map handed over by the boot
// loader and derives the set of frames that may be given to the allocator.
package bootmem

import (
	"errors"
	"fmt"
	"strings"

	"myria.dev/myria/pkg/hostarch"
)

// Kind is the type of a memory map region. Values match the Limine boot
// protocol memory map entry types.
type Kind uint32

// Region kinds.
const (
	Usable Kind = iota
	Reserved
	ACPIReclaimable
	ACPINVS
	BadMemory
	BootloaderReclaimable
	KernelAndModules
	Framebuffer

	numKinds
)

var kindNames = [numKinds]string{
	Usable:                "usable",
	Reserved:              "reserved",
	ACPIReclaimable:       "acpi-reclaimable",
	ACPINVS:               "acpi-nvs",
	BadMemory:             "bad-memory",
	BootloaderReclaimable: "bootloader-reclaimable",
	KernelAndModules:      "kernel-and-modules",
	Framebuffer:           "framebuffer",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k >= numKinds {
		return nil, fmt.Errorf("unknown memory kind %d", uint32(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range kindNames {
		if s == name {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown memory kind %q", s)
}

// Region is one entry of the boot memory map.
type Region struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Length uint64 `toml:"length" yaml:"length"`
	Kind   Kind   `toml:"kind" yaml:"kind"`
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", r.Base, r.End(), r.Kind)
}

// ErrBadRegion is returned by Validate for malformed regions.
var ErrBadRegion = errors.New("bad memory map region")

// Validate checks that every region is non-empty, of a known kind, and does
// not wrap around the physical address space.
func Validate(regions []Region) error {
	for i, r := range regions {
		switch {
		case r.Length == 0:
			return fmt.Errorf("region %d %v: zero length: %w", i, r, ErrBadRegion)
		case r.End() < r.Base || r.End()>>hostarch.PhysicalAddressBits != 0:
			return fmt.Errorf("region %d %v: beyond physical address space: %w", i, r, ErrBadRegion)
		case r.Kind >= numKinds:
			return fmt.Errorf("region %d: %w: kind %d", i, ErrBadRegion, uint32(r.Kind))
		}
	}
	return nil
}

// UsableRanges returns the page-aligned physical ranges that the frame
// allocator may own, in ascending order.
//
// Usable regions are shrunk to page boundaries and merged. Every other kind
// is grown to page boundaries and carved out, so a usable region that
// overlaps the kernel image, boot loader structures or reserved memory never
// contributes those frames.
func UsableRanges(regions []Region) ([]Range, error) {
	if err := Validate(regions); err != nil {
		return nil, err
	}
	s := NewSet()
	for _, r := range regions {
		if r.Kind != Usable {
			continue
		}
		start, ok := hostarch.PhysAddr(r.Base).RoundUp()
		if !ok {
			continue
		}
		end := hostarch.PhysAddr(r.End()).RoundDown()
		s.Add(Range{Start: start, End: end})
	}
	for _, r := range regions {
		if r.Kind == Usable {
			continue
		}
		start := hostarch.PhysAddr(r.Base).RoundDown()
		end, ok := hostarch.PhysAddr(r.End()).RoundUp()
		if !ok {
			end = hostarch.PhysAddr(^uint64(0)).RoundDown()
		}
		s.Remove(Range{Start: start, End: end})
	}
	return s.Ranges(), nil
}

// DefaultMap is a memory map resembling what Limine reports for a 256M QEMU
// guest. It is used when no map is configured.
func DefaultMap() []Region {
	return []Region{
		{Base: 0x0, Length: 0x9f000, Kind: Usable},
		{Base: 0x9f000, Length: 0x1000, Kind: Reserved},
		{Base: 0xf0000, Length: 0x10000, Kind: Reserved},
		{Base: 0x100000, Length: 0x100000, Kind: KernelAndModules},
		{Base: 0x200000, Length: 0x100000, Kind: Usable},
		{Base: 0x300000, Length: 0x50000, Kind: BootloaderReclaimable},
		{Base: 0x350000, Length: 0xfbb0000, Kind: Usable},
		{Base: 0xff00000, Length: 0x100000, Kind: ACPIReclaimable},
		{Base: 0xfd000000, Length: 0x300000, Kind: Framebuffer},
	}
}
