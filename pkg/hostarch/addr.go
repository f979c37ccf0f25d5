// Copyright 2018 The gVisor Authors.
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

package hostarch

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnaligned is returned by the checked constructors for addresses
	// that are not page aligned.
	ErrUnaligned = errors.New("address not page aligned")

	// ErrNonCanonical is returned for virtual addresses in the hole between
	// the two halves.
	ErrNonCanonical = errors.New("address not canonical")

	// ErrPhysicalRange is returned for physical addresses above the
	// architectural limit.
	ErrPhysicalRange = errors.New("physical address out of range")
)

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtAddr is a virtual address.
type VirtAddr uint64

// NewPhysAddr returns v as a page-aligned physical address.
func NewPhysAddr(v uint64) (PhysAddr, error) {
	if v&(PageSize-1) != 0 {
		return 0, fmt.Errorf("physical %#x: %w", v, ErrUnaligned)
	}
	if v>>PhysicalAddressBits != 0 {
		return 0, fmt.Errorf("physical %#x: %w", v, ErrPhysicalRange)
	}
	return PhysAddr(v), nil
}

// NewVirtAddr returns v as a page-aligned canonical virtual address.
func NewVirtAddr(v uint64) (VirtAddr, error) {
	if v&(PageSize-1) != 0 {
		return 0, fmt.Errorf("virtual %#x: %w", v, ErrUnaligned)
	}
	if !VirtAddr(v).IsCanonical() {
		return 0, fmt.Errorf("virtual %#x: %w", v, ErrNonCanonical)
	}
	return VirtAddr(v), nil
}

// MustPhysAddr is NewPhysAddr for constants; it panics on error.
func MustPhysAddr(v uint64) PhysAddr {
	p, err := NewPhysAddr(v)
	if err != nil {
		panic(err)
	}
	return p
}

// MustVirtAddr is NewVirtAddr for constants; it panics on error.
func MustVirtAddr(v uint64) VirtAddr {
	a, err := NewVirtAddr(v)
	if err != nil {
		panic(err)
	}
	return a
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (p PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = PhysAddr(p + PageSize - 1).RoundDown()
	ok = addr >= p
	return
}

// IsPageAligned returns true if p is a multiple of PageSize.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & (PageSize - 1))
}

// Frame returns the frame number containing p.
func (p PhysAddr) Frame() uint64 {
	return uint64(p) >> PageShift
}

// Add returns p+n.
func (p PhysAddr) Add(n uint64) PhysAddr {
	return p + PhysAddr(n)
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = VirtAddr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v VirtAddr) HugeRoundDown() VirtAddr {
	return v &^ (HugePageSize - 1)
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v VirtAddr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// PageOffset returns the offset of v into its page.
func (v VirtAddr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v VirtAddr) AddLength(length uint64) (end VirtAddr, ok bool) {
	end = v + VirtAddr(length)
	ok = end >= v
	return
}

// IsCanonical returns true if bits 63:47 of v are all equal.
func (v VirtAddr) IsCanonical() bool {
	return uint64(v) <= MaximumUserAddress || uint64(v) >= KernelHalfBase
}

// IsHighHalf returns true if v is in the kernel half of the address space.
func (v VirtAddr) IsHighHalf() bool {
	return uint64(v) >= KernelHalfBase
}

// MarshalText implements encoding.TextMarshaler.
func (p PhysAddr) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Any base accepted by
// strconv.ParseUint with base 0 is allowed.
func (p *PhysAddr) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 0, 64)
	if err != nil {
		return err
	}
	*p = PhysAddr(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v VirtAddr) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VirtAddr) UnmarshalText(b []byte) error {
	n, err := strconv.ParseUint(string(b), 0, 64)
	if err != nil {
		return err
	}
	*v = VirtAddr(n)
	return nil
}
