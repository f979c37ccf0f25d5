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

package ring0

import (
	"fmt"
)

// Useful bits.
const (
	_RFLAGS_CF       = 1 << 0
	_RFLAGS_RESERVED = 1 << 1
	_RFLAGS_PF       = 1 << 2
	_RFLAGS_AF       = 1 << 4
	_RFLAGS_ZF       = 1 << 6
	_RFLAGS_SF       = 1 << 7
	_RFLAGS_STEP     = 1 << 8
	_RFLAGS_IF       = 1 << 9
	_RFLAGS_DF       = 1 << 10
	_RFLAGS_OF       = 1 << 11
	_RFLAGS_IOPL     = 3 << 12
	_RFLAGS_NT       = 1 << 14
	_RFLAGS_RF       = 1 << 16
	_RFLAGS_AC       = 1 << 18

	// _RFLAGS_SYSRET are the bits sysret restores from R11.
	_RFLAGS_SYSRET = 0x3c7fd7
)

const (
	// KernelFlagsSet should always be set in the kernel.
	KernelFlagsSet = _RFLAGS_RESERVED

	// UserFlagsSet are always set in userspace.
	UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

	// KernelFlagsClear should always be clear in the kernel.
	KernelFlagsClear = _RFLAGS_STEP | _RFLAGS_IF | _RFLAGS_IOPL | _RFLAGS_AC | _RFLAGS_NT

	// UserFlagsClear are always cleared in userspace.
	UserFlagsClear = _RFLAGS_NT | _RFLAGS_IOPL | _RFLAGS_STEP

	// SyscallFlagsMask is written to the syscall mask MSR: every bit set
	// here is cleared on syscall entry.
	SyscallFlagsMask = KernelFlagsClear | _RFLAGS_DF

	// DescentFlags is the flags register for the first descent: interrupts
	// on, resume set so a latent debug trap is not taken on the first
	// instruction.
	DescentFlags = UserFlagsSet | _RFLAGS_RF
)

// Selector is a segment Selector.
type Selector uint16

// RPL returns the requested privilege level of the selector.
func (s Selector) RPL() int {
	return int(s & 3)
}

// Index returns the descriptor table index of the selector.
func (s Selector) Index() int {
	return int(s >> 3)
}

// String implements fmt.Stringer.String.
func (s Selector) String() string {
	return fmt.Sprintf("%#x", uint16(s))
}

// Segment indices and Selectors.
const (
	// Index into GDT array.
	_          = iota // Null descriptor first.
	_                 // Reserved (Linux is kernel 32).
	segKcode          // Kernel code (64-bit).
	segKdata          // Kernel data.
	segUcode32        // User code (32-bit).
	segUdata          // User data.
	segUcode64        // User code (64-bit).
	segTss            // Task segment descriptor.
	segTssHi          // Upper bits for TSS.
	segLast           // Last segment (terminal, not included).
)

// Selectors.
const (
	Kcode   Selector = segKcode << 3
	Kdata   Selector = segKdata << 3
	Ucode32 Selector = (segUcode32 << 3) | 3
	Udata   Selector = (segUdata << 3) | 3
	Ucode64 Selector = (segUcode64 << 3) | 3
	Tss     Selector = segTss << 3
)

// KernelSelectors and UserSelectors are the two privilege-tagged selector
// sets. They never overlap.
var (
	KernelSelectors = []Selector{Kcode, Kdata, Tss}
	UserSelectors   = []Selector{Ucode32, Udata, Ucode64}
)

// ValidateSelectors checks that every kernel selector requests ring 0 and
// every user selector requests ring 3, and that no descriptor is named by
// both sets.
func ValidateSelectors() error {
	used := make(map[int]Selector)
	for _, s := range KernelSelectors {
		if s.RPL() != 0 {
			return fmt.Errorf("kernel selector %v has RPL %d", s, s.RPL())
		}
		used[s.Index()] = s
	}
	for _, s := range UserSelectors {
		if s.RPL() != 3 {
			return fmt.Errorf("user selector %v has RPL %d", s, s.RPL())
		}
		if k, ok := used[s.Index()]; ok {
			return fmt.Errorf("user selector %v shares descriptor %d with kernel selector %v", s, s.Index(), k)
		}
	}
	return nil
}

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// descriptorTable is a collection of descriptors.
type descriptorTable [32]SegmentDescriptor

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptorFlag declarations.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// Uint64 returns the raw descriptor as it sits in memory.
func (d *SegmentDescriptor) Uint64() uint64 {
	return uint64(d.bits[1])<<32 | uint64(d.bits[0])
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode32(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorG|
			SegmentDescriptorLong|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorWrite|
			SegmentDescriptorSystem)
}

// setHi is only used for the TSS segment, which is magically 64-bits.
func (d *SegmentDescriptor) setHi(base uint32) {
	d.bits[0] = base
	d.bits[1] = 0
}

// Standard segments.
var (
	UserCodeSegment32 SegmentDescriptor
	UserDataSegment   SegmentDescriptor
	UserCodeSegment64 SegmentDescriptor
	KernelCodeSegment SegmentDescriptor
	KernelDataSegment SegmentDescriptor
)

// Setup the globals.
func init() {
	KernelCodeSegment.setCode64(0, 0, 0)
	KernelDataSegment.setData(0, 0xffffffff, 0)
	UserCodeSegment32.setCode32(0, 0xffffffff, 3)
	UserDataSegment.setData(0, 0xffffffff, 3)
	UserCodeSegment64.setCode64(0, 0, 3)
}

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
	SecurityException Vector = 0x1e
	Timer             Vector = 0x20
	SyscallInt80      Vector = 0x80
	_NR_INTERRUPTS           = 0x100
)

var vectorNames = map[Vector]string{
	DivideByZero:               "divide-by-zero",
	Debug:                      "debug",
	NMI:                        "nmi",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound-range-exceeded",
	InvalidOpcode:              "invalid-opcode",
	DeviceNotAvailable:         "device-not-available",
	DoubleFault:                "double-fault",
	CoprocessorSegmentOverrun:  "coprocessor-segment-overrun",
	InvalidTSS:                 "invalid-tss",
	SegmentNotPresent:          "segment-not-present",
	StackSegmentFault:          "stack-segment-fault",
	GeneralProtectionFault:     "general-protection-fault",
	PageFault:                  "page-fault",
	X87FloatingPointException:  "x87-floating-point",
	AlignmentCheck:             "alignment-check",
	MachineCheck:               "machine-check",
	SIMDFloatingPointException: "simd-floating-point",
	VirtualizationException:    "virtualization",
	ControlProtectionException: "control-protection",
	SecurityException:          "security",
	Timer:                      "timer",
	SyscallInt80:               "int80",
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	if s, ok := vectorNames[v]; ok {
		return s
	}
	return fmt.Sprintf("vector(%d)", uintptr(v))
}

// HasErrorCode returns true if the CPU pushes an error code for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck,
		ControlProtectionException, SecurityException:
		return true
	default:
		return false
	}
}

// IsException returns true for the architecturally reserved vectors.
func (v Vector) IsException() bool {
	return v < 32
}

// exceptions are the vectors installed in the bootstrap IDT.
var exceptions = []Vector{
	DivideByZero,
	Debug,
	NMI,
	Breakpoint,
	Overflow,
	BoundRangeExceeded,
	InvalidOpcode,
	DeviceNotAvailable,
	DoubleFault,
	CoprocessorSegmentOverrun,
	InvalidTSS,
	SegmentNotPresent,
	StackSegmentFault,
	GeneralProtectionFault,
	PageFault,
	X87FloatingPointException,
	AlignmentCheck,
	MachineCheck,
	SIMDFloatingPointException,
	VirtualizationException,
	ControlProtectionException,
	SecurityException,
}

// Gate types.
const (
	gateInterrupt = 14
	gateTrap      = 15
)

// Gate64 is a 64-bit task, trap, or interrupt gate.
type Gate64 struct {
	bits [4]uint32
}

// idt64 is a 64-bit interrupt descriptor table.
type idt64 [_NR_INTERRUPTS]Gate64

func (g *Gate64) setInterrupt(cs Selector, rip uint64, dpl int, ist int) {
	g.bits[0] = uint32(cs)<<16 | uint32(rip)&0xFFFF
	g.bits[1] = uint32(rip)&0xFFFF0000 | uint32(SegmentDescriptorPresent) | uint32(dpl)<<13 | gateInterrupt<<8 | uint32(ist)&0x7
	g.bits[2] = uint32(rip >> 32)
	g.bits[3] = 0
}

func (g *Gate64) setTrap(cs Selector, rip uint64, dpl int, ist int) {
	g.setInterrupt(cs, rip, dpl, ist)
	g.bits[1] |= 1 << 8
}

// Offset returns the handler address.
func (g *Gate64) Offset() uint64 {
	return uint64(g.bits[2])<<32 | uint64(g.bits[1]&0xFFFF0000) | uint64(g.bits[0]&0xFFFF)
}

// Selector returns the handler code segment.
func (g *Gate64) Selector() Selector {
	return Selector(g.bits[0] >> 16)
}

// IST returns the interrupt stack table index; zero means none.
func (g *Gate64) IST() int {
	return int(g.bits[1] & 0x7)
}

// DPL returns the most privileged level allowed to raise the vector with a
// software interrupt.
func (g *Gate64) DPL() int {
	return int((g.bits[1] >> 13) & 3)
}

// Type returns the gate type: 14 for interrupt gates, 15 for trap gates.
func (g *Gate64) Type() int {
	return int((g.bits[1] >> 8) & 0xF)
}

// Present returns true if the gate is present.
func (g *Gate64) Present() bool {
	return g.bits[1]&uint32(SegmentDescriptorPresent) != 0
}

// TaskState64 is a 64-bit task state structure.
type TaskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist1Lo, ist1Hi uint32
	ist2Lo, ist2Hi uint32
	ist3Lo, ist3Hi uint32
	ist4Lo, ist4Hi uint32
	ist5Lo, ist5Hi uint32
	ist6Lo, ist6Hi uint32
	ist7Lo, ist7Hi uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// RSP0 returns the stack loaded on entry to ring 0.
func (t *TaskState64) RSP0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

func (t *TaskState64) setRSP0(sp uint64) {
	t.rsp0Lo = uint32(sp)
	t.rsp0Hi = uint32(sp >> 32)
}

// IST1 returns the first interrupt stack.
func (t *TaskState64) IST1() uint64 {
	return uint64(t.ist1Hi)<<32 | uint64(t.ist1Lo)
}

func (t *TaskState64) setIST1(sp uint64) {
	t.ist1Lo = uint32(sp)
	t.ist1Hi = uint32(sp >> 32)
}

// IOPermOffset returns the I/O permission bitmap offset.
func (t *TaskState64) IOPermOffset() uint16 {
	return t.ioPerm
}
