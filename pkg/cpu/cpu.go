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

// Package cpu defines the primitive hardware operations used by the memory
// and privilege packages, so that everything above them is plain logic that
// can run on a host.
package cpu

import (
	"fmt"

	"myria.dev/myria/pkg/hostarch"
)

// CR is a control register number.
type CR int

// Control registers.
const (
	CR0 CR = 0
	CR2 CR = 2
	CR3 CR = 3
	CR4 CR = 4
)

// String implements fmt.Stringer.String.
func (c CR) String() string {
	return fmt.Sprintf("cr%d", int(c))
}

// Model-specific registers.
const (
	MSREFER         = 0xc0000080
	MSRSTAR         = 0xc0000081
	MSRLSTAR        = 0xc0000082
	MSRCSTAR        = 0xc0000083
	MSRSyscallMask  = 0xc0000084
	MSRFSBase       = 0xc0000100
	MSRGSBase       = 0xc0000101
	MSRKernelGSBase = 0xc0000102
	MSRDebugCtl     = 0x000001d9
)

// Useful bits.
const (
	CR0PE = 1 << 0
	CR0WP = 1 << 16
	CR0PG = 1 << 31

	CR4PAE = 1 << 5
	CR4PGE = 1 << 7

	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNX  = 1 << 11

	// RFLAGSIF is the interrupt enable flag.
	RFLAGSIF = 1 << 9

	// CR3AddressMask selects the root table address from CR3.
	CR3AddressMask = 0x000ffffffffff000
)

// Debug register values after reset.
const (
	DR6Reset = 0xffff0ff0
	DR7Reset = 0x00000400
)

// DescriptorTable is the operand of LGDT and LIDT.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// IretFrame is the stack frame consumed by IRETQ.
type IretFrame struct {
	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

// Hardware is the set of privileged operations the kernel core performs.
//
// On real hardware each method is a single instruction. Implementations need
// not be safe for concurrent use: the core is single-threaded.
type Hardware interface {
	// DisableInterrupts clears the interrupt flag (pushf; cli) and returns
	// whether it was set.
	DisableInterrupts() bool

	// EnableInterrupts sets the interrupt flag (sti).
	EnableInterrupts()

	// ReadCR reads a control register.
	ReadCR(cr CR) uint64

	// WriteCR writes a control register. Writing CR3 flushes all
	// non-global translations.
	WriteCR(cr CR, v uint64)

	// ReadMSR reads a model-specific register.
	ReadMSR(msr uint32) uint64

	// WriteMSR writes a model-specific register.
	WriteMSR(msr uint32, v uint64)

	// ReadDR reads debug register n (0-7).
	ReadDR(n int) uint64

	// WriteDR writes debug register n (0-7).
	WriteDR(n int, v uint64)

	// Invlpg invalidates the translation for a single address.
	Invlpg(addr uint64)

	// LoadGDT loads the global descriptor table register.
	LoadGDT(t DescriptorTable)

	// LoadIDT loads the interrupt descriptor table register.
	LoadIDT(t DescriptorTable)

	// LoadTR loads the task register.
	LoadTR(sel uint16)

	// IRet returns through the given frame. On hardware it does not return.
	IRet(f *IretFrame)

	// Halt stops the core. On hardware it does not return.
	Halt()
}

// WithoutInterrupts runs fn with interrupts disabled and then restores the
// interrupt flag. Calls nest.
func WithoutInterrupts(hw Hardware, fn func() error) error {
	if hw.DisableInterrupts() {
		defer hw.EnableInterrupts()
	}
	return fn()
}

// ActiveRoot returns the root table address currently loaded in CR3.
func ActiveRoot(hw Hardware) hostarch.PhysAddr {
	return hostarch.PhysAddr(hw.ReadCR(CR3) & CR3AddressMask)
}

// TLB implements translation cache maintenance on top of Hardware.
type TLB struct {
	HW Hardware
}

// InvalidatePage invalidates a single page translation.
func (t TLB) InvalidatePage(va hostarch.VirtAddr) {
	t.HW.Invlpg(uint64(va))
}

// FlushAll reloads CR3, dropping every non-global translation and all
// paging-structure caches.
func (t TLB) FlushAll() {
	t.HW.WriteCR(CR3, t.HW.ReadCR(CR3))
}
