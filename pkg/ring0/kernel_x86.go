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
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/log"
)

// debugLogInterval bounds how often debug traps are logged.
const debugLogInterval = time.Second

// kernelAddr returns the address of the kernel object pointed to by obj.
func kernelAddr(obj any) uint64 {
	return uint64(reflect.ValueOf(obj).Pointer())
}

// StubHandlers returns handler addresses for every exception vector and
// int80, laid out as a table of entry stubs of the given stride at base.
func StubHandlers(base, stride uint64) map[Vector]uint64 {
	handlers := make(map[Vector]uint64, len(exceptions)+1)
	for _, v := range exceptions {
		handlers[v] = base + uint64(v)*stride
	}
	handlers[SyscallInt80] = base + uint64(SyscallInt80)*stride
	return handlers
}

// Init initializes a new kernel and builds the bootstrap IDT.
//
// Every exception vector must have a handler. All exceptions use interrupt
// gates so that interrupts stay off in handlers. NMI, double fault and
// machine check switch to the first interrupt stack.
func (k *Kernel) Init(opts KernelOpts) error {
	k.KernelOpts = opts
	k.globalIDT = new(idt64)
	if reflect.TypeOf(idt64{}).Size() != 4096 {
		panic("Size of globalIDT should be PageSize")
	}

	// Setup the IDT, which is uniform.
	for _, v := range exceptions {
		handler, ok := opts.Handlers[v]
		if !ok {
			return fmt.Errorf("%w %v", ErrNoHandler, v)
		}
		// Allow Breakpoint and Overflow to be called from all
		// privilege levels.
		dpl := 0
		if v == Breakpoint || v == Overflow {
			dpl = 3
		}
		ist := 0
		switch v {
		case NMI, DoubleFault, MachineCheck:
			ist = 1
		}
		k.globalIDT[v].setInterrupt(Kcode, handler, dpl, ist)
	}
	if handler, ok := opts.Handlers[SyscallInt80]; ok {
		k.globalIDT[SyscallInt80].setTrap(Kcode, handler, 3, 0)
	}
	return nil
}

// GateOpts are options for AddVector.
type GateOpts struct {
	// DPL is the least privileged ring allowed to raise the vector with a
	// software interrupt.
	DPL int

	// IST selects an interrupt stack; zero keeps the current stack.
	IST int

	// Trap selects a trap gate, which leaves interrupts enabled.
	Trap bool
}

// AddVector installs a gate for v after boot, for example the timer once it
// is programmed. Loaded IDTs see the new gate immediately.
func (k *Kernel) AddVector(v Vector, handler uint64, opts GateOpts) error {
	if k.globalIDT == nil {
		return ErrNotInitialized
	}
	if v >= _NR_INTERRUPTS {
		return fmt.Errorf("vector %d out of range", uintptr(v))
	}
	g := &k.globalIDT[v]
	if g.Present() {
		return fmt.Errorf("%w: %v", ErrVectorInUse, v)
	}
	if opts.Trap {
		g.setTrap(Kcode, handler, opts.DPL, opts.IST)
	} else {
		g.setInterrupt(Kcode, handler, opts.DPL, opts.IST)
	}
	log.Debugf("Vector %v installed at %#x", v, handler)
	return nil
}

// Gate returns a copy of the gate for v.
func (k *Kernel) Gate(v Vector) Gate64 {
	return k.globalIDT[v]
}

// IDT returns the IDT base and limit.
func (k *Kernel) IDT() (uint64, uint16) {
	return kernelAddr(&k.globalIDT[0]), uint16(binary.Size(k.globalIDT) - 1)
}

// Init initializes the core: it builds the GDT and TSS and loads both.
func (c *CPU) Init(k *Kernel, opts CPUOpts) error {
	if err := ValidateSelectors(); err != nil {
		return err
	}
	c.kernel = k
	c.hooks = opts.Hooks
	c.mode = KernelMode

	// Null segment.
	c.gdt[0].setNull()

	// Kernel & user segments.
	c.gdt[segKcode] = KernelCodeSegment
	c.gdt[segKdata] = KernelDataSegment
	c.gdt[segUcode32] = UserCodeSegment32
	c.gdt[segUdata] = UserDataSegment
	c.gdt[segUcode64] = UserCodeSegment64

	// The task segment, this spans two entries. The type is an available
	// 64-bit TSS; ltr faults on a busy one.
	tssBase, tssLimit, _ := c.TSS()
	c.gdt[segTss].set(
		uint32(tssBase),
		uint32(tssLimit),
		0, // Privilege level zero.
		SegmentDescriptorPresent|
			SegmentDescriptorAccess|
			SegmentDescriptorExecute)
	c.gdt[segTssHi].setHi(uint32((tssBase) >> 32))

	c.tss.setRSP0(opts.KernelStack)
	c.tss.setIST1(opts.InterruptStack)

	// Set the I/O bitmap base address beyond the last byte in the TSS
	// to block access to the entire I/O address range.
	//
	// From section 18.5.2 "I/O Permission Bit Map" from Intel SDM vol1:
	// I/O addresses not spanned by the map are treated as if they had set
	// bits in the map.
	c.tss.ioPerm = tssLimit + 1

	base, limit := c.GDT()
	c.hw.LoadGDT(cpu.DescriptorTable{Base: base, Limit: limit})
	c.hw.LoadTR(uint16(Tss))
	return nil
}

// GDT returns the CPU's GDT base and limit.
func (c *CPU) GDT() (uint64, uint16) {
	return kernelAddr(&c.gdt[0]), uint16(8*segLast - 1)
}

// TSS returns the CPU's TSS base, limit and value.
func (c *CPU) TSS() (uint64, uint16, *SegmentDescriptor) {
	return kernelAddr(&c.tss), uint16(binary.Size(&c.tss) - 1), &c.gdt[segTss]
}

// Descriptor returns a copy of GDT entry i.
func (c *CPU) Descriptor(i int) SegmentDescriptor {
	return c.gdt[i]
}

// TaskState returns a copy of the task state.
func (c *CPU) TaskState() TaskState64 {
	return c.tss
}

// LoadIDT loads the kernel's IDT on this core.
func (c *CPU) LoadIDT() error {
	if c.kernel == nil || c.kernel.globalIDT == nil {
		return ErrNotInitialized
	}
	base, limit := c.kernel.IDT()
	c.hw.LoadIDT(cpu.DescriptorTable{Base: base, Limit: limit})
	return nil
}

// SetKernelStack sets the stack used on the next transition into ring 0.
// The scheduler calls it on every thread switch.
func (c *CPU) SetKernelStack(sp uint64) {
	c.tss.setRSP0(sp)
}

// KernelStack returns the stack used on the next transition into ring 0.
func (c *CPU) KernelStack() uint64 {
	return c.tss.RSP0()
}

// ConfigureSyscall enables the syscall instruction with entry as the kernel
// entry point.
//
// Note that sysret depends on having the 64-bit user segments immediately
// following the 32-bit user code segment.
func (c *CPU) ConfigureSyscall(entry uint64) {
	c.hw.WriteMSR(cpu.MSREFER, c.hw.ReadMSR(cpu.MSREFER)|cpu.EFERSCE)
	c.hw.WriteMSR(cpu.MSRSTAR, uint64(Kcode)<<32|uint64(Ucode32)<<48)
	c.hw.WriteMSR(cpu.MSRLSTAR, entry)
	c.hw.WriteMSR(cpu.MSRCSTAR, entry)
	c.hw.WriteMSR(cpu.MSRSyscallMask, SyscallFlagsMask)
}
