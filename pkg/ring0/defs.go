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

// Package ring0 holds the per-core privilege state of the kernel: descriptor
// tables, the task state segment, the syscall MSRs, the first descent into
// user mode and the exception dispatch path.
//
// Hardware access goes through cpu.Hardware, so everything here runs on a
// simulated core as well as a real one.
package ring0

import (
	"errors"
	"fmt"
	"io"

	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0/pagetables"
)

var (
	// ErrAlreadyInUser is returned by EnterUser on a core not in kernel
	// mode.
	ErrAlreadyInUser = errors.New("core is not in kernel mode")

	// ErrNotInUser is returned by Syscall on a core not in user mode.
	ErrNotInUser = errors.New("core is not in user mode")

	// ErrReturnedFromUser is returned when the return to user mode came
	// back. The core is halted.
	ErrReturnedFromUser = errors.New("returned from user mode")

	// ErrHalted is returned when the core halted while in user mode.
	ErrHalted = errors.New("core halted")

	// ErrBadCodePage is returned when the entry point is not on a user
	// page that is executable and not writable.
	ErrBadCodePage = errors.New("entry point is not on a user read-execute page")

	// ErrBadStackPage is returned when the stack is not on a user page that
	// is writable and not executable.
	ErrBadStackPage = errors.New("stack is not on a user read-write page")

	// ErrNoHandler is returned by Kernel.Init when an exception has no
	// handler address.
	ErrNoHandler = errors.New("no handler for vector")

	// ErrVectorInUse is returned by AddVector for an installed vector.
	ErrVectorInUse = errors.New("vector already installed")

	// ErrNotInitialized is returned when the core has not been through
	// Init.
	ErrNotInitialized = errors.New("core not initialized")
)

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	KernelOpts

	// globalIDT is our set of interrupt gates.
	globalIDT *idt64
}

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// PageTables are the kernel pagetables; this must be provided.
	PageTables *pagetables.PageTables

	// Handlers are the entry stub addresses of the exception vectors.
	Handlers map[Vector]uint64
}

// Hooks are hooks for kernel functions.
type Hooks interface {
	// KernelSyscall is called for system calls from user mode, on the
	// kernel stack named by the TSS. The number is in regs.RAX and the
	// arguments in RDI, RSI, RDX, R10, R8 and R9; the result goes back in
	// RAX.
	KernelSyscall(c *CPU, regs *Registers)

	// KernelInterrupt is called for external interrupt vectors.
	KernelInterrupt(c *CPU, v Vector, regs *Registers)

	// KernelException is called with a fatal fault before the core halts.
	KernelException(c *CPU, f *Fault)
}

// Mode is the privilege state of a core.
type Mode int

// Modes.
const (
	KernelMode Mode = iota
	UserMode
	HaltedMode
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case KernelMode:
		return "kernel"
	case UserMode:
		return "user"
	case HaltedMode:
		return "halted"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// CPUOpts are per-core options.
type CPUOpts struct {
	// KernelStack is the top of the initial ring 0 stack.
	KernelStack uint64

	// InterruptStack is the top of the stack used for faults that cannot
	// trust the current stack.
	InterruptStack uint64

	// Hooks receive syscalls, interrupts and fatal faults. May be nil.
	Hooks Hooks
}

// CPU is the per-CPU struct.
type CPU struct {
	// kernel is reference to the kernel that this CPU was initialized
	// with.
	kernel *Kernel

	// hw is the hardware of this core.
	hw cpu.Hardware

	// hooks are kernel hooks.
	hooks Hooks

	// gdt is the CPU's descriptor table.
	gdt descriptorTable

	// tss is the CPU's task state.
	tss TaskState64

	// mode is the current privilege state.
	mode Mode

	// descents counts returns to user mode through EnterUser.
	descents int

	// userRegs are the registers the last descent started user mode with.
	userRegs Registers

	// syscallRSP is the stack the last syscall entry switched to.
	syscallRSP uint64

	// debugLog reports debug traps, which may arrive in bursts.
	debugLog log.Logger
}

// NewCPU returns a core driving hw. It must be initialized with Init before
// use.
func NewCPU(hw cpu.Hardware) *CPU {
	return &CPU{
		hw:       hw,
		debugLog: log.BasicRateLimitedLogger(debugLogInterval),
	}
}

// Mode returns the current privilege state.
func (c *CPU) Mode() Mode {
	return c.mode
}

// Hardware returns the hardware of this core.
func (c *CPU) Hardware() cpu.Hardware {
	return c.hw
}

// SyscallStack returns the kernel stack the current or last syscall entry
// switched to.
func (c *CPU) SyscallStack() uint64 {
	return c.syscallRSP
}

// UserRegisters returns the registers the last descent entered user mode
// with.
func (c *CPU) UserRegisters() Registers {
	return c.userRegs
}

// Halt stops the core.
func (c *CPU) Halt() {
	c.mode = HaltedMode
	c.hw.Halt()
}

// Registers is a snapshot of the general purpose registers and the return
// frame of a trap.
type Registers struct {
	RAX uint64 `yaml:"rax" json:"rax"`
	RBX uint64 `yaml:"rbx" json:"rbx"`
	RCX uint64 `yaml:"rcx" json:"rcx"`
	RDX uint64 `yaml:"rdx" json:"rdx"`
	RSI uint64 `yaml:"rsi" json:"rsi"`
	RDI uint64 `yaml:"rdi" json:"rdi"`
	RBP uint64 `yaml:"rbp" json:"rbp"`
	R8  uint64 `yaml:"r8" json:"r8"`
	R9  uint64 `yaml:"r9" json:"r9"`
	R10 uint64 `yaml:"r10" json:"r10"`
	R11 uint64 `yaml:"r11" json:"r11"`
	R12 uint64 `yaml:"r12" json:"r12"`
	R13 uint64 `yaml:"r13" json:"r13"`
	R14 uint64 `yaml:"r14" json:"r14"`
	R15 uint64 `yaml:"r15" json:"r15"`

	// The return frame used by iretq.
	RIP    uint64 `yaml:"rip" json:"rip"`
	CS     uint64 `yaml:"cs" json:"cs"`
	RFLAGS uint64 `yaml:"rflags" json:"rflags"`
	RSP    uint64 `yaml:"rsp" json:"rsp"`
	SS     uint64 `yaml:"ss" json:"ss"`
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	fmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	fmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	fmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	fmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	fmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	fmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	fmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	fmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	fmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	fmt.Fprintf(w, "RFL = %016x\n", r.RFLAGS)
}

// fromUser returns true if the frame was saved in ring 3.
func (r *Registers) fromUser() bool {
	return Selector(r.CS).RPL() == 3
}
