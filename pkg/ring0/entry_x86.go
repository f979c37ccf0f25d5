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

	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/ring0/pagetables"
)

// stackAlignment is the stack alignment required at process entry.
const stackAlignment = 16

// DescentOpts are passed to EnterUser.
type DescentOpts struct {
	// Entry is the first user instruction.
	Entry hostarch.VirtAddr

	// Stack is the initial user stack pointer. It is aligned down before
	// use.
	Stack hostarch.VirtAddr

	// Arg is passed to the user program in RDI.
	Arg uint64
}

// checkPage verifies that va is mapped in as as a user page with the given
// write and execute permissions.
func (c *CPU) checkPage(as *addrspace.AddressSpace, va hostarch.VirtAddr, write, exec bool, bad error) error {
	if uint64(va) > hostarch.MaximumUserAddress {
		return fmt.Errorf("%v: %w", va, bad)
	}
	e, err := c.kernel.PageTables.Walk(as.Root, va)
	if err != nil {
		return fmt.Errorf("%v: %w: %w", va, bad, err)
	}
	if e.Size() != pagetables.Size4K || !e.PTE.User() || e.PTE.Writeable() != write || e.PTE.Executable() != exec {
		return fmt.Errorf("%v (%v): %w", va, e.PTE, bad)
	}
	return nil
}

// clearDebugState disables hardware breakpoints and branch tracing left over
// from the boot environment. Stale state raises a debug trap right after the
// mode switch.
func (c *CPU) clearDebugState() {
	c.hw.WriteDR(7, cpu.DR7Reset)
	for i := 0; i < 4; i++ {
		c.hw.WriteDR(i, 0)
	}
	c.hw.WriteDR(6, cpu.DR6Reset)
	c.hw.WriteMSR(cpu.MSRDebugCtl, 0)
}

// EnterUser performs the first descent into user mode in as.
//
// The entry point must be on a user page that is executable and not
// writable, and the page below the stack pointer on a user page that is
// writable and not executable. Debug state is cleared on the first descent
// of the core only.
//
// EnterUser does not return on success. If the return to user mode comes
// back, the core is halted and ErrReturnedFromUser is returned; if the core
// was halted while in user mode, ErrHalted is returned.
func (c *CPU) EnterUser(as *addrspace.AddressSpace, opts DescentOpts) error {
	if c.kernel == nil {
		return ErrNotInitialized
	}
	if c.mode != KernelMode {
		return fmt.Errorf("%w: %v", ErrAlreadyInUser, c.mode)
	}
	if as.Provenance != addrspace.UserIsolated {
		return fmt.Errorf("%v: %w", as, addrspace.ErrNotUserSpace)
	}
	rsp := uint64(opts.Stack) &^ (stackAlignment - 1)
	if err := c.checkPage(as, opts.Entry, false, true, ErrBadCodePage); err != nil {
		return err
	}
	if err := c.checkPage(as, hostarch.VirtAddr(rsp-1), true, false, ErrBadStackPage); err != nil {
		return err
	}

	if c.descents == 0 {
		c.clearDebugState()
	}

	frame := cpu.IretFrame{
		RIP:    uint64(opts.Entry),
		CS:     uint64(Ucode64),
		RFLAGS: DescentFlags &^ UserFlagsClear,
		RSP:    rsp,
		SS:     uint64(Udata),
	}
	c.userRegs = Registers{
		RDI:    opts.Arg,
		RIP:    frame.RIP,
		CS:     frame.CS,
		RFLAGS: frame.RFLAGS,
		RSP:    frame.RSP,
		SS:     frame.SS,
	}
	c.hw.WriteCR(cpu.CR3, uint64(as.Root))
	c.mode = UserMode
	c.descents++
	c.hw.IRet(&frame)

	// Not reached on hardware.
	if c.mode == HaltedMode {
		return ErrHalted
	}
	c.Halt()
	return ErrReturnedFromUser
}

// Syscall runs the syscall fast path for a syscall instruction executed in
// user mode with the given registers. regs.RIP is the address after the
// instruction. On return regs holds the state sysret resumes.
func (c *CPU) Syscall(regs *Registers) error {
	if c.mode != UserMode {
		return fmt.Errorf("%w: %v", ErrNotInUser, c.mode)
	}

	// Entry: the hardware part.
	star := c.hw.ReadMSR(cpu.MSRSTAR)
	regs.RCX = regs.RIP
	regs.R11 = regs.RFLAGS
	regs.RIP = c.hw.ReadMSR(cpu.MSRLSTAR)
	regs.RFLAGS &^= c.hw.ReadMSR(cpu.MSRSyscallMask)
	regs.RFLAGS |= KernelFlagsSet
	if regs.RFLAGS&_RFLAGS_IF == 0 {
		c.hw.DisableInterrupts()
	}
	kcs := Selector(star >> 32)
	regs.CS = uint64(kcs)
	regs.SS = uint64(kcs + 8)
	c.mode = KernelMode

	// Entry: the stub part. The user stack pointer is kept aside and the
	// thread's kernel stack is taken from the TSS.
	userRSP := regs.RSP
	c.syscallRSP = c.tss.RSP0()
	regs.RSP = c.syscallRSP

	if c.hooks != nil {
		c.hooks.KernelSyscall(c, regs)
	} else {
		regs.RAX = ^uint64(37) // -ENOSYS
	}
	if c.mode == HaltedMode {
		return ErrHalted
	}

	// Return: sysret.
	ucs := Selector(star>>48) &^ 3
	regs.RSP = userRSP
	regs.RIP = regs.RCX
	regs.RFLAGS = regs.R11&_RFLAGS_SYSRET | _RFLAGS_RESERVED
	regs.CS = uint64((ucs + 16) | 3)
	regs.SS = uint64((ucs + 8) | 3)
	if regs.RFLAGS&_RFLAGS_IF != 0 {
		c.hw.EnableInterrupts()
	}
	c.mode = UserMode
	return nil
}
