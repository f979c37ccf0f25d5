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

package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"myria.dev/myria/kboot/config"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0"
)

// Negated errno values returned in RAX.
const (
	errEFAULT = ^uint64(14 - 1)
	errEBADF  = ^uint64(9 - 1)
	errENOSYS = ^uint64(38 - 1)
)

// maxWrite bounds a single write.
const maxWrite = hostarch.PageSize

// Exit reasons.
const (
	ExitSyscall  = "exit"
	ExitFault    = "fault"
	ExitReturned = "returned"
	ExitCanceled = "canceled"
)

// run is the state of the first process while it runs.
type run struct {
	ctx context.Context

	output     bytes.Buffer
	syscalls   []SyscallRecord
	interrupts []string
	fault      *ring0.Fault
	exitCode   uint64
	exited     bool
	canceled   error
}

// hooks are the kernel's handlers for the first process.
type hooks struct {
	l *Loader
}

// KernelSyscall implements ring0.Hooks.KernelSyscall.
func (h *hooks) KernelSyscall(c *ring0.CPU, regs *ring0.Registers) {
	r := h.l.run
	rec := SyscallRecord{
		Number: regs.RAX,
		Name:   syscallNames[regs.RAX],
		Args:   []uint64{regs.RDI, regs.RSI, regs.RDX},
	}
	var ret uint64
	switch regs.RAX {
	case sysExit:
		r.exitCode = regs.RDI
		r.exited = true
		log.Infof("Process exited with code %d", regs.RDI)
		c.Halt()
	case sysWrite:
		ret = h.l.write(regs.RDI, hostarch.VirtAddr(regs.RSI), regs.RDX)
	case sysGetpid:
		ret = 1
	case sysSleep, sysYield:
		// There is nothing else to run.
	default:
		ret = errENOSYS
	}
	rec.Result = ret
	r.syscalls = append(r.syscalls, rec)
	if c.Mode() != ring0.HaltedMode {
		regs.RAX = ret
	}
}

// KernelInterrupt implements ring0.Hooks.KernelInterrupt.
func (h *hooks) KernelInterrupt(c *ring0.CPU, v ring0.Vector, regs *ring0.Registers) {
	h.l.run.interrupts = append(h.l.run.interrupts, v.String())
}

// KernelException implements ring0.Hooks.KernelException.
func (h *hooks) KernelException(c *ring0.CPU, f *ring0.Fault) {
	h.l.run.fault = f
}

// write copies count bytes at va out of the process to its output.
func (l *Loader) write(fd uint64, va hostarch.VirtAddr, count uint64) uint64 {
	if fd != 1 && fd != 2 {
		return errEBADF
	}
	if count > maxWrite {
		count = maxWrite
	}
	data, err := l.copyIn(va, count)
	if err != nil {
		log.Debugf("write from %v: %v", va, err)
		return errEFAULT
	}
	l.run.output.Write(data)
	return uint64(len(data))
}

// copyIn reads count bytes at va in the process through its page tables.
// Every page must be a user page.
func (l *Loader) copyIn(va hostarch.VirtAddr, count uint64) ([]byte, error) {
	out := make([]byte, 0, count)
	for count > 0 {
		e, err := l.spaces.Walk(l.proc.Space, va)
		if err != nil {
			return nil, err
		}
		if !e.PTE.User() {
			return nil, fmt.Errorf("%v: kernel page", va)
		}
		size := uint64(e.Size())
		off := uint64(va) & (size - 1)
		n := min(count, size-off)
		b, err := l.mem.Slice(e.Address().Add(off), n)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		va += hostarch.VirtAddr(n)
		count -= n
	}
	return out, nil
}

// storeFaults returns the page fault error code for a user store to va, or
// false if the store succeeds.
func (l *Loader) storeFaults(va hostarch.VirtAddr) (uint64, bool) {
	const (
		pfProtection = 1 << 0
		pfWrite      = 1 << 1
		pfUser       = 1 << 2
	)
	e, err := l.spaces.Walk(l.proc.Space, va)
	switch {
	case err != nil:
		return pfWrite | pfUser, true
	case !e.PTE.User() || !e.PTE.Writeable():
		return pfProtection | pfWrite | pfUser, true
	default:
		return 0, false
	}
}

// userCode runs the program in user mode. It returns when the program
// ends, the core halts, or ctx is canceled.
func (l *Loader) userCode(*cpu.IretFrame) {
	r := l.run
	regs := l.cpu.UserRegisters()
	for _, st := range l.image.steps {
		if err := r.ctx.Err(); err != nil {
			r.canceled = err
			return
		}
		regs.RIP = uint64(st.pc)
		switch {
		case st.syscall:
			regs.RAX, regs.RDI, regs.RSI, regs.RDX = st.rax, st.rdi, st.rsi, st.rdx
			regs.RIP = uint64(st.next)
			if err := l.cpu.Syscall(&regs); err != nil {
				if !errors.Is(err, ring0.ErrHalted) {
					log.Warningf("Syscall at %v: %v", st.pc, err)
				}
				return
			}
		case st.name == config.StepTimer:
			regs.RIP = uint64(st.next)
			if !l.hw.Interrupts {
				log.Debugf("Timer at %v masked", st.pc)
				break
			}
			l.cpu.Dispatch(ring0.Timer, &regs, 0)
		case st.name == config.StepFault:
			regs.RAX = uint64(st.target)
			code, faults := l.storeFaults(st.target)
			if !faults {
				break
			}
			l.hw.WriteCR(cpu.CR2, uint64(st.target))
			if disp, _ := l.cpu.Dispatch(ring0.PageFault, &regs, code); disp == ring0.Halted {
				return
			}
		}
	}
	// Falls into the final jmp; the simulator has no more steps.
}

// Run enters the first process and runs it until it exits, faults, runs
// out of steps or ctx is canceled. The process is then torn down.
func (l *Loader) Run(ctx context.Context) (*Report, error) {
	if l.run != nil {
		return nil, ErrAlreadyRan
	}
	l.run = &run{ctx: ctx}
	l.hw.UserCode = l.userCode
	defer func() { l.hw.UserCode = nil }()

	err := l.cpu.EnterUser(l.proc.Space, l.proc.DescentOpts())
	var reason string
	switch {
	case l.run.exited:
		reason = ExitSyscall
	case l.run.fault != nil:
		reason = ExitFault
	case l.run.canceled != nil:
		reason = ExitCanceled
	case errors.Is(err, ring0.ErrReturnedFromUser):
		reason = ExitReturned
	default:
		return nil, fmt.Errorf("entering user mode: %w", err)
	}
	log.Infof("First process stopped: %s", reason)

	rep := l.report()
	rep.Exit = ExitReport{Reason: reason, Code: l.run.exitCode}

	// The process cannot be torn down while its root is live.
	if err := l.spaces.Switch(l.kernelSpace); err != nil {
		return nil, err
	}
	if err := l.spaces.Teardown(l.proc.Space); err != nil {
		return nil, fmt.Errorf("tearing down first process: %w", err)
	}
	after := l.frames.Stats()
	rep.Memory.AfterTeardown = &after
	if l.run.canceled != nil {
		return rep, l.run.canceled
	}
	return rep, nil
}
