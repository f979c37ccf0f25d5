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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/ring0/pagetables"
)

func TestEnterUser(t *testing.T) {
	m := newMachine(t)
	m.hw.DRs[0] = 0x401000
	m.hw.DRs[7] = 0x403
	m.hw.MSRs[cpu.MSRDebugCtl] = 0x1

	opts := m.descend()
	opts.Stack = userStackTop - 3
	err := m.cpu.EnterUser(m.user, opts)
	if !errors.Is(err, ErrReturnedFromUser) {
		t.Fatalf("EnterUser = %v, want %v", err, ErrReturnedFromUser)
	}
	if !m.hw.Halted || m.cpu.Mode() != HaltedMode {
		t.Errorf("core not halted after return from user: mode %v", m.cpu.Mode())
	}

	want := cpu.IretFrame{
		RIP:    uint64(userCode),
		CS:     uint64(Ucode64),
		RFLAGS: 0x10202,
		RSP:    uint64(userStackTop) - 16,
		SS:     uint64(Udata),
	}
	if diff := cmp.Diff([]cpu.IretFrame{want}, m.hw.Returns); diff != "" {
		t.Errorf("iret frames mismatch (-want +got):\n%s", diff)
	}
	if got := m.cpu.UserRegisters().RDI; got != 7 {
		t.Errorf("RDI = %d, want 7", got)
	}
	if got := cpu.ActiveRoot(m.hw); got != m.user.Root {
		t.Errorf("CR3 = %v, want %v", got, m.user.Root)
	}

	// Debug state is gone, breakpoints first.
	for i, v := range m.hw.DRs[:4] {
		if v != 0 {
			t.Errorf("DR%d = %#x, want 0", i, v)
		}
	}
	if m.hw.DRs[6] != cpu.DR6Reset || m.hw.DRs[7] != cpu.DR7Reset || m.hw.MSRs[cpu.MSRDebugCtl] != 0 {
		t.Errorf("DR6 %#x DR7 %#x DEBUGCTL %#x not reset", m.hw.DRs[6], m.hw.DRs[7], m.hw.MSRs[cpu.MSRDebugCtl])
	}
	dr7 := m.hw.Index("mov-dr", 7)
	dr0 := m.hw.Index("mov-dr", 0)
	cr3 := m.hw.Index("mov-cr", uint64(cpu.CR3))
	ret := m.hw.Index("iretq", uint64(userCode))
	if !(dr7 >= 0 && dr7 < dr0 && dr0 < cr3 && cr3 < ret) {
		t.Errorf("bad ordering: dr7 %d dr0 %d cr3 %d iretq %d in %v", dr7, dr0, cr3, ret, m.hw.Trace)
	}
}

func TestEnterUserChecks(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts)
		want  []error
	}{
		{
			name: "code still writable",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				if err := m.spaces.Protect(m.user, userCode, true, false); err != nil {
					t.Fatalf("Protect failed: %v", err)
				}
				return m.user, m.descend()
			},
			want: []error{ErrBadCodePage},
		},
		{
			name: "entry not mapped",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				opts := m.descend()
				opts.Entry = 0x20000
				return m.user, opts
			},
			want: []error{ErrBadCodePage, pagetables.ErrNotMapped},
		},
		{
			name: "entry in kernel half",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				opts := m.descend()
				opts.Entry = kernelText
				return m.user, opts
			},
			want: []error{ErrBadCodePage},
		},
		{
			name: "stack executable",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				if err := m.spaces.Protect(m.user, userStack+hostarch.PageSize, false, true); err != nil {
					t.Fatalf("Protect failed: %v", err)
				}
				return m.user, m.descend()
			},
			want: []error{ErrBadStackPage},
		},
		{
			name: "stack not mapped",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				opts := m.descend()
				opts.Stack = 0x900000
				return m.user, opts
			},
			want: []error{ErrBadStackPage, pagetables.ErrNotMapped},
		},
		{
			name: "kernel space",
			setup: func(t *testing.T, m *machine) (*addrspace.AddressSpace, DescentOpts) {
				k, err := m.spaces.Kernel()
				if err != nil {
					t.Fatalf("Kernel failed: %v", err)
				}
				return k, m.descend()
			},
			want: []error{addrspace.ErrNotUserSpace},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			as, opts := tc.setup(t, m)
			m.hw.ResetCounters()
			err := m.cpu.EnterUser(as, opts)
			for _, want := range tc.want {
				if !errors.Is(err, want) {
					t.Errorf("EnterUser = %v, want %v", err, want)
				}
			}
			if len(m.hw.Trace) != 0 {
				t.Errorf("hardware touched by a refused descent: %v", m.hw.Trace)
			}
			if m.cpu.Mode() != KernelMode {
				t.Errorf("Mode = %v, want %v", m.cpu.Mode(), KernelMode)
			}
		})
	}
}

func TestDebugStateClearedOnFirstDescentOnly(t *testing.T) {
	m := newMachine(t)
	other, err := m.spaces.CreateUserSpace()
	if err != nil {
		t.Fatalf("CreateUserSpace failed: %v", err)
	}
	code, _ := m.frames.Allocate(1)
	stack, _ := m.frames.Allocate(1)
	if err := m.spaces.MapUserPage(other, userCode, code, false, true); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	if err := m.spaces.MapUserPage(other, userStack, stack, true, false); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}

	var nested error
	m.hooks.syscall = func(c *CPU, regs *Registers) {
		// A switch to a process that has never run.
		m.hw.UserCode = nil
		nested = c.EnterUser(other, DescentOpts{Entry: userCode, Stack: userStack + hostarch.PageSize})
	}
	m.hw.UserCode = func(*cpu.IretFrame) {
		if err := m.cpu.EnterUser(m.user, m.descend()); !errors.Is(err, ErrAlreadyInUser) {
			t.Errorf("EnterUser from user mode = %v, want %v", err, ErrAlreadyInUser)
		}
		regs := m.cpu.UserRegisters()
		m.cpu.Syscall(&regs)
	}
	if err := m.cpu.EnterUser(m.user, m.descend()); !errors.Is(err, ErrHalted) {
		t.Errorf("outer EnterUser = %v, want %v", err, ErrHalted)
	}
	if !errors.Is(nested, ErrReturnedFromUser) {
		t.Errorf("nested EnterUser = %v, want %v", nested, ErrReturnedFromUser)
	}

	writes := 0
	for _, e := range m.hw.Trace {
		if e.Op == "mov-dr" {
			writes++
		}
	}
	if writes != 6 {
		t.Errorf("debug register writes = %d, want 6 from the first descent only", writes)
	}
	if len(m.hw.Returns) != 2 {
		t.Errorf("iret count = %d, want 2", len(m.hw.Returns))
	}
}

func TestSyscall(t *testing.T) {
	m := newMachine(t)
	m.cpu.SetKernelStack(0xffff800000040000)

	type seen struct {
		Mode   Mode
		RSP    uint64
		RIP    uint64
		RCX    uint64
		R11    uint64
		RFLAGS uint64
		CS, SS uint64
		RAX    uint64
		IF     bool
	}
	var got []seen
	m.hooks.syscall = func(c *CPU, regs *Registers) {
		got = append(got, seen{c.Mode(), regs.RSP, regs.RIP, regs.RCX, regs.R11, regs.RFLAGS, regs.CS, regs.SS, regs.RAX, m.hw.Interrupts})
		switch regs.RAX {
		case 7: // getpid
			regs.RAX = 1
		case 0: // exit
			c.Halt()
		}
	}

	var after Registers
	var second error
	var resumedIF bool
	m.hw.UserCode = func(f *cpu.IretFrame) {
		regs := m.cpu.UserRegisters()
		regs.RAX = 7
		regs.RIP += 2
		regs.RFLAGS |= _RFLAGS_DF | _RFLAGS_CF
		if err := m.cpu.Syscall(&regs); err != nil {
			t.Errorf("Syscall failed: %v", err)
		}
		after = regs
		resumedIF = m.hw.Interrupts

		regs.RAX = 0
		second = m.cpu.Syscall(&regs)
	}
	if err := m.cpu.EnterUser(m.user, m.descend()); !errors.Is(err, ErrHalted) {
		t.Errorf("EnterUser = %v, want %v", err, ErrHalted)
	}
	if !errors.Is(second, ErrHalted) {
		t.Errorf("exit Syscall = %v, want %v", second, ErrHalted)
	}

	userFlags := uint64(0x10202 | _RFLAGS_DF | _RFLAGS_CF)
	want := seen{
		Mode:   KernelMode,
		RSP:    0xffff800000040000,
		RIP:    syscallEntry,
		RCX:    uint64(userCode) + 2,
		R11:    userFlags,
		RFLAGS: userFlags &^ (_RFLAGS_IF | _RFLAGS_DF),
		CS:     uint64(Kcode),
		SS:     uint64(Kdata),
		RAX:    7,
		IF:     false,
	}
	if len(got) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(got))
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("kernel entry state mismatch (-want +got):\n%s", diff)
	}
	if !resumedIF {
		t.Errorf("interrupts still disabled after sysret")
	}
	if m.cpu.SyscallStack() != 0xffff800000040000 {
		t.Errorf("SyscallStack = %#x", m.cpu.SyscallStack())
	}

	// sysret drops RF and restores the rest from R11.
	wantAfter := Registers{
		RAX:    1,
		RCX:    uint64(userCode) + 2,
		RDI:    7,
		R11:    userFlags,
		RIP:    uint64(userCode) + 2,
		CS:     uint64(Ucode64),
		RFLAGS: 0x202 | _RFLAGS_DF | _RFLAGS_CF,
		RSP:    uint64(userStackTop),
		SS:     uint64(Udata),
	}
	if diff := cmp.Diff(wantAfter, after); diff != "" {
		t.Errorf("sysret state mismatch (-want +got):\n%s", diff)
	}

	if err := m.cpu.Syscall(&Registers{}); !errors.Is(err, ErrNotInUser) {
		t.Errorf("Syscall on halted core = %v, want %v", err, ErrNotInUser)
	}
}
