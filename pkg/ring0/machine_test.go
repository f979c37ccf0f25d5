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
	"testing"

	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/ring0/pagetables"
)

const (
	kernelText     = hostarch.VirtAddr(0xffffffff80000000)
	stubBase       = 0xffffffff80100000
	syscallEntry   = 0xffffffff80200000
	kernelStack    = 0xffff800000010000
	interruptStack = 0xffff800000020000

	userCode     = hostarch.VirtAddr(0x10000)
	userStack    = hostarch.VirtAddr(0x800000)
	userStackTop = userStack + 2*hostarch.PageSize
)

// testHooks records everything passed to it.
type testHooks struct {
	syscall    func(c *CPU, regs *Registers)
	interrupts []Vector
	faults     []*Fault
}

func (h *testHooks) KernelSyscall(c *CPU, regs *Registers) {
	if h.syscall != nil {
		h.syscall(c, regs)
	}
}

func (h *testHooks) KernelInterrupt(c *CPU, v Vector, regs *Registers) {
	h.interrupts = append(h.interrupts, v)
}

func (h *testHooks) KernelException(c *CPU, f *Fault) {
	h.faults = append(h.faults, f)
}

// machine is a simulated core with a kernel space, a template and one user
// space holding a read-execute code page and two read-write stack pages.
type machine struct {
	hw     *cpu.Sim
	frames *pgalloc.Allocator
	pt     *pagetables.PageTables
	spaces *addrspace.Manager
	kernel *Kernel
	cpu    *CPU
	hooks  *testHooks
	user   *addrspace.AddressSpace
}

func newMachine(t *testing.T) *machine {
	t.Helper()
	m := &machine{
		hw:    cpu.NewSim(),
		hooks: &testHooks{},
	}
	var err error
	m.frames, err = pgalloc.New([]bootmem.Region{
		{Base: 0x100000, Length: 256 * hostarch.PageSize, Kind: bootmem.Usable},
	}, pgalloc.Opts{})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	m.pt = pagetables.New(pagetables.NewFrameAllocator(m.frames), cpu.TLB{HW: m.hw}, pagetables.Opts{})
	root, err := m.pt.NewRoot()
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	if err := m.pt.Map(root, kernelText, 0x1000, pagetables.MapOpts{AccessType: hostarch.ReadExecute, Global: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	m.hw.CRs[cpu.CR3] = uint64(root)

	m.spaces = addrspace.NewManager(m.pt, m.frames, m.hw)
	if _, err := m.spaces.CreateKernelTemplate(); err != nil {
		t.Fatalf("CreateKernelTemplate failed: %v", err)
	}
	if m.user, err = m.spaces.CreateUserSpace(); err != nil {
		t.Fatalf("CreateUserSpace failed: %v", err)
	}
	code, err := m.frames.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := m.spaces.MapUserPage(m.user, userCode, code, false, true); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	stack, err := m.frames.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := m.spaces.MapUserPages(m.user, userStack, stack, 2, true, false); err != nil {
		t.Fatalf("MapUserPages failed: %v", err)
	}

	m.kernel = &Kernel{}
	if err := m.kernel.Init(KernelOpts{
		PageTables: m.pt,
		Handlers:   StubHandlers(stubBase, 16),
	}); err != nil {
		t.Fatalf("Kernel.Init failed: %v", err)
	}
	m.cpu = NewCPU(m.hw)
	if err := m.cpu.Init(m.kernel, CPUOpts{
		KernelStack:    kernelStack,
		InterruptStack: interruptStack,
		Hooks:          m.hooks,
	}); err != nil {
		t.Fatalf("CPU.Init failed: %v", err)
	}
	if err := m.cpu.LoadIDT(); err != nil {
		t.Fatalf("LoadIDT failed: %v", err)
	}
	m.cpu.ConfigureSyscall(syscallEntry)
	m.hw.ResetCounters()
	return m
}

func (m *machine) descend() DescentOpts {
	return DescentOpts{Entry: userCode, Stack: userStackTop, Arg: 7}
}
