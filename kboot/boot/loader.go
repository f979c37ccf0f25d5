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

// Package boot brings up the core on the simulator: it builds the kernel
// address space from the memory map, initializes the descriptor tables,
// loads the first user program and runs it.
package boot

import (
	"errors"
	"fmt"

	"myria.dev/myria/kboot/config"
	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cleanup"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/physmem"
	"myria.dev/myria/pkg/ring0"
	"myria.dev/myria/pkg/ring0/pagetables"
	"myria.dev/myria/pkg/userinit"
)

// Offsets into the kernel image.
const (
	// stubOffset is the table of interrupt entry stubs.
	stubOffset = 0x1000

	// stubStride is the size of one entry stub.
	stubStride = 16

	// syscallOffset is the syscall entry point.
	syscallOffset = 0x2000
)

var (
	// ErrNoKernelImage is returned when the memory map has no region
	// holding the kernel.
	ErrNoKernelImage = errors.New("no kernel-and-modules region in memory map")

	// ErrAlreadyRan is returned by Run after the first call.
	ErrAlreadyRan = errors.New("user program already ran")
)

// Loader holds a booted core.
type Loader struct {
	conf *config.Config

	hw     *cpu.Sim
	mem    *physmem.Memory
	frames *pgalloc.Allocator
	pt     *pagetables.PageTables
	spaces *addrspace.Manager
	kernel *ring0.Kernel
	cpu    *ring0.CPU

	// root is the kernel root installed before the first process, and
	// kernelSpace the same root as an address space.
	root        hostarch.PhysAddr
	kernelSpace *addrspace.AddressSpace

	// usable are the ranges the frame allocator owns.
	usable []bootmem.Range

	// bootStats are the frame counts once the kernel is up, before the
	// first process is built.
	bootStats pgalloc.Stats

	proc  *userinit.Process
	image *image
	run   *run
}

// New boots the core described by conf, up to and including building the
// first user process. It does not enter user mode.
func New(conf *config.Config) (*Loader, error) {
	l := &Loader{
		conf: conf,
		hw:   cpu.NewSim(),
	}
	cu := cleanup.Make(func() { l.Close() })
	defer cu.Clean()

	var err error
	if l.usable, err = bootmem.UsableRanges(conf.Regions); err != nil {
		return nil, err
	}
	if l.frames, err = pgalloc.New(conf.Regions, pgalloc.Opts{}); err != nil {
		return nil, err
	}
	if l.mem, err = physmem.New(uint64(l.frames.Limit())); err != nil {
		return nil, err
	}
	l.pt = pagetables.New(pagetables.NewFrameAllocator(l.frames), cpu.TLB{HW: l.hw}, pagetables.Opts{ReclaimEmpty: conf.Reclaim})

	if err := l.buildKernelSpace(); err != nil {
		return nil, fmt.Errorf("building kernel address space: %w", err)
	}
	l.spaces = addrspace.NewManager(l.pt, l.frames, l.hw)
	if l.kernelSpace, err = l.spaces.Kernel(); err != nil {
		return nil, err
	}
	if _, err := l.spaces.CreateKernelTemplate(); err != nil {
		return nil, err
	}
	if err := l.initCPU(); err != nil {
		return nil, fmt.Errorf("initializing cpu: %w", err)
	}
	l.bootStats = l.frames.Stats()

	if l.image, err = assemble(conf.Program, conf.UserCode); err != nil {
		return nil, err
	}
	prog := conf.UserProgram()
	prog.Code = l.image.code
	if l.proc, err = userinit.Build(l.spaces, l.frames, l.mem, prog); err != nil {
		return nil, fmt.Errorf("building first process: %w", err)
	}

	cu.Release()
	log.Infof("Boot complete: kernel root %v, %d frames free", l.root, l.frames.Stats().Free)
	return l, nil
}

// kernelRegion returns the region holding the kernel image.
func kernelRegion(regions []bootmem.Region) (bootmem.Region, error) {
	for _, r := range regions {
		if r.Kind == bootmem.KernelAndModules {
			return r, nil
		}
	}
	return bootmem.Region{}, ErrNoKernelImage
}

// buildKernelSpace creates the root the boot loader would hand over and
// installs it in CR3. It maps the kernel image, the direct map of usable
// memory and framebuffers, and the kernel stacks.
func (l *Loader) buildKernelSpace() error {
	kr, err := kernelRegion(l.conf.Regions)
	if err != nil {
		return err
	}
	size, ok := hostarch.VirtAddr(l.conf.KernelSize).RoundUp()
	if !ok || uint64(size) > kr.Length {
		return fmt.Errorf("kernel size %#x does not fit in %v", l.conf.KernelSize, kr)
	}

	if l.root, err = l.pt.NewRoot(); err != nil {
		return err
	}
	text := pagetables.MapOpts{AccessType: hostarch.ReadExecute, Global: true}
	if err := l.pt.MapRange(l.root, l.conf.KernelBase, hostarch.PhysAddr(kr.Base), uint64(size), text, false /* huge */); err != nil {
		return fmt.Errorf("mapping kernel image: %w", err)
	}

	data := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	for _, r := range l.usable {
		va := l.conf.HHDMOffset + hostarch.VirtAddr(r.Start)
		if err := l.pt.MapRange(l.root, va, r.Start, r.Length(), data, true /* huge */); err != nil {
			return fmt.Errorf("mapping direct map of %v: %w", r, err)
		}
	}

	// Framebuffers are device memory and stay uncached.
	fb := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true, MemoryType: hostarch.MemoryTypeUncached}
	for _, r := range l.conf.Regions {
		if r.Kind != bootmem.Framebuffer {
			continue
		}
		start := hostarch.PhysAddr(r.Base).RoundDown()
		end, ok := hostarch.PhysAddr(r.End()).RoundUp()
		if !ok {
			return fmt.Errorf("framebuffer %v: %w", r, bootmem.ErrBadRegion)
		}
		va := l.conf.HHDMOffset + hostarch.VirtAddr(start)
		if err := l.pt.MapRange(l.root, va, start, uint64(end-start), fb, true /* huge */); err != nil {
			return fmt.Errorf("mapping framebuffer %v: %w", r, err)
		}
	}

	for _, top := range []hostarch.VirtAddr{l.conf.KernelStack, l.conf.InterruptStack} {
		pa, err := l.frames.Allocate(l.conf.StackPages)
		if err != nil {
			return fmt.Errorf("allocating stack: %w", err)
		}
		length := uint64(l.conf.StackPages) * hostarch.PageSize
		if err := l.mem.Zero(pa, length); err != nil {
			return err
		}
		if err := l.pt.MapRange(l.root, top-hostarch.VirtAddr(length), pa, length, data, false /* huge */); err != nil {
			return fmt.Errorf("mapping stack at %v: %w", top, err)
		}
	}

	l.hw.WriteCR(cpu.CR3, uint64(l.root))
	return nil
}

// initCPU loads the descriptor tables and enables syscalls.
func (l *Loader) initCPU() error {
	l.kernel = &ring0.Kernel{}
	stubs := uint64(l.conf.KernelBase) + stubOffset
	if err := l.kernel.Init(ring0.KernelOpts{
		PageTables: l.pt,
		Handlers:   ring0.StubHandlers(stubs, stubStride),
	}); err != nil {
		return err
	}
	if err := l.kernel.AddVector(ring0.Timer, stubs+uint64(ring0.Timer)*stubStride, ring0.GateOpts{}); err != nil {
		return err
	}

	l.cpu = ring0.NewCPU(l.hw)
	if err := l.cpu.Init(l.kernel, ring0.CPUOpts{
		KernelStack:    uint64(l.conf.KernelStack),
		InterruptStack: uint64(l.conf.InterruptStack),
		Hooks:          &hooks{l: l},
	}); err != nil {
		return err
	}
	if err := l.cpu.LoadIDT(); err != nil {
		return err
	}
	l.cpu.ConfigureSyscall(uint64(l.conf.KernelBase) + syscallOffset)
	return nil
}

// Walk translates va in the kernel root or, if user is set, in the first
// process.
func (l *Loader) Walk(va hostarch.VirtAddr, user bool) (pagetables.Entry, error) {
	if user {
		return l.spaces.Walk(l.proc.Space, va)
	}
	return l.pt.Walk(l.root, va)
}

// Process returns the first user process.
func (l *Loader) Process() *userinit.Process {
	return l.proc
}

// Hardware returns the simulated core.
func (l *Loader) Hardware() *cpu.Sim {
	return l.hw
}

// Usable returns the ranges managed by the frame allocator.
func (l *Loader) Usable() []bootmem.Range {
	return l.usable
}

// Close releases host memory.
func (l *Loader) Close() {
	if l.mem != nil {
		if err := l.mem.Close(); err != nil {
			log.Warningf("Unmapping physical memory: %v", err)
		}
	}
}
