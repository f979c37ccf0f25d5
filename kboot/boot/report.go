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
	"fmt"

	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/ring0"
)

// Report is the outcome of a boot and run.
type Report struct {
	Memory     MemoryReport    `yaml:"memory" json:"memory"`
	Kernel     KernelReport    `yaml:"kernel" json:"kernel"`
	Process    ProcessReport   `yaml:"process" json:"process"`
	Syscalls   []SyscallRecord `yaml:"syscalls" json:"syscalls"`
	Interrupts []string        `yaml:"interrupts,omitempty" json:"interrupts,omitempty"`
	Output     string          `yaml:"output" json:"output"`
	Fault      *ring0.Fault    `yaml:"fault,omitempty" json:"fault,omitempty"`
	Exit       ExitReport      `yaml:"exit" json:"exit"`
	Hardware   HardwareReport  `yaml:"hardware" json:"hardware"`
}

// MemoryReport describes physical memory.
type MemoryReport struct {
	Usable []bootmem.Range `yaml:"usable" json:"usable"`

	// Boot is the frame count after kernel bring-up; AfterTeardown after
	// the first process is gone. They match unless frames leaked.
	Boot          pgalloc.Stats  `yaml:"boot" json:"boot"`
	AfterTeardown *pgalloc.Stats `yaml:"after_teardown,omitempty" json:"after_teardown,omitempty"`
}

// TableReport is a descriptor table register.
type TableReport struct {
	Base  hostarch.VirtAddr `yaml:"base" json:"base"`
	Limit uint16            `yaml:"limit" json:"limit"`
}

// KernelReport describes the kernel's tables.
type KernelReport struct {
	Root     hostarch.PhysAddr `yaml:"root" json:"root"`
	Template hostarch.PhysAddr `yaml:"template" json:"template"`
	GDT      TableReport       `yaml:"gdt" json:"gdt"`
	IDT      TableReport       `yaml:"idt" json:"idt"`
	TR       string            `yaml:"tr" json:"tr"`
	MSRs     map[string]string `yaml:"msrs" json:"msrs"`
}

// ProcessReport describes the first process.
type ProcessReport struct {
	Root       hostarch.PhysAddr `yaml:"root" json:"root"`
	Entry      hostarch.VirtAddr `yaml:"entry" json:"entry"`
	StackTop   hostarch.VirtAddr `yaml:"stack_top" json:"stack_top"`
	CodePages  int               `yaml:"code_pages" json:"code_pages"`
	StackPages int               `yaml:"stack_pages" json:"stack_pages"`
}

// SyscallRecord is one syscall made by the process.
type SyscallRecord struct {
	Number uint64   `yaml:"number" json:"number"`
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Args   []uint64 `yaml:"args,flow" json:"args"`
	Result uint64   `yaml:"result" json:"result"`
}

// ExitReport is how the process stopped.
type ExitReport struct {
	Reason string `yaml:"reason" json:"reason"`
	Code   uint64 `yaml:"code" json:"code"`
}

// HardwareReport are counts of privileged operations.
type HardwareReport struct {
	Operations    int  `yaml:"operations" json:"operations"`
	Invalidations int  `yaml:"invalidations" json:"invalidations"`
	Flushes       int  `yaml:"flushes" json:"flushes"`
	Descents      int  `yaml:"descents" json:"descents"`
	Halted        bool `yaml:"halted" json:"halted"`
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// report collects the state of the core.
func (l *Loader) report() *Report {
	gdtBase, gdtLimit := l.cpu.GDT()
	idtBase, idtLimit := l.kernel.IDT()
	rep := &Report{
		Memory: MemoryReport{
			Usable: l.usable,
			Boot:   l.bootStats,
		},
		Kernel: KernelReport{
			Root:     l.root,
			Template: l.spaces.Template().Root,
			GDT:      TableReport{Base: hostarch.VirtAddr(gdtBase), Limit: gdtLimit},
			IDT:      TableReport{Base: hostarch.VirtAddr(idtBase), Limit: idtLimit},
			TR:       ring0.Selector(l.hw.TR).String(),
			MSRs: map[string]string{
				"efer":  hex(l.hw.ReadMSR(cpu.MSREFER)),
				"star":  hex(l.hw.ReadMSR(cpu.MSRSTAR)),
				"lstar": hex(l.hw.ReadMSR(cpu.MSRLSTAR)),
				"fmask": hex(l.hw.ReadMSR(cpu.MSRSyscallMask)),
			},
		},
		Process: ProcessReport{
			Root:       l.proc.Space.Root,
			Entry:      l.proc.Entry,
			StackTop:   l.proc.StackTop,
			CodePages:  l.proc.CodePages,
			StackPages: l.proc.StackPages,
		},
		Hardware: HardwareReport{
			Operations:    len(l.hw.Trace),
			Invalidations: len(l.hw.Invalidations),
			Flushes:       l.hw.Flushes,
			Descents:      len(l.hw.Returns),
			Halted:        l.hw.Halted,
		},
	}
	if l.run != nil {
		rep.Syscalls = l.run.syscalls
		rep.Interrupts = l.run.interrupts
		rep.Output = l.run.output.String()
		rep.Fault = l.run.fault
	}
	return rep
}
