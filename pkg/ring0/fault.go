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
	"io"
	"strings"

	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0/pagetables"
)

// Page fault error code bits.
const (
	pfProtection       = 1 << 0
	pfWrite            = 1 << 1
	pfUser             = 1 << 2
	pfReserved         = 1 << 3
	pfInstructionFetch = 1 << 4
)

// PageFaultCause is a decoded page fault error code. Each field is an
// independent observation.
type PageFaultCause struct {
	// Protection is set for a protection violation on a present page and
	// clear for a non-present page.
	Protection bool `yaml:"protection" json:"protection"`

	// Write is set for a write access and clear for a read or fetch.
	Write bool `yaml:"write" json:"write"`

	// User is set if the access came from ring 3.
	User bool `yaml:"user" json:"user"`

	// Reserved is set if a reserved bit was set in a paging entry.
	Reserved bool `yaml:"reserved" json:"reserved"`

	// InstructionFetch is set if the access was an instruction fetch.
	InstructionFetch bool `yaml:"instruction_fetch" json:"instruction_fetch"`
}

// DecodePageFault decodes a page fault error code.
func DecodePageFault(code uint64) PageFaultCause {
	return PageFaultCause{
		Protection:       code&pfProtection != 0,
		Write:            code&pfWrite != 0,
		User:             code&pfUser != 0,
		Reserved:         code&pfReserved != 0,
		InstructionFetch: code&pfInstructionFetch != 0,
	}
}

// String implements fmt.Stringer.String.
func (p PageFaultCause) String() string {
	parts := make([]string, 0, 5)
	if p.Protection {
		parts = append(parts, "protection-violation")
	} else {
		parts = append(parts, "not-present")
	}
	switch {
	case p.Write:
		parts = append(parts, "write")
	case p.InstructionFetch:
		parts = append(parts, "instruction-fetch")
	default:
		parts = append(parts, "read")
	}
	if p.User {
		parts = append(parts, "user")
	} else {
		parts = append(parts, "supervisor")
	}
	if p.Reserved {
		parts = append(parts, "reserved-bit")
	}
	return strings.Join(parts, " ")
}

// Disposition is what the core does after a vector is dispatched.
type Disposition int

const (
	// Resume returns to the interrupted context.
	Resume Disposition = iota

	// Halted means the core stopped.
	Halted
)

// String implements fmt.Stringer.String.
func (d Disposition) String() string {
	switch d {
	case Resume:
		return "resume"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Fault is the report of a fatal exception.
type Fault struct {
	Vector    Vector `yaml:"vector" json:"vector"`
	ErrorCode uint64 `yaml:"error_code" json:"error_code"`

	// Mode is the mode the core was in, from the privilege level of the
	// saved code segment.
	Mode Mode `yaml:"-" json:"-"`

	// Address is CR2 for page faults.
	Address hostarch.VirtAddr `yaml:"address,omitempty" json:"address,omitempty"`

	// Cause is set for page faults.
	Cause *PageFaultCause `yaml:"cause,omitempty" json:"cause,omitempty"`

	// Entry is the walk of Address in the active root, if it reached a
	// leaf; WalkError is why it did not otherwise.
	Entry     *pagetables.Entry `yaml:"-" json:"-"`
	WalkError error             `yaml:"-" json:"-"`

	Registers Registers `yaml:"registers" json:"registers"`
}

// Error implements error.Error.
func (f *Fault) Error() string {
	s := fmt.Sprintf("fatal %v in %v mode at rip %#x", f.Vector, f.Mode, f.Registers.RIP)
	if f.Vector.HasErrorCode() {
		s += fmt.Sprintf(", error code %#x", f.ErrorCode)
	}
	if f.Cause != nil {
		s += fmt.Sprintf(", address %v (%v)", f.Address, f.Cause)
	}
	return s
}

// ReportTo writes the full fault report to w.
func (f *Fault) ReportTo(w io.Writer) {
	fmt.Fprintf(w, "%s\n", f.Error())
	if f.Cause != nil {
		switch {
		case f.Entry != nil:
			fmt.Fprintf(w, "Mapping: %v\n", f.Entry)
		case f.WalkError != nil:
			fmt.Fprintf(w, "Mapping: %v\n", f.WalkError)
		}
	}
	f.Registers.DumpTo(w)
}

// Dispatch handles vector v, raised with the saved registers regs and, for
// vectors that define one, the error code.
//
// Debug traps are acknowledged and resumed. External interrupts go to the
// hooks and resume. Every other vector is fatal: the fault is decoded,
// logged and passed to the hooks, and the core halts.
func (c *CPU) Dispatch(v Vector, regs *Registers, errorCode uint64) (Disposition, *Fault) {
	switch {
	case v == Debug:
		dr6 := c.hw.ReadDR(6)
		c.debugLog.Warningf("Debug trap at rip %#x, dr6 %#x", regs.RIP, dr6)
		// Clear the status first or the return re-traps.
		c.hw.WriteDR(6, cpu.DR6Reset)
		if dr6&0xf != 0 {
			// Instruction breakpoints fault; step over on return.
			regs.RFLAGS |= _RFLAGS_RF
		}
		return Resume, nil

	case !v.IsException() && v != SyscallInt80:
		// Interrupt gates clear the flag and iretq restores it.
		cpu.WithoutInterrupts(c.hw, func() error {
			if c.hooks != nil {
				c.hooks.KernelInterrupt(c, v, regs)
			}
			return nil
		})
		return Resume, nil
	}

	f := &Fault{
		Vector:    v,
		ErrorCode: errorCode,
		Mode:      KernelMode,
		Registers: *regs,
	}
	if regs.fromUser() {
		f.Mode = UserMode
	}
	if !v.HasErrorCode() {
		f.ErrorCode = 0
	}
	if v == PageFault {
		f.Address = hostarch.VirtAddr(c.hw.ReadCR(cpu.CR2))
		cause := DecodePageFault(errorCode)
		f.Cause = &cause
		if c.kernel != nil && c.kernel.PageTables != nil {
			e, err := c.kernel.PageTables.Walk(cpu.ActiveRoot(c.hw), f.Address)
			if err != nil {
				f.WalkError = err
			} else {
				f.Entry = &e
			}
		}
	}

	var b strings.Builder
	f.ReportTo(&b)
	for _, line := range strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n") {
		log.Warningf("%s", line)
	}
	if c.hooks != nil {
		c.hooks.KernelException(c, f)
	}
	c.Halt()
	return Halted, f
}
