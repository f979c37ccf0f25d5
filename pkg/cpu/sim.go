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

package cpu

import (
	"fmt"
)

// Event is one privileged operation recorded by Sim.
type Event struct {
	Op    string
	Reg   uint64
	Value uint64
}

// String implements fmt.Stringer.String.
func (e Event) String() string {
	return fmt.Sprintf("%s %#x=%#x", e.Op, e.Reg, e.Value)
}

// Sim is a Hardware implementation that keeps register state in memory and
// records every operation. IRet and Halt return to the caller.
type Sim struct {
	CRs  [9]uint64
	MSRs map[uint32]uint64
	DRs  [8]uint64
	GDTR DescriptorTable
	IDTR DescriptorTable
	TR   uint16

	// Trace is every operation in order, excluding reads.
	Trace []Event

	// Invalidations are the addresses passed to Invlpg.
	Invalidations []uint64

	// Flushes counts CR3 writes.
	Flushes int

	// Returns are the frames passed to IRet.
	Returns []IretFrame

	// Halted is set by Halt.
	Halted bool

	// Interrupts is the interrupt flag. IRet loads it from the frame.
	Interrupts bool

	// Masks counts DisableInterrupts calls that cleared a set flag.
	Masks int

	// UserCode, if set, runs in place of user mode on IRet. It models the
	// user program; returning from it models the impossible return from
	// IRet.
	UserCode func(f *IretFrame)
}

// NewSim returns a simulator in the state a long-mode boot loader leaves
// behind.
func NewSim() *Sim {
	s := &Sim{MSRs: make(map[uint32]uint64)}
	s.CRs[CR0] = CR0PE | CR0WP | CR0PG
	s.CRs[CR4] = CR4PAE
	s.MSRs[MSREFER] = EFERLME | EFERLMA | EFERNX
	s.DRs[6] = DR6Reset
	s.DRs[7] = DR7Reset
	return s
}

func (s *Sim) record(op string, reg, v uint64) {
	s.Trace = append(s.Trace, Event{Op: op, Reg: reg, Value: v})
}

// DisableInterrupts implements Hardware.DisableInterrupts.
func (s *Sim) DisableInterrupts() bool {
	was := s.Interrupts
	if was {
		s.Masks++
	}
	s.Interrupts = false
	return was
}

// EnableInterrupts implements Hardware.EnableInterrupts.
func (s *Sim) EnableInterrupts() {
	s.Interrupts = true
}

// ReadCR implements Hardware.ReadCR.
func (s *Sim) ReadCR(cr CR) uint64 {
	return s.CRs[cr]
}

// WriteCR implements Hardware.WriteCR.
func (s *Sim) WriteCR(cr CR, v uint64) {
	s.record("mov-cr", uint64(cr), v)
	s.CRs[cr] = v
	if cr == CR3 {
		s.Flushes++
	}
}

// ReadMSR implements Hardware.ReadMSR.
func (s *Sim) ReadMSR(msr uint32) uint64 {
	return s.MSRs[msr]
}

// WriteMSR implements Hardware.WriteMSR.
func (s *Sim) WriteMSR(msr uint32, v uint64) {
	s.record("wrmsr", uint64(msr), v)
	s.MSRs[msr] = v
}

// ReadDR implements Hardware.ReadDR.
func (s *Sim) ReadDR(n int) uint64 {
	return s.DRs[n]
}

// WriteDR implements Hardware.WriteDR.
func (s *Sim) WriteDR(n int, v uint64) {
	s.record("mov-dr", uint64(n), v)
	s.DRs[n] = v
}

// Invlpg implements Hardware.Invlpg.
func (s *Sim) Invlpg(addr uint64) {
	s.record("invlpg", addr, 0)
	s.Invalidations = append(s.Invalidations, addr)
}

// LoadGDT implements Hardware.LoadGDT.
func (s *Sim) LoadGDT(t DescriptorTable) {
	s.record("lgdt", t.Base, uint64(t.Limit))
	s.GDTR = t
}

// LoadIDT implements Hardware.LoadIDT.
func (s *Sim) LoadIDT(t DescriptorTable) {
	s.record("lidt", t.Base, uint64(t.Limit))
	s.IDTR = t
}

// LoadTR implements Hardware.LoadTR.
func (s *Sim) LoadTR(sel uint16) {
	s.record("ltr", uint64(sel), 0)
	s.TR = sel
}

// IRet implements Hardware.IRet.
func (s *Sim) IRet(f *IretFrame) {
	s.record("iretq", f.RIP, f.RSP)
	s.Returns = append(s.Returns, *f)
	s.Interrupts = f.RFLAGS&RFLAGSIF != 0
	if s.UserCode != nil {
		s.UserCode(f)
	}
}

// Halt implements Hardware.Halt.
func (s *Sim) Halt() {
	s.record("hlt", 0, 0)
	s.Halted = true
}

// Index returns the position of the first event with the given op and
// register, or -1.
func (s *Sim) Index(op string, reg uint64) int {
	for i, e := range s.Trace {
		if e.Op == op && e.Reg == reg {
			return i
		}
	}
	return -1
}

// ResetCounters clears the trace and TLB counters, keeping register state.
func (s *Sim) ResetCounters() {
	s.Trace = nil
	s.Invalidations = nil
	s.Flushes = 0
	s.Masks = 0
}
