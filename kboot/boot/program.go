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
	"encoding/binary"
	"fmt"
	"strconv"

	"myria.dev/myria/kboot/config"
	"myria.dev/myria/pkg/hostarch"
)

// Syscall numbers understood by the first process.
const (
	sysExit   = 0
	sysWrite  = 1
	sysGetpid = 7
	sysSleep  = 8
	sysYield  = 9
)

var syscallNames = map[uint64]string{
	sysExit:   "exit",
	sysWrite:  "write",
	sysGetpid: "getpid",
	sysSleep:  "sleep",
	sysYield:  "yield",
}

// step is one assembled program step.
type step struct {
	name string

	// pc is the address of the first instruction of the step and next the
	// address after its last.
	pc, next hostarch.VirtAddr

	// Register values the instructions load.
	rax, rdi, rsi, rdx uint64

	// syscall is set if the step ends in a syscall instruction.
	syscall bool

	// target is the address a fault step stores to.
	target hostarch.VirtAddr
}

// image is the code of the first process. The bytes are real x86-64
// instructions so the loaded image can be inspected; the simulator runs the
// steps.
type image struct {
	code  []byte
	steps []step
}

type asm struct {
	buf []byte
}

func (a *asm) movImm32(opcode byte, v uint32) {
	a.buf = append(a.buf, opcode)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// assemble builds the image for program loaded at base. Strings written by
// write steps are placed after the code.
func assemble(program []string, base hostarch.VirtAddr) (*image, error) {
	const (
		movEAX = 0xb8
		movEDX = 0xba
		movESI = 0xbe
		movEDI = 0xbf
	)
	var (
		a       asm
		img     image
		strs    [][]byte
		strRefs []int // index into img.steps
	)
	for _, s := range program {
		name, arg, err := config.ParseStep(s)
		if err != nil {
			return nil, err
		}
		st := step{name: name, pc: base + hostarch.VirtAddr(len(a.buf))}
		switch name {
		case config.StepWrite:
			st.rax, st.rdi, st.rdx = sysWrite, 1, uint64(len(arg))
			strs = append(strs, []byte(arg))
			strRefs = append(strRefs, len(img.steps))
		case config.StepGetpid:
			st.rax = sysGetpid
		case config.StepYield:
			st.rax = sysYield
		case config.StepSleep, config.StepExit:
			v, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", s, err)
			}
			st.rax, st.rdi = sysSleep, v
			if name == config.StepExit {
				st.rax = sysExit
			}
		case config.StepTimer:
			a.buf = append(a.buf, 0x90) // nop
		case config.StepFault:
			v, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", s, err)
			}
			st.target = hostarch.VirtAddr(v)
			// movabs rax, target; mov byte [rax], 0
			a.buf = append(a.buf, 0x48, 0xb8)
			a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
			a.buf = append(a.buf, 0xc6, 0x00, 0x00)
		}
		if name != config.StepTimer && name != config.StepFault {
			st.syscall = true
			a.movImm32(movEAX, uint32(st.rax))
			if name == config.StepWrite || name == config.StepSleep || name == config.StepExit {
				a.movImm32(movEDI, uint32(st.rdi))
			}
			if name == config.StepWrite {
				// The string address is patched below.
				a.movImm32(movESI, 0)
				a.movImm32(movEDX, uint32(st.rdx))
			}
			a.buf = append(a.buf, 0x0f, 0x05) // syscall
		}
		st.next = base + hostarch.VirtAddr(len(a.buf))
		img.steps = append(img.steps, st)
	}
	a.buf = append(a.buf, 0xeb, 0xfe) // jmp .

	for i, s := range strs {
		st := &img.steps[strRefs[i]]
		addr := uint64(base) + uint64(len(a.buf))
		if addr > 0xffffffff {
			return nil, fmt.Errorf("string at %#x out of reach of a 32-bit move", addr)
		}
		st.rsi = addr
		// The move to esi is the third instruction of the step.
		patch := int(st.pc-base) + 5 + 5 + 1
		binary.LittleEndian.PutUint32(a.buf[patch:], uint32(addr))
		a.buf = append(a.buf, s...)
	}
	img.code = a.buf
	return &img, nil
}
