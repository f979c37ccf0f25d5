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

// Package config provides basic infrastructure to set configuration settings
// for kboot. Each setting that can be changed from the command line must have
// a corresponding flag and a field in Config. Settings may also be read from
// a TOML file named by --config; flags set on the command line win.
package config

import (
	"fmt"
	"strings"

	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/userinit"
)

// Config holds configuration that is not part of the boot protocol.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag.
//  3. Register the flag in flags.go.
type Config struct {
	// Regions is the boot memory map. The flag form is a comma separated
	// list of base:length:kind.
	Regions []bootmem.Region `toml:"region" flag:"memmap"`

	// HHDMOffset is where all physical memory is mapped in the kernel half.
	HHDMOffset hostarch.VirtAddr `toml:"hhdm_offset" flag:"hhdm-offset"`

	// KernelBase is the virtual address of the kernel image.
	KernelBase hostarch.VirtAddr `toml:"kernel_base" flag:"kernel-base"`

	// KernelSize is the size of the kernel image in bytes. The image is
	// loaded from the kernel-and-modules region of the memory map.
	KernelSize uint64 `toml:"kernel_size" flag:"kernel-size"`

	// KernelStack is the top of the ring 0 stack used for syscalls.
	KernelStack hostarch.VirtAddr `toml:"kernel_stack" flag:"kernel-stack"`

	// InterruptStack is the top of the stack used for NMI, double fault
	// and machine check.
	InterruptStack hostarch.VirtAddr `toml:"interrupt_stack" flag:"interrupt-stack"`

	// StackPages is the size of each kernel stack.
	StackPages int `toml:"stack_pages" flag:"stack-pages"`

	// UserCode is where the first user program is loaded and entered.
	UserCode hostarch.VirtAddr `toml:"user_code" flag:"user-code"`

	// UserStack is the bottom of the first user stack.
	UserStack hostarch.VirtAddr `toml:"user_stack" flag:"user-stack"`

	// UserStackPages is the size of the first user stack.
	UserStackPages int `toml:"user_stack_pages" flag:"user-stack-pages"`

	// Program is the script the simulated user program runs, one step per
	// entry: write:TEXT, getpid, yield, sleep:MS, timer, fault:ADDR, exit:CODE.
	Program []string `toml:"program" flag:"program"`

	// Reclaim makes unmap free intermediate tables that become empty.
	Reclaim bool `toml:"reclaim" flag:"reclaim"`

	// LogFilename is the file path where logs are written. Empty means
	// stderr.
	LogFilename string `toml:"log" flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `toml:"debug" flag:"debug"`
}

// DefaultProgram exercises every path of the first process: output through
// the kernel, a few syscalls, an interrupt, and a clean exit.
var DefaultProgram = []string{
	"write:Hello from user mode!\n",
	"getpid",
	"yield",
	"sleep:100",
	"timer",
	"write:User init completed successfully!\n",
	"exit:0",
}

func (c *Config) validate() error {
	if err := bootmem.Validate(c.Regions); err != nil {
		return err
	}
	for _, kv := range []struct {
		name string
		va   hostarch.VirtAddr
	}{
		{"hhdm-offset", c.HHDMOffset},
		{"kernel-base", c.KernelBase},
		{"kernel-stack", c.KernelStack},
		{"interrupt-stack", c.InterruptStack},
	} {
		if !kv.va.IsPageAligned() || uint64(kv.va) <= hostarch.MaximumUserAddress {
			return fmt.Errorf("%s %v must be a page aligned kernel address", kv.name, kv.va)
		}
	}
	for _, kv := range []struct {
		name string
		va   hostarch.VirtAddr
	}{
		{"user-code", c.UserCode},
		{"user-stack", c.UserStack},
	} {
		if !kv.va.IsPageAligned() || uint64(kv.va) > hostarch.MaximumUserAddress || kv.va == 0 {
			return fmt.Errorf("%s %v must be a page aligned nonzero user address", kv.name, kv.va)
		}
	}
	if c.KernelSize == 0 {
		return fmt.Errorf("kernel-size must be positive")
	}
	if c.StackPages < 1 || c.UserStackPages < 1 {
		return fmt.Errorf("stack sizes must be at least one page: kernel %d, user %d", c.StackPages, c.UserStackPages)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	for _, step := range c.Program {
		if _, _, err := ParseStep(step); err != nil {
			return err
		}
	}
	return nil
}

// UserProgram returns the user program layout. The code is filled in by
// the loader.
func (c *Config) UserProgram() userinit.Program {
	return userinit.Program{
		CodeAddr:   c.UserCode,
		StackAddr:  c.UserStack,
		StackPages: c.UserStackPages,
	}
}

// Steps of the simulated user program.
const (
	StepWrite  = "write"
	StepGetpid = "getpid"
	StepYield  = "yield"
	StepSleep  = "sleep"
	StepTimer  = "timer"
	StepFault  = "fault"
	StepExit   = "exit"
)

// ParseStep splits a program step into its name and argument.
func ParseStep(step string) (name, arg string, err error) {
	name, arg, _ = strings.Cut(step, ":")
	switch name {
	case StepGetpid, StepYield, StepTimer:
		if arg != "" {
			return "", "", fmt.Errorf("step %q takes no argument", step)
		}
	case StepWrite:
	case StepSleep, StepFault, StepExit:
		if arg == "" {
			return "", "", fmt.Errorf("step %q needs an argument", step)
		}
	default:
		return "", "", fmt.Errorf("unknown step %q", step)
	}
	return name, arg, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Regions: %d", len(c.Regions))
	for _, r := range c.Regions {
		log.Infof("  %v", r)
	}
	log.Infof("Config.HHDMOffset: %v", c.HHDMOffset)
	log.Infof("Config.KernelBase: %v", c.KernelBase)
	log.Infof("Config.KernelSize: %#x", c.KernelSize)
	log.Infof("Config.KernelStack: %v", c.KernelStack)
	log.Infof("Config.InterruptStack: %v", c.InterruptStack)
	log.Infof("Config.StackPages: %d", c.StackPages)
	log.Infof("Config.UserCode: %v", c.UserCode)
	log.Infof("Config.UserStack: %v (%d pages)", c.UserStack, c.UserStackPages)
	log.Infof("Config.Program: %q", c.Program)
	log.Infof("Config.Reclaim: %t", c.Reclaim)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
}
