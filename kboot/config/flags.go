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

package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/userinit"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. Flags given on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Memory layout.
	flagSet.Var(regionsPtr(bootmem.DefaultMap()), "memmap", "boot memory map as a comma-separated list of base:length:kind.")
	flagSet.Var(addrPtr(0xffff800000000000), "hhdm-offset", "virtual address at which all physical memory is mapped.")
	flagSet.Var(addrPtr(0xffffffff80000000), "kernel-base", "virtual address of the kernel image.")
	flagSet.Uint64("kernel-size", 0x100000, "size of the kernel image in bytes.")
	flagSet.Var(addrPtr(0xffffffffc0010000), "kernel-stack", "top of the ring 0 syscall stack.")
	flagSet.Var(addrPtr(0xffffffffc0020000), "interrupt-stack", "top of the NMI, double fault and machine check stack.")
	flagSet.Int("stack-pages", 4, "size of each kernel stack in pages.")
	flagSet.Bool("reclaim", false, "free intermediate page tables that become empty on unmap.")

	// First process.
	flagSet.Var(addrPtr(userinit.DefaultCodeAddr), "user-code", "address of the first user program.")
	flagSet.Var(addrPtr(userinit.DefaultStackAddr), "user-stack", "bottom of the first user stack.")
	flagSet.Int("user-stack-pages", userinit.DefaultStackPages, "size of the first user stack in pages.")
	flagSet.Var(stringsPtr(DefaultProgram), "program", "semicolon-separated steps of the simulated user program.")
}

// NewFromFlags creates a new Config. Flags set on the command line take
// precedence over the configuration file, which takes precedence over flag
// defaults.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	var md toml.MetaData
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		path := fl.Value.String()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", path, err)
		}
		if err := validateFile(string(data)); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if md, err = toml.Decode(string(data), conf); err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] && md.IsDefined(f.Tag.Get("toml")) {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// addr is a flag.Value for addresses in any base.
type addr hostarch.VirtAddr

func addrPtr(v hostarch.VirtAddr) *addr {
	a := addr(v)
	return &a
}

// String implements flag.Value.
func (a *addr) String() string {
	return hostarch.VirtAddr(*a).String()
}

// Get implements flag.Getter.
func (a *addr) Get() any {
	return hostarch.VirtAddr(*a)
}

// Set implements flag.Value.
func (a *addr) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = addr(v)
	return nil
}

// regions is a flag.Value for a memory map.
type regions []bootmem.Region

func regionsPtr(v []bootmem.Region) *regions {
	r := regions(v)
	return &r
}

// String implements flag.Value.
func (r *regions) String() string {
	parts := make([]string, 0, len(*r))
	for _, reg := range *r {
		parts = append(parts, fmt.Sprintf("%#x:%#x:%v", reg.Base, reg.Length, reg.Kind))
	}
	return strings.Join(parts, ",")
}

// Get implements flag.Getter.
func (r *regions) Get() any {
	return []bootmem.Region(*r)
}

// Set implements flag.Value.
func (r *regions) Set(s string) error {
	var out []bootmem.Region
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return fmt.Errorf("invalid region %q, want base:length:kind", part)
		}
		base, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid region base %q: %w", fields[0], err)
		}
		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid region length %q: %w", fields[1], err)
		}
		var kind bootmem.Kind
		if err := kind.UnmarshalText([]byte(fields[2])); err != nil {
			return err
		}
		out = append(out, bootmem.Region{Base: base, Length: length, Kind: kind})
	}
	*r = out
	return nil
}

// stringList is a flag.Value for a semicolon-separated list.
type stringList []string

func stringsPtr(v []string) *stringList {
	s := stringList(v)
	return &s
}

// String implements flag.Value.
func (s *stringList) String() string {
	return strings.Join(*s, ";")
}

// Get implements flag.Getter.
func (s *stringList) Get() any {
	return []string(*s)
}

// Set implements flag.Value.
func (s *stringList) Set(v string) error {
	*s = strings.Split(v, ";")
	return nil
}
