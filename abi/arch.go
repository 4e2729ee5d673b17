// Package abi describes the native calling conventions of the architectures
// supported by the bridge.
package abi

import (
	"strings"

	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch is a machine architecture.
type Arch uint8

// Machine architectures.
const (
	ArchInvalid Arch = iota
	// 32-bit x86.
	ArchX86
	// 64-bit x86.
	ArchX86_64
	// 64-bit ARM.
	ArchAArch64
)

// String returns the string representation of the architecture.
func (arch Arch) String() string {
	switch arch {
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	}
	return "invalid"
}

// ParseArch returns the architecture with the given name.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86", "i386", "386":
		return ArchX86, nil
	case "x86_64", "x86-64", "amd64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchAArch64, nil
	}
	return ArchInvalid, errors.Errorf("support for architecture %q not yet implemented", s)
}

// UnmarshalText unmarshals the text into arch.
func (arch *Arch) UnmarshalText(text []byte) error {
	a, err := ParseArch(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	*arch = a
	return nil
}

// MarshalText returns the textual representation of arch.
func (arch Arch) MarshalText() ([]byte, error) {
	return []byte(arch.String()), nil
}

// WordSize returns the size in bytes of a machine word.
func (arch Arch) WordSize() int {
	switch arch {
	case ArchX86:
		return 4
	case ArchX86_64, ArchAArch64:
		return 8
	}
	panic(errors.Errorf("support for architecture %v not yet implemented", arch))
}

// Word returns the LLVM IR integer type of a machine word.
func (arch Arch) Word() *types.IntType {
	switch arch.WordSize() {
	case 4:
		return types.I32
	default:
		return types.I64
	}
}

// Reg is a register name, as printed by the disassemblers of
// golang.org/x/arch (e.g. "RDI", "X0").
type Reg string

// x86reg returns the register name of the given x86 register.
func x86reg(reg x86asm.Reg) Reg {
	return Reg(reg.String())
}

// arm64reg returns the register name of the given AArch64 register.
func arm64reg(reg arm64asm.Reg) Reg {
	return Reg(reg.String())
}

// Registers returns the general purpose registers of the architecture, in
// the order of their encoding.
func (arch Arch) Registers() []Reg {
	var regs []Reg
	switch arch {
	case ArchX86:
		for reg := x86asm.EAX; reg <= x86asm.EDI; reg++ {
			regs = append(regs, x86reg(reg))
		}
	case ArchX86_64:
		for reg := x86asm.RAX; reg <= x86asm.R15; reg++ {
			regs = append(regs, x86reg(reg))
		}
	case ArchAArch64:
		for reg := arm64asm.X0; reg <= arm64asm.X30; reg++ {
			regs = append(regs, arm64reg(reg))
		}
		regs = append(regs, arch.SP())
	}
	return regs
}

// SP returns the stack pointer register of the architecture.
func (arch Arch) SP() Reg {
	switch arch {
	case ArchX86:
		return x86reg(x86asm.ESP)
	case ArchX86_64:
		return x86reg(x86asm.RSP)
	case ArchAArch64:
		return Reg(arm64asm.RegSP(arm64asm.SP).String())
	}
	panic(errors.Errorf("support for architecture %v not yet implemented", arch))
}

// PC returns the program counter register of the architecture.
func (arch Arch) PC() Reg {
	switch arch {
	case ArchX86:
		return x86reg(x86asm.EIP)
	case ArchX86_64:
		return x86reg(x86asm.RIP)
	case ArchAArch64:
		// arm64asm has no register operand for the program counter.
		return "PC"
	}
	panic(errors.Errorf("support for architecture %v not yet implemented", arch))
}
