package abi

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Conv is a native calling convention; the argument, return and register
// preservation contract of unlifted machine code.
type Conv struct {
	// Calling convention name (e.g. "sysv").
	Name string
	// Architecture of the calling convention.
	Arch Arch
	// Registers used to pass the leading integer arguments, in order.
	// Remaining arguments are passed on the stack.
	ArgRegs []Reg
	// Register holding the integer return value.
	RetReg Reg
	// Registers preserved across calls.
	CalleeSaved []Reg
	// Register receiving the return address; empty if the return address is
	// pushed onto the stack by the call instruction.
	LinkReg Reg
	// Number of stack slots reserved by the caller above the return address
	// (e.g. the home space of Win64).
	ShadowSlots int
	// Size in bytes of the area below the stack pointer that leaf functions
	// may use without adjusting the stack pointer.
	RedZone int
	// Stack alignment in bytes at the call site.
	StackAlign int
	// Callee pops stack arguments on return.
	CalleePops bool
	// Register arguments are marked inreg in LLVM IR.
	InReg bool
	// LLVM IR calling convention.
	CallingConv enum.CallingConv
}

// String returns the string representation of the calling convention.
func (conv *Conv) String() string {
	return conv.Arch.String() + "/" + conv.Name
}

// Word returns the LLVM IR integer type of arguments and return values.
func (conv *Conv) Word() *types.IntType {
	return conv.Arch.Word()
}

// StackArgs returns the number of arguments passed on the stack when calling a
// function taking nargs arguments.
func (conv *Conv) StackArgs(nargs int) int {
	if nargs <= len(conv.ArgRegs) {
		return 0
	}
	return nargs - len(conv.ArgRegs)
}

// Unknown arity marker of native objects.
const UnknownArity = -1

// Default number of stack arguments passed to functions of unknown arity
// under conventions without argument registers.
const defaultStackArity = 4

// Arity returns the number of machine-word arguments to marshal for a
// function declared to take nargs arguments. Functions of unknown arity are
// passed every argument register (or a fixed number of stack slots), which
// is only sound when the caller cleans up the stack.
func (conv *Conv) Arity(nargs int) (int, error) {
	switch {
	case nargs >= 0:
		return nargs, nil
	case nargs != UnknownArity:
		return 0, errors.Errorf("invalid argument count %d", nargs)
	case conv.CalleePops:
		return 0, errors.Errorf("unable to marshal arguments of unknown arity under callee-pop calling convention %v", conv)
	case len(conv.ArgRegs) > 0:
		return len(conv.ArgRegs), nil
	default:
		return defaultStackArity, nil
	}
}

// Params returns the LLVM IR parameters of a native function taking nargs
// machine-word arguments.
func (conv *Conv) Params(nargs int) []*ir.Param {
	params := make([]*ir.Param, nargs)
	for i := range params {
		param := ir.NewParam("", conv.Word())
		if conv.InReg && i < len(conv.ArgRegs) {
			param.Attrs = append(param.Attrs, enum.ParamAttrInReg)
		}
		params[i] = param
	}
	return params
}

// RetType returns the LLVM IR return type of a native function.
func (conv *Conv) RetType(noreturn bool) types.Type {
	if noreturn {
		return types.Void
	}
	return conv.Word()
}

// Sig returns the LLVM IR function signature of a native function taking nargs
// machine-word arguments.
func (conv *Conv) Sig(nargs int, variadic, noreturn bool) *types.FuncType {
	params := make([]types.Type, nargs)
	for i := range params {
		params[i] = conv.Word()
	}
	sig := types.NewFunc(conv.RetType(noreturn), params...)
	sig.Variadic = variadic
	return sig
}

// Check reports whether the calling convention is able to express a function
// call with the given properties.
func (conv *Conv) Check(nargs int, variadic bool) error {
	if nargs < 0 {
		return errors.Errorf("invalid argument count %d for calling convention %v", nargs, conv)
	}
	if variadic && conv.CalleePops {
		return errors.Errorf("variadic functions cannot use callee-pop calling convention %v", conv)
	}
	return nil
}

// ### [ Builtin calling conventions ] #########################################

var (
	x86CalleeSaved = []Reg{x86reg(x86asm.EBX), x86reg(x86asm.EBP), x86reg(x86asm.ESI), x86reg(x86asm.EDI)}

	// cdecl: all arguments on the stack, caller cleans up.
	X86Cdecl = &Conv{
		Name:        "cdecl",
		Arch:        ArchX86,
		RetReg:      x86reg(x86asm.EAX),
		CalleeSaved: x86CalleeSaved,
		StackAlign:  16,
		CallingConv: enum.CallingConvC,
	}
	// stdcall: all arguments on the stack, callee cleans up.
	X86Stdcall = &Conv{
		Name:        "stdcall",
		Arch:        ArchX86,
		RetReg:      x86reg(x86asm.EAX),
		CalleeSaved: x86CalleeSaved,
		StackAlign:  4,
		CalleePops:  true,
		CallingConv: enum.CallingConvX86StdCall,
	}
	// fastcall: first two arguments in ECX and EDX, callee cleans up.
	X86Fastcall = &Conv{
		Name:        "fastcall",
		Arch:        ArchX86,
		ArgRegs:     []Reg{x86reg(x86asm.ECX), x86reg(x86asm.EDX)},
		RetReg:      x86reg(x86asm.EAX),
		CalleeSaved: x86CalleeSaved,
		StackAlign:  4,
		CalleePops:  true,
		InReg:       true,
		CallingConv: enum.CallingConvX86FastCall,
	}
	// thiscall: receiver in ECX, callee cleans up.
	X86Thiscall = &Conv{
		Name:        "thiscall",
		Arch:        ArchX86,
		ArgRegs:     []Reg{x86reg(x86asm.ECX)},
		RetReg:      x86reg(x86asm.EAX),
		CalleeSaved: x86CalleeSaved,
		StackAlign:  4,
		CalleePops:  true,
		CallingConv: enum.CallingConvX86ThisCall,
	}

	// System V AMD64 ABI.
	X86_64SysV = &Conv{
		Name: "sysv",
		Arch: ArchX86_64,
		ArgRegs: []Reg{
			x86reg(x86asm.RDI), x86reg(x86asm.RSI), x86reg(x86asm.RDX),
			x86reg(x86asm.RCX), x86reg(x86asm.R8), x86reg(x86asm.R9),
		},
		RetReg: x86reg(x86asm.RAX),
		CalleeSaved: []Reg{
			x86reg(x86asm.RBX), x86reg(x86asm.RBP), x86reg(x86asm.R12),
			x86reg(x86asm.R13), x86reg(x86asm.R14), x86reg(x86asm.R15),
		},
		RedZone:     128,
		StackAlign:  16,
		CallingConv: enum.CallingConvX86_64SysV,
	}
	// Microsoft x64 calling convention.
	X86_64Win64 = &Conv{
		Name: "win64",
		Arch: ArchX86_64,
		ArgRegs: []Reg{
			x86reg(x86asm.RCX), x86reg(x86asm.RDX), x86reg(x86asm.R8),
			x86reg(x86asm.R9),
		},
		RetReg: x86reg(x86asm.RAX),
		CalleeSaved: []Reg{
			x86reg(x86asm.RBX), x86reg(x86asm.RBP), x86reg(x86asm.RDI),
			x86reg(x86asm.RSI), x86reg(x86asm.R12), x86reg(x86asm.R13),
			x86reg(x86asm.R14), x86reg(x86asm.R15),
		},
		ShadowSlots: 4,
		StackAlign:  16,
		CallingConv: enum.CallingConvWin64,
	}

	// Procedure Call Standard for the Arm 64-bit Architecture.
	AArch64AAPCS = &Conv{
		Name:        "aapcs64",
		Arch:        ArchAArch64,
		ArgRegs:     arm64regs(arm64asm.X0, arm64asm.X7),
		RetReg:      arm64reg(arm64asm.X0),
		CalleeSaved: arm64regs(arm64asm.X19, arm64asm.X29),
		LinkReg:     arm64reg(arm64asm.X30),
		StackAlign:  16,
		CallingConv: enum.CallingConvC,
	}
)

// convs lists the builtin calling conventions.
var convs = []*Conv{
	X86Cdecl, X86Stdcall, X86Fastcall, X86Thiscall,
	X86_64SysV, X86_64Win64,
	AArch64AAPCS,
}

// Lookup returns the calling convention of the given architecture with the
// given name. The generic C calling convention resolves to the default calling
// convention of the operating system.
func Lookup(arch Arch, os, name string) (*Conv, error) {
	name = strings.ToLower(name)
	switch name {
	case "c", "ccc":
		return Default(arch, os)
	case "ms", "ms_abi", "msabi":
		name = X86_64Win64.Name
	case "sysv_abi", "x86_64_sysv":
		name = X86_64SysV.Name
	case "aapcs":
		name = AArch64AAPCS.Name
	}
	for _, conv := range convs {
		if conv.Name == name {
			if conv.Arch != arch {
				return nil, errors.Errorf("calling convention %q not supported on architecture %v", name, arch)
			}
			return conv, nil
		}
	}
	return nil, errors.Errorf("unable to locate calling convention %q", name)
}

// Default returns the default calling convention of the given architecture and
// operating system.
func Default(arch Arch, os string) (*Conv, error) {
	switch arch {
	case ArchX86:
		return X86Cdecl, nil
	case ArchX86_64:
		if strings.ToLower(os) == "windows" {
			return X86_64Win64, nil
		}
		return X86_64SysV, nil
	case ArchAArch64:
		return AArch64AAPCS, nil
	}
	return nil, errors.Errorf("support for architecture %v not yet implemented", arch)
}

// ### [ Helper functions ] ####################################################

// arm64regs returns the consecutive AArch64 registers from first to last
// (inclusive).
func arm64regs(first, last arm64asm.Reg) []Reg {
	var regs []Reg
	for reg := first; reg <= last; reg++ {
		regs = append(regs, arm64reg(reg))
	}
	return regs
}
