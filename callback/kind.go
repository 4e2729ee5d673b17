package callback

import (
	"fmt"

	"github.com/llir/llvm/ir/enum"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/catalog"
	"github.com/mewmew/bridge/lifted"
)

// Kind is the transition kind of a trampoline.
type Kind uint8

// Transition kinds.
const (
	// InternalCall is a native to lifted transition, for native code within
	// the program calling a lifted function.
	InternalCall Kind = iota
	// EntryPoint is a native to lifted transition, for native code outside of
	// the program calling a lifted function as if it were the original native
	// function.
	EntryPoint
	// ExitPoint is a lifted to native transition, for lifted code calling a
	// native function.
	ExitPoint
)

// String returns the string representation of the transition kind.
func (kind Kind) String() string {
	switch kind {
	case InternalCall:
		return "internal-call"
	case EntryPoint:
		return "entry-point"
	case ExitPoint:
		return "exit-point"
	}
	return fmt.Sprintf("Kind(%d)", uint8(kind))
}

// strategy is the kind-specific part of trampoline generation.
type strategy struct {
	// Validates the preconditions of the transition kind.
	validate func(g *Generator, p *pending) error
	// Returns the name of the trampoline function.
	name func(o *catalog.NativeObject) string
	// Linkage of the trampoline function.
	linkage enum.Linkage
	// Returns the registers of the emulated state preserved across the
	// transition.
	preserve func(lib Marshaler, conv *abi.Conv) []abi.Reg
	// Emits the trampoline function.
	emit func(g *Generator, p *pending) error
}

// strategies maps from transition kind to generation strategy.
var strategies = [...]strategy{
	InternalCall: {
		validate: (*Generator).validateLifted,
		name: func(o *catalog.NativeObject) string {
			return "callback_" + lifted.FuncName(o.Addr)
		},
		linkage:  enum.LinkageInternal,
		preserve: preserveFrame,
		emit:     (*Generator).emitNativeToLifted,
	},
	EntryPoint: {
		validate: (*Generator).validateLifted,
		name: func(o *catalog.NativeObject) string {
			if o.Exported && len(o.Name) > 0 {
				return o.Name
			}
			return "entry_" + lifted.FuncName(o.Addr)
		},
		linkage:  enum.LinkageNone,
		preserve: preserveAll,
		emit:     (*Generator).emitNativeToLifted,
	},
	ExitPoint: {
		validate: (*Generator).validateNative,
		name: func(o *catalog.NativeObject) string {
			if o.Class == catalog.External {
				return "exit_" + o.Name
			}
			return "exit_" + lifted.FuncName(o.Addr)
		},
		linkage: enum.LinkageInternal,
		emit:    (*Generator).emitLiftedToNative,
	},
}

// preserveFrame returns the registers describing the frame of the interrupted
// lifted code; stack pointer, program counter, link register and the
// callee-saved registers of the native calling convention. Caller-saved
// registers are dead across the native call which led to the callback.
func preserveFrame(lib Marshaler, conv *abi.Conv) []abi.Reg {
	keep := []abi.Reg{conv.Arch.SP(), conv.Arch.PC()}
	if len(conv.LinkReg) > 0 {
		keep = append(keep, conv.LinkReg)
	}
	return append(keep, conv.CalleeSaved...)
}

// preserveAll returns every register of the emulated state except the return
// register, for native callers unaware of lifted code.
func preserveAll(lib Marshaler, conv *abi.Conv) []abi.Reg {
	return lib.RegistersExcept(conv.RetReg)
}
