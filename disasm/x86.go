package disasm

import (
	"github.com/mewmew/bridge/bin"
	"golang.org/x/arch/x86/x86asm"
)

// decodeX86 decodes the leading bytes in src as a single x86 instruction of the
// given processor mode (16, 32 or 64-bit execution mode).
func decodeX86(addr bin.Addr, src []byte, mode int) (*Inst, error) {
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		return nil, err
	}
	return &Inst{
		Addr: addr,
		Len:  inst.Len,
		Term: isTermX86(inst),
		Text: x86asm.IntelSyntax(inst, uint64(addr), nil),
	}, nil
}

// isTermX86 reports whether the given instruction is a terminator instruction.
func isTermX86(inst x86asm.Inst) bool {
	switch inst.Op {
	// Loop terminators.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	// Conditional jump terminators.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	// Unconditional jump terminators.
	case x86asm.JMP:
		return true
	// Return terminators.
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	// Trap terminators.
	case x86asm.HLT, x86asm.UD2:
		return true
	}
	return false
}
