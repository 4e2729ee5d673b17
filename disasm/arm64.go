package disasm

import (
	"github.com/mewmew/bridge/bin"
	"golang.org/x/arch/arm64/arm64asm"
)

// Size of AArch64 instructions in bytes.
const arm64InstSize = 4

// decodeAArch64 decodes the leading bytes in src as a single AArch64
// instruction.
func decodeAArch64(addr bin.Addr, src []byte) (*Inst, error) {
	inst, err := arm64asm.Decode(src)
	if err != nil {
		return nil, err
	}
	return &Inst{
		Addr: addr,
		Len:  arm64InstSize,
		Term: isTermAArch64(inst),
		Text: arm64asm.GNUSyntax(inst),
	}, nil
}

// isTermAArch64 reports whether the given instruction is a terminator
// instruction.
func isTermAArch64(inst arm64asm.Inst) bool {
	switch inst.Op {
	// Conditional branch terminators.
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	// Unconditional branch terminators.
	case arm64asm.B, arm64asm.BR:
		return true
	// Return terminators.
	case arm64asm.RET:
		return true
	}
	return false
}
