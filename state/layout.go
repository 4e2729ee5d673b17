// Package state implements the state marshaling library; the emulated
// processor state shared by lifted functions and the primitives converting
// between native calling conventions and the calling convention of lifted
// functions.
package state

import (
	"github.com/mewmew/bridge/abi"
	"github.com/pkg/errors"
)

// Layout is the register file of the emulated processor state; one
// machine-word field per register.
type Layout struct {
	// Machine architecture.
	Arch abi.Arch
	// Registers in field order.
	Regs []abi.Reg
	// Maps from register to field index.
	index map[abi.Reg]int
}

// NewLayout returns the register file layout of the given architecture; the
// general purpose registers followed by the program counter.
func NewLayout(arch abi.Arch) (*Layout, error) {
	regs := arch.Registers()
	if len(regs) == 0 {
		return nil, errors.Errorf("support for architecture %v not yet implemented", arch)
	}
	regs = append(regs, arch.PC())
	l := &Layout{
		Arch:  arch,
		Regs:  regs,
		index: make(map[abi.Reg]int),
	}
	for i, reg := range regs {
		l.index[reg] = i
	}
	return l, nil
}

// Index returns the field index of the given register.
func (l *Layout) Index(reg abi.Reg) (int, error) {
	i, ok := l.index[reg]
	if !ok {
		return 0, errors.Errorf("unable to locate register %q in %v state", reg, l.Arch)
	}
	return i, nil
}

// Except returns the registers of the layout other than the given ones.
func (l *Layout) Except(skip ...abi.Reg) []abi.Reg {
	var regs []abi.Reg
outer:
	for _, reg := range l.Regs {
		for _, s := range skip {
			if reg == s {
				continue outer
			}
		}
		regs = append(regs, reg)
	}
	return regs
}
