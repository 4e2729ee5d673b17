package state

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/bridge/abi"
	"github.com/pkg/errors"
)

// Snapshot is the saved contents of emulated registers.
type Snapshot struct {
	// Saved registers.
	Regs []abi.Reg
	// Register contents at the time of the snapshot.
	Vals []value.Value
}

// Save emits IR loading the contents of the given registers, to be restored
// after a boundary crossing.
func (lib *Lib) Save(block *ir.Block, state value.Value, regs []abi.Reg) (*Snapshot, error) {
	snap := &Snapshot{}
	for _, reg := range regs {
		v, err := lib.load(block, state, reg)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		snap.Regs = append(snap.Regs, reg)
		snap.Vals = append(snap.Vals, v)
	}
	return snap, nil
}

// Restore emits IR storing the saved register contents of snap back into the
// emulated processor state.
func (lib *Lib) Restore(block *ir.Block, state value.Value, snap *Snapshot) error {
	for i, reg := range snap.Regs {
		if err := lib.store(block, state, reg, snap.Vals[i]); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ### [ Native to lifted ] ####################################################

// NativeToIRPrologue emits IR moving the native arguments of a native to lifted
// call into the emulated processor state, as expected by lifted code compiled
// for the given calling convention. Register arguments are stored into their
// registers; stack arguments, shadow space and the return address are laid out
// in a new frame carved from the emulated stack.
//
// The frame is located below the current emulated stack pointer (and its red
// zone), or at the top of the thread-local emulated stack if the thread has
// not yet entered lifted code.
func (lib *Lib) NativeToIRPrologue(block *ir.Block, conv *abi.Conv, args []value.Value, retAddr value.Value) error {
	if err := lib.checkConv(conv); err != nil {
		return errors.WithStack(err)
	}
	state := lib.state
	w := int64(conv.Arch.WordSize())
	sp0, err := lib.load(block, state, conv.Arch.SP())
	if err != nil {
		return errors.WithStack(err)
	}
	// Locate base of frame.
	end := block.NewGetElementPtr(lib.stackType, lib.stack, constant.NewInt(types.I64, 0), constant.NewInt(types.I64, int64(lib.stackType.Len)))
	top := block.NewPtrToInt(end, lib.word)
	cur := value.Value(sp0)
	if conv.RedZone > 0 {
		cur = block.NewSub(sp0, lib.imm(int64(conv.RedZone)))
	}
	fresh := block.NewICmp(enum.IPredEQ, sp0, lib.imm(0))
	base := block.NewSelect(fresh, top, cur)
	// Reserve stack arguments and shadow space, aligned at the call site.
	nstack := conv.StackArgs(len(args))
	argBytes := w * int64(conv.ShadowSlots+nstack)
	callSite := value.Value(base)
	if argBytes > 0 {
		callSite = block.NewSub(base, lib.imm(argBytes))
	}
	if conv.StackAlign > 1 {
		callSite = block.NewAnd(callSite, lib.imm(-int64(conv.StackAlign)))
	}
	// Push return address.
	retBytes := lib.retBytes(conv)
	sp := callSite
	if retBytes > 0 {
		sp = block.NewSub(callSite, lib.imm(retBytes))
	}
	// Register arguments.
	nregs := len(args) - nstack
	for i, arg := range args[:nregs] {
		if err := lib.store(block, state, conv.ArgRegs[i], arg); err != nil {
			return errors.WithStack(err)
		}
	}
	// Stack arguments.
	for j, arg := range args[nregs:] {
		off := retBytes + w*int64(conv.ShadowSlots+j)
		lib.storeStack(block, sp, off, arg)
	}
	// Return address.
	if len(conv.LinkReg) > 0 {
		if err := lib.store(block, state, conv.LinkReg, retAddr); err != nil {
			return errors.WithStack(err)
		}
	} else {
		lib.storeStack(block, sp, 0, retAddr)
	}
	if err := lib.store(block, state, conv.Arch.SP(), sp); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// IRToNativeEpilogue emits IR reading the return value of a native to lifted
// call from the emulated processor state. The returned value is nil for
// functions which never return.
func (lib *Lib) IRToNativeEpilogue(block *ir.Block, conv *abi.Conv, noreturn bool) (value.Value, error) {
	if err := lib.checkConv(conv); err != nil {
		return nil, errors.WithStack(err)
	}
	if noreturn {
		return nil, nil
	}
	ret, err := lib.load(block, lib.state, conv.RetReg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ret, nil
}

// ### [ Lifted to native ] ####################################################

// IRToNativePrologue emits IR reading the nargs native arguments of a lifted to
// native call from the given emulated processor state. The lifted caller has
// already performed the call; the stack pointer addresses the return address
// (unless returned through a link register), followed by shadow space and
// stack arguments.
func (lib *Lib) IRToNativePrologue(block *ir.Block, conv *abi.Conv, state value.Value, nargs int) ([]value.Value, error) {
	if err := lib.checkConv(conv); err != nil {
		return nil, errors.WithStack(err)
	}
	w := int64(conv.Arch.WordSize())
	retBytes := lib.retBytes(conv)
	var sp value.Value
	args := make([]value.Value, nargs)
	for i := range args {
		if i < len(conv.ArgRegs) {
			arg, err := lib.load(block, state, conv.ArgRegs[i])
			if err != nil {
				return nil, errors.WithStack(err)
			}
			args[i] = arg
			continue
		}
		if sp == nil {
			v, err := lib.load(block, state, conv.Arch.SP())
			if err != nil {
				return nil, errors.WithStack(err)
			}
			sp = v
		}
		j := i - len(conv.ArgRegs)
		off := retBytes + w*int64(conv.ShadowSlots+j)
		args[i] = lib.loadStack(block, sp, off)
	}
	return args, nil
}

// NativeToIREpilogue emits IR storing the return value of a lifted to native
// call into the emulated processor state and simulating the native return; the
// return address is popped (or read from the link register) into the program
// counter, and stack arguments are popped under callee-pop conventions. The
// return value is nil for functions without return value.
func (lib *Lib) NativeToIREpilogue(block *ir.Block, conv *abi.Conv, state, ret value.Value, nargs int) error {
	if err := lib.checkConv(conv); err != nil {
		return errors.WithStack(err)
	}
	if ret != nil {
		if err := lib.store(block, state, conv.RetReg, ret); err != nil {
			return errors.WithStack(err)
		}
	}
	pc := conv.Arch.PC()
	if len(conv.LinkReg) > 0 {
		retAddr, err := lib.load(block, state, conv.LinkReg)
		if err != nil {
			return errors.WithStack(err)
		}
		return lib.store(block, state, pc, retAddr)
	}
	sp, err := lib.load(block, state, conv.Arch.SP())
	if err != nil {
		return errors.WithStack(err)
	}
	retAddr := lib.loadStack(block, sp, 0)
	pop := lib.retBytes(conv)
	if conv.CalleePops {
		pop += int64(conv.Arch.WordSize() * conv.StackArgs(nargs))
	}
	newSP := block.NewAdd(sp, lib.imm(pop))
	if err := lib.store(block, state, conv.Arch.SP(), newSP); err != nil {
		return errors.WithStack(err)
	}
	return lib.store(block, state, pc, retAddr)
}

// ### [ Helper functions ] ####################################################

// checkConv reports whether the calling convention matches the architecture of
// the emulated processor.
func (lib *Lib) checkConv(conv *abi.Conv) error {
	if conv.Arch != lib.Layout.Arch {
		return errors.Errorf("calling convention %v incompatible with %v state", conv, lib.Layout.Arch)
	}
	return nil
}

// retBytes returns the number of bytes occupied on the stack by the return
// address.
func (lib *Lib) retBytes(conv *abi.Conv) int64 {
	if len(conv.LinkReg) > 0 {
		return 0
	}
	return int64(conv.Arch.WordSize())
}

// imm returns a machine word integer constant.
func (lib *Lib) imm(x int64) *constant.Int {
	return constant.NewInt(lib.word, x)
}

// load emits IR loading the given register of the emulated processor state.
func (lib *Lib) load(block *ir.Block, state value.Value, reg abi.Reg) (value.Value, error) {
	ptr, err := lib.RegPtr(block, state, reg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return block.NewLoad(lib.word, ptr), nil
}

// store emits IR storing v into the given register of the emulated processor
// state.
func (lib *Lib) store(block *ir.Block, state value.Value, reg abi.Reg, v value.Value) error {
	ptr, err := lib.RegPtr(block, state, reg)
	if err != nil {
		return errors.WithStack(err)
	}
	block.NewStore(v, ptr)
	return nil
}

// stackPtr emits IR computing a pointer to the machine word at the given
// offset from the emulated stack pointer sp.
func (lib *Lib) stackPtr(block *ir.Block, sp value.Value, off int64) value.Value {
	addr := sp
	if off != 0 {
		addr = block.NewAdd(sp, lib.imm(off))
	}
	return block.NewIntToPtr(addr, types.NewPointer(lib.word))
}

// loadStack emits IR loading the machine word at the given offset from the
// emulated stack pointer sp.
func (lib *Lib) loadStack(block *ir.Block, sp value.Value, off int64) value.Value {
	return block.NewLoad(lib.word, lib.stackPtr(block, sp, off))
}

// storeStack emits IR storing v at the given offset from the emulated stack
// pointer sp.
func (lib *Lib) storeStack(block *ir.Block, sp value.Value, off int64, v value.Value) {
	block.NewStore(v, lib.stackPtr(block, sp, off))
}
