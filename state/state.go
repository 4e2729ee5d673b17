package state

import (
	"log"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bridge/abi"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "state:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("state:")+" ", 0)
)

// Type names of the emulated processor state and the memory token.
const (
	StateTypeName  = "struct.State"
	MemoryTypeName = "struct.Memory"
)

// Config specifies the emulated state globals of a lifted module.
type Config struct {
	// Name of the thread-local emulated processor state.
	State string `yaml:"state"`
	// Name of the thread-local emulated stack.
	Stack string `yaml:"stack"`
	// Size in bytes of the emulated stack.
	StackSize uint64 `yaml:"stack_size"`
}

// DefaultConfig is the default emulated state configuration.
var DefaultConfig = Config{
	State:     "__bridge_state",
	Stack:     "__bridge_stack",
	StackSize: 1 << 20,
}

// Lib is the state marshaling library of a lifted module. It emits LLVM IR
// reading and writing the emulated processor state.
type Lib struct {
	// Register file layout.
	Layout *Layout

	// Lifted module.
	m *ir.Module
	// Machine word type.
	word *types.IntType
	// Emulated processor state type.
	stateType *types.StructType
	// Pointer to emulated processor state.
	statePtr *types.PointerType
	// Pointer to memory token.
	memPtr *types.PointerType
	// Function signature of lifted functions.
	liftedSig *types.FuncType
	// Thread-local emulated processor state.
	state *ir.Global
	// Thread-local emulated stack.
	stack *ir.Global
	// Emulated stack type.
	stackType *types.ArrayType
}

// New returns the state marshaling library of the given lifted module,
// declaring the emulated state types and globals unless already present.
func New(m *ir.Module, arch abi.Arch, cfg Config) (*Lib, error) {
	layout, err := NewLayout(arch)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if cfg.StackSize == 0 {
		return nil, errors.Errorf("invalid emulated stack size 0")
	}
	lib := &Lib{
		Layout: layout,
		m:      m,
		word:   arch.Word(),
	}
	if err := lib.initTypes(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := lib.initGlobals(cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	return lib, nil
}

// initTypes declares the emulated processor state and memory token types.
func (lib *Lib) initTypes() error {
	fields := make([]types.Type, len(lib.Layout.Regs))
	for i := range fields {
		fields[i] = lib.word
	}
	stateType := types.NewStruct(fields...)
	if prev, ok := findTypeDef(lib.m, StateTypeName); ok {
		t, ok := prev.(*types.StructType)
		if !ok || !sameFields(t, stateType) {
			return errors.Errorf("mismatch between %v state layout and existing type %%%s", lib.Layout.Arch, StateTypeName)
		}
		stateType = t
	} else {
		stateType.SetName(StateTypeName)
		lib.m.TypeDefs = append(lib.m.TypeDefs, stateType)
	}
	lib.stateType = stateType
	var memType types.Type
	if prev, ok := findTypeDef(lib.m, MemoryTypeName); ok {
		memType = prev
	} else {
		memType = &types.StructType{Opaque: true}
		memType.SetName(MemoryTypeName)
		lib.m.TypeDefs = append(lib.m.TypeDefs, memType)
	}
	lib.statePtr = types.NewPointer(lib.stateType)
	lib.memPtr = types.NewPointer(memType)
	lib.liftedSig = types.NewFunc(lib.memPtr, lib.statePtr, lib.word, lib.memPtr)
	return nil
}

// initGlobals declares the thread-local emulated processor state and stack.
func (lib *Lib) initGlobals(cfg Config) error {
	lib.stackType = types.NewArray(cfg.StackSize, types.I8)
	state, err := lib.global(cfg.State, lib.stateType)
	if err != nil {
		return errors.WithStack(err)
	}
	stack, err := lib.global(cfg.Stack, lib.stackType)
	if err != nil {
		return errors.WithStack(err)
	}
	lib.state, lib.stack = state, stack
	return nil
}

// global returns the thread-local global variable of the given name and
// content type, defining it unless already present.
func (lib *Lib) global(name string, contentType types.Type) (*ir.Global, error) {
	for _, g := range lib.m.Globals {
		if g.Name() != name {
			continue
		}
		if !g.ContentType.Equal(contentType) {
			return nil, errors.Errorf("type mismatch of global @%s; expected %v, got %v", name, contentType, g.ContentType)
		}
		return g, nil
	}
	dbg.Printf("defining thread-local @%s", name)
	g := lib.m.NewGlobalDef(name, constant.NewZeroInitializer(contentType))
	g.TLSModel = enum.TLSModelGeneric
	return g, nil
}

// Word returns the machine word type of the emulated processor.
func (lib *Lib) Word() *types.IntType {
	return lib.word
}

// RegistersExcept returns the registers of the emulated processor state other
// than the given ones, in layout order.
func (lib *Lib) RegistersExcept(skip ...abi.Reg) []abi.Reg {
	return lib.Layout.Except(skip...)
}

// LiftedSig returns the function signature of lifted functions; the
// calling convention of the intermediate representation.
//
//	%struct.Memory* (%struct.State* %state, iN %pc, %struct.Memory* %memory)
func (lib *Lib) LiftedSig() *types.FuncType {
	return lib.liftedSig
}

// LiftedParams returns new parameters of a function with the signature of
// lifted functions.
func (lib *Lib) LiftedParams() []*ir.Param {
	return []*ir.Param{
		ir.NewParam("state", lib.statePtr),
		ir.NewParam("pc", lib.word),
		ir.NewParam("memory", lib.memPtr),
	}
}

// State returns the thread-local emulated processor state.
func (lib *Lib) State() value.Value {
	return lib.state
}

// NullMemory returns the memory token passed to lifted functions entered from
// native code.
func (lib *Lib) NullMemory() value.Value {
	return constant.NewNull(lib.memPtr)
}

// RegPtr returns a pointer to the given register of the emulated processor
// state.
func (lib *Lib) RegPtr(block *ir.Block, state value.Value, reg abi.Reg) (value.Value, error) {
	i, err := lib.Layout.Index(reg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zero := constant.NewInt(types.I32, 0)
	index := constant.NewInt(types.I32, int64(i))
	return block.NewGetElementPtr(lib.stateType, state, zero, index), nil
}

// ### [ Helper functions ] ####################################################

// findTypeDef returns the type definition of the given name in m.
func findTypeDef(m *ir.Module, name string) (types.Type, bool) {
	for _, t := range m.TypeDefs {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// sameFields reports whether the structure types t and u have identical
// fields.
func sameFields(t, u *types.StructType) bool {
	if len(t.Fields) != len(u.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equal(u.Fields[i]) {
			return false
		}
	}
	return true
}
