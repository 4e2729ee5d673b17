// Package callback generates the trampolines bridging native machine code and
// lifted LLVM IR.
//
// A trampoline is a generated LLVM IR function translating between the native
// calling convention of a native object and the lifted calling convention, in
// which arguments, return values and the stack live in an emulated processor
// state. Trampolines are generated on demand and cached; at most one
// trampoline exists per native object and transition kind.
package callback

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/catalog"
	"github.com/mewmew/bridge/state"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "callback:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("callback:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Catalog is the native object catalog queried during trampoline generation.
type Catalog interface {
	// Classify returns the classification of the native object.
	Classify(o *catalog.NativeObject) catalog.Class
	// NativeConv returns the native calling convention of the object.
	NativeConv(o *catalog.NativeObject) (*abi.Conv, error)
	// ValidTarget reports whether the native object is reachable as a native
	// call target.
	ValidTarget(o *catalog.NativeObject) error
}

// Registry maps native objects to their lifted translations.
type Registry interface {
	// Lookup returns the lifted translation of the native object.
	Lookup(o *catalog.NativeObject) (*ir.Func, bool)
}

// Marshaler emits LLVM IR moving values between native calling conventions and
// the emulated processor state.
type Marshaler interface {
	// Word returns the machine word type of the emulated processor.
	Word() *types.IntType
	// RegistersExcept returns the registers of the emulated processor state
	// other than the given ones.
	RegistersExcept(skip ...abi.Reg) []abi.Reg
	// LiftedSig returns the function signature of lifted functions.
	LiftedSig() *types.FuncType
	// LiftedParams returns new parameters of a function with the signature of
	// lifted functions.
	LiftedParams() []*ir.Param
	// State returns the thread-local emulated processor state.
	State() value.Value
	// NullMemory returns the memory token passed to lifted functions entered
	// from native code.
	NullMemory() value.Value
	// RegPtr returns a pointer to the given register of the emulated processor
	// state.
	RegPtr(block *ir.Block, st value.Value, reg abi.Reg) (value.Value, error)
	// Save emits IR loading the contents of the given registers.
	Save(block *ir.Block, st value.Value, regs []abi.Reg) (*state.Snapshot, error)
	// Restore emits IR storing saved register contents back into the state.
	Restore(block *ir.Block, st value.Value, snap *state.Snapshot) error
	// NativeToIRPrologue emits IR moving native arguments into the state.
	NativeToIRPrologue(block *ir.Block, conv *abi.Conv, args []value.Value, retAddr value.Value) error
	// IRToNativeEpilogue emits IR reading the return value from the state.
	IRToNativeEpilogue(block *ir.Block, conv *abi.Conv, noreturn bool) (value.Value, error)
	// IRToNativePrologue emits IR reading native arguments from the state.
	IRToNativePrologue(block *ir.Block, conv *abi.Conv, st value.Value, nargs int) ([]value.Value, error)
	// NativeToIREpilogue emits IR storing the return value into the state and
	// simulating the native return.
	NativeToIREpilogue(block *ir.Block, conv *abi.Conv, st, ret value.Value, nargs int) error
}

// Trampoline is a generated LLVM IR function bridging a native object and
// lifted code.
type Trampoline struct {
	// Native object bridged by the trampoline.
	Object *catalog.NativeObject
	// Transition kind.
	Kind Kind
	// Generated trampoline function.
	Func *ir.Func
	// Callee of the trampoline; the lifted function of native to lifted
	// transitions, and the native function (declaration or address) of lifted
	// to native transitions.
	Target value.Value
	// Native calling convention.
	Conv *abi.Conv
	// Number of marshaled machine-word arguments.
	Args int
}

// String returns the string representation of the trampoline.
func (t *Trampoline) String() string {
	return fmt.Sprintf("%v %v callback %s", t.Object.ID(), t.Kind, t.Func.Ident())
}

// key is the cache key of a trampoline.
type key struct {
	// Native object identity.
	id catalog.ID
	// Transition kind.
	kind Kind
}

// Generator generates trampolines into a lifted module. It is safe for
// concurrent use; generation is serialized by a single lock.
type Generator struct {
	// Lifted module receiving generated functions.
	m *ir.Module
	// Native object catalog.
	cat Catalog
	// Lifted function registry.
	reg Registry
	// State marshaling library.
	lib Marshaler

	// Guards the cache and the module.
	mu sync.Mutex
	// Maps from native object and transition kind to trampoline.
	cache map[key]*Trampoline
	// Generator has been closed.
	closed bool
}

// NewGenerator returns a new trampoline generator emitting into m.
func NewGenerator(m *ir.Module, cat Catalog, reg Registry, lib Marshaler) *Generator {
	return &Generator{
		m:     m,
		cat:   cat,
		reg:   reg,
		lib:   lib,
		cache: make(map[key]*Trampoline),
	}
}

// InternalCallback returns the trampoline through which native code within the
// program calls the lifted translation of the native object; e.g. a function
// pointer stored to memory and called by unlifted code.
func (g *Generator) InternalCallback(o *catalog.NativeObject) (*Trampoline, error) {
	return g.Get(o, InternalCall)
}

// EntryPointCallback returns the trampoline through which native code outside
// of the program (e.g. the loader or a library) calls the lifted translation
// of the native object as if it were the original native function.
func (g *Generator) EntryPointCallback(o *catalog.NativeObject) (*Trampoline, error) {
	return g.Get(o, EntryPoint)
}

// ExitPointCallback returns the trampoline through which lifted code calls the
// native object; an imported function or unlifted native code.
func (g *Generator) ExitPointCallback(o *catalog.NativeObject) (*Trampoline, error) {
	return g.Get(o, ExitPoint)
}

// Get returns the trampoline of the given transition kind for the native
// object, generating it on first use. Concurrent requests for the same object
// and kind receive the same trampoline. A failed generation leaves neither the
// cache nor the module modified.
func (g *Generator) Get(o *catalog.NativeObject, kind Kind) (*Trampoline, error) {
	if o == nil {
		return nil, errors.Errorf("unable to generate %v callback of nil native object", kind)
	}
	if int(kind) >= len(strategies) {
		return nil, errors.Errorf("invalid transition kind %v", kind)
	}
	k := key{id: o.ID(), kind: kind}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.Errorf("unable to generate %v callback for %v; generator closed", kind, o.ID())
	}
	if t, ok := g.cache[k]; ok {
		return t, nil
	}
	t, err := g.generate(o, kind)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	g.cache[k] = t
	dbg.Printf("generated %v", t)
	return t, nil
}

// Cached returns the trampoline of the given transition kind for the native
// object, if already generated.
func (g *Generator) Cached(o *catalog.NativeObject, kind Kind) (*Trampoline, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.cache[key{id: o.ID(), kind: kind}]
	return t, ok
}

// Len returns the number of generated trampolines.
func (g *Generator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

// Trampolines returns the generated trampolines, sorted by native object
// identity and transition kind.
func (g *Generator) Trampolines() []*Trampoline {
	g.mu.Lock()
	ts := make([]*Trampoline, 0, len(g.cache))
	for _, t := range g.cache {
		ts = append(ts, t)
	}
	g.mu.Unlock()
	less := func(i, j int) bool {
		a, b := ts[i].Object.ID(), ts[j].Object.ID()
		if a != b {
			return a.Less(b)
		}
		return ts[i].Kind < ts[j].Kind
	}
	sort.Slice(ts, less)
	return ts
}

// Close clears the trampoline cache. Generated functions remain in the module;
// subsequent requests fail.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("generator already closed")
	}
	g.closed = true
	g.cache = nil
	return nil
}
