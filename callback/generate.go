package callback

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/catalog"
	"github.com/mewmew/bridge/state"
	"github.com/pkg/errors"
)

// pending is a trampoline under construction. Its functions are added to the
// module only once generation has succeeded.
type pending struct {
	// Native object.
	o *catalog.NativeObject
	// Transition kind.
	kind Kind
	// Kind-specific generation strategy.
	s *strategy
	// Native calling convention.
	conv *abi.Conv
	// Number of marshaled machine-word arguments.
	nargs int
	// Trampoline function name.
	name string
	// Lifted function of native to lifted transitions.
	lifted *ir.Func
	// Generated trampoline function.
	f *ir.Func
	// Callee of the trampoline.
	target value.Value
	// Native function declarations to add to the module.
	decls []*ir.Func
}

// generate generates the trampoline of the given transition kind for the
// native object. The caller must hold g.mu.
func (g *Generator) generate(o *catalog.NativeObject, kind Kind) (*Trampoline, error) {
	p := &pending{o: o, kind: kind, s: &strategies[kind]}
	if err := p.s.validate(g, p); err != nil {
		return nil, err
	}
	conv, err := g.cat.NativeConv(o)
	if err != nil {
		return nil, newError(o, kind, ErrGeneration, err)
	}
	nargs, err := conv.Arity(o.Args)
	if err != nil {
		return nil, newError(o, kind, ErrGeneration, err)
	}
	if err := conv.Check(nargs, o.Variadic); err != nil {
		return nil, newError(o, kind, ErrGeneration, err)
	}
	p.conv, p.nargs = conv, nargs
	p.name = p.s.name(o)
	if _, ok := g.findFunc(p.name); ok {
		return nil, newError(o, kind, ErrGeneration, errors.Errorf("function @%s already present in module", p.name))
	}
	if err := p.s.emit(g, p); err != nil {
		return nil, newError(o, kind, ErrGeneration, err)
	}
	g.commit(p)
	t := &Trampoline{
		Object: o,
		Kind:   kind,
		Func:   p.f,
		Target: p.target,
		Conv:   conv,
		Args:   nargs,
	}
	return t, nil
}

// commit adds the functions of the generated trampoline to the module.
func (g *Generator) commit(p *pending) {
	for _, decl := range p.decls {
		decl.Parent = g.m
		g.m.Funcs = append(g.m.Funcs, decl)
	}
	p.f.Parent = g.m
	g.m.Funcs = append(g.m.Funcs, p.f)
}

// ### [ Validation ] ##########################################################

// validateLifted validates the preconditions of native to lifted transitions;
// the native object is internal and has a lifted translation.
func (g *Generator) validateLifted(p *pending) error {
	o := p.o
	if class := g.cat.Classify(o); !class.IsInternal() {
		return newError(o, p.kind, ErrCatalogInconsistency, errors.Errorf("%v object cannot be entered through lifted code", class))
	}
	f, ok := g.reg.Lookup(o)
	if !ok {
		return newError(o, p.kind, ErrCatalogInconsistency, errors.Errorf("no lifted function registered for %v", o.ID()))
	}
	if !f.Sig.Equal(g.lib.LiftedSig()) {
		return newError(o, p.kind, ErrGeneration, errors.Errorf("invalid signature of lifted function %s; expected %v, got %v", f.Ident(), g.lib.LiftedSig(), f.Sig))
	}
	if o.Variadic {
		return newError(o, p.kind, ErrGeneration, errors.Errorf("unable to forward variable arguments to lifted function %s", f.Ident()))
	}
	p.lifted = f
	return nil
}

// validateNative validates the preconditions of lifted to native transitions;
// the native object is a valid native call target.
func (g *Generator) validateNative(p *pending) error {
	o := p.o
	if err := g.cat.ValidTarget(o); err != nil {
		return newError(o, p.kind, ErrUnreachableTarget, err)
	}
	if g.cat.Classify(o).IsInternal() {
		if f, ok := g.reg.Lookup(o); ok {
			warn.Printf("exit point of %v bypasses lifted function %s", o.ID(), f.Ident())
		}
	}
	return nil
}

// ### [ Native to lifted ] ####################################################

// emitNativeToLifted emits a trampoline with the native signature of the
// object, which marshals its native arguments into the emulated processor
// state, calls the lifted function and returns its result natively.
//
//	define <cc> iN @callback_sub_401000(iN %0, iN %1) noinline {
//	entry:
//		; save preserved registers
//		; marshal arguments, set up frame
//		store iN 0x401000, iN* %pc
//		call %struct.Memory* @sub_401000(%struct.State* @state, iN 0x401000, %struct.Memory* null)
//		; load return value, restore preserved registers
//		ret iN %ret
//	}
func (g *Generator) emitNativeToLifted(p *pending) error {
	o, conv := p.o, p.conv
	noreturn := o.IsNoReturn()
	params := conv.Params(p.nargs)
	f := ir.NewFunc(p.name, conv.RetType(noreturn), params...)
	f.CallingConv = conv.CallingConv
	f.Linkage = p.s.linkage
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoInline)
	if noreturn {
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoReturn)
	}
	entry := f.NewBlock("entry")
	st := g.lib.State()
	var snap *state.Snapshot
	if !noreturn {
		s, err := g.lib.Save(entry, st, p.s.preserve(g.lib, conv))
		if err != nil {
			return errors.WithStack(err)
		}
		snap = s
	}
	args := make([]value.Value, len(params))
	for i, param := range params {
		args[i] = param
	}
	word := g.lib.Word()
	// The address of the trampoline itself serves as return address of the
	// emulated call.
	retAddr := constant.NewPtrToInt(f, word)
	if err := g.lib.NativeToIRPrologue(entry, conv, args, retAddr); err != nil {
		return errors.WithStack(err)
	}
	pc := constant.NewInt(word, int64(o.Addr))
	if err := g.storeReg(entry, st, conv.Arch.PC(), pc); err != nil {
		return errors.WithStack(err)
	}
	entry.NewCall(p.lifted, st, pc, g.lib.NullMemory())
	p.f, p.target = f, p.lifted
	if noreturn {
		entry.NewUnreachable()
		return nil
	}
	ret, err := g.lib.IRToNativeEpilogue(entry, conv, false)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := g.lib.Restore(entry, st, snap); err != nil {
		return errors.WithStack(err)
	}
	entry.NewRet(ret)
	return nil
}

// ### [ Lifted to native ] ####################################################

// emitLiftedToNative emits a trampoline with the signature of lifted
// functions, which reads native arguments from the emulated processor state,
// calls the native function and writes its result back, simulating the native
// return.
//
//	define internal %struct.Memory* @exit_puts(%struct.State* %state, iN %pc, %struct.Memory* %memory) noinline {
//	entry:
//		; load arguments
//		%ret = call <cc> iN @puts(iN %arg)
//		; store return value, pop return address into pc
//		ret %struct.Memory* %memory
//	}
//
// Calls to weak externals are guarded by a null check; a missing symbol
// returns 0.
func (g *Generator) emitLiftedToNative(p *pending) error {
	o, conv := p.o, p.conv
	noreturn := o.IsNoReturn()
	params := g.lib.LiftedParams()
	f := ir.NewFunc(p.name, g.lib.LiftedSig().RetType, params...)
	f.Linkage = p.s.linkage
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoInline)
	st, mem := params[0], params[2]
	entry := f.NewBlock("entry")
	args, err := g.lib.IRToNativePrologue(entry, conv, st, p.nargs)
	if err != nil {
		return errors.WithStack(err)
	}
	callee, sig, err := g.nativeCallee(p)
	if err != nil {
		return errors.WithStack(err)
	}
	p.f, p.target = f, callee
	block := entry
	var exit *ir.Block
	if o.Weak && o.Class == catalog.External {
		call := f.NewBlock("call")
		missing := f.NewBlock("missing")
		cond := entry.NewICmp(enum.IPredEQ, callee, constant.NewNull(types.NewPointer(sig)))
		entry.NewCondBr(cond, missing, call)
		if noreturn {
			missing.NewUnreachable()
		} else {
			if err := g.storeReg(missing, st, conv.RetReg, constant.NewInt(g.lib.Word(), 0)); err != nil {
				return errors.WithStack(err)
			}
			exit = f.NewBlock("exit")
			missing.NewBr(exit)
		}
		block = call
	}
	result := block.NewCall(callee, args...)
	result.CallingConv = conv.CallingConv
	if noreturn {
		block.NewUnreachable()
		return nil
	}
	var ret value.Value = result
	if exit != nil {
		if err := g.storeReg(block, st, conv.RetReg, result); err != nil {
			return errors.WithStack(err)
		}
		block.NewBr(exit)
		block, ret = exit, nil
	}
	if err := g.lib.NativeToIREpilogue(block, conv, st, ret, p.nargs); err != nil {
		return errors.WithStack(err)
	}
	block.NewRet(mem)
	return nil
}

// nativeCallee returns the native function called by the lifted to native
// trampoline and its signature. Externals are called through a declaration of
// their symbol name, reusing an existing declaration of matching signature;
// unlifted internal objects are called through their entry address.
func (g *Generator) nativeCallee(p *pending) (value.Value, *types.FuncType, error) {
	o, conv := p.o, p.conv
	sig := conv.Sig(p.nargs, o.Variadic, o.IsNoReturn())
	if g.cat.Classify(o).IsInternal() {
		addr := constant.NewInt(g.lib.Word(), int64(o.Addr))
		return constant.NewIntToPtr(addr, types.NewPointer(sig)), sig, nil
	}
	if prev, ok := g.findFunc(o.Name); ok {
		if len(prev.Blocks) > 0 {
			return nil, nil, errors.Errorf("external %q defined in lifted module", o.Name)
		}
		if !prev.Sig.Equal(sig) {
			return nil, nil, errors.Errorf("signature mismatch of external %q; expected %v, got %v", o.Name, sig, prev.Sig)
		}
		return prev, prev.Sig, nil
	}
	decl := ir.NewFunc(o.Name, sig.RetType, conv.Params(p.nargs)...)
	decl.Sig.Variadic = o.Variadic
	decl.CallingConv = conv.CallingConv
	if o.Weak {
		decl.Linkage = enum.LinkageExternWeak
	}
	if o.IsNoReturn() {
		decl.FuncAttrs = append(decl.FuncAttrs, enum.FuncAttrNoReturn)
	}
	p.decls = append(p.decls, decl)
	return decl, decl.Sig, nil
}

// ### [ Helper functions ] ####################################################

// storeReg emits IR storing v into the given register of the emulated
// processor state.
func (g *Generator) storeReg(block *ir.Block, st value.Value, reg abi.Reg, v value.Value) error {
	ptr, err := g.lib.RegPtr(block, st, reg)
	if err != nil {
		return errors.WithStack(err)
	}
	block.NewStore(v, ptr)
	return nil
}

// findFunc returns the function of the given name in the module.
func (g *Generator) findFunc(name string) (*ir.Func, bool) {
	for _, f := range g.m.Funcs {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}
