// Package lifted indexes the LLVM IR functions translated from native
// functions.
package lifted

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/catalog"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "lifted:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("lifted:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Name prefix of lifted functions.
const funcPrefix = "sub_"

// FuncName returns the name of the lifted function of the native function at
// the given address.
func FuncName(addr bin.Addr) string {
	return fmt.Sprintf("%s%x", funcPrefix, uint64(addr))
}

// Registry maps native objects to the LLVM IR functions translated from them.
type Registry struct {
	// Maps from native object identity to lifted function.
	funcs map[catalog.ID]*ir.Func
}

// New returns a new empty registry.
func New() *Registry {
	return &Registry{
		funcs: make(map[catalog.ID]*ir.Func),
	}
}

// Register records f as the lifted translation of the native object.
func (r *Registry) Register(o *catalog.NativeObject, f *ir.Func) error {
	if !o.Class.IsInternal() {
		return errors.Errorf("unable to register lifted function %q of %v; only internal objects may be lifted", f.Name(), o)
	}
	if prev, ok := r.funcs[o.ID()]; ok && prev != f {
		return errors.Errorf("lifted function of %v already registered (%q)", o.ID(), prev.Name())
	}
	r.funcs[o.ID()] = f
	return nil
}

// Lookup returns the lifted translation of the native object.
func (r *Registry) Lookup(o *catalog.NativeObject) (*ir.Func, bool) {
	f, ok := r.funcs[o.ID()]
	return f, ok
}

// Len returns the number of lifted functions in the registry.
func (r *Registry) Len() int {
	return len(r.funcs)
}

// Scan indexes the lifted function definitions of m, as named by FuncName,
// against the native objects of the catalog. Lifted functions must have the
// given function signature.
func Scan(m *ir.Module, cat *catalog.Catalog, sig *types.FuncType) (*Registry, error) {
	r := New()
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			// Skip function declarations.
			continue
		}
		addr, ok := parseFuncName(f.Name())
		if !ok {
			continue
		}
		o, ok := cat.Lookup(addr)
		if !ok {
			warn.Printf("unable to locate native object of lifted function %q at %v", f.Name(), addr)
			continue
		}
		if !f.Sig.Equal(sig) {
			return nil, errors.Errorf("invalid signature of lifted function %q; expected %v, got %v", f.Name(), sig, f.Sig)
		}
		if err := r.Register(o, f); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	dbg.Printf("indexed %d lifted functions", r.Len())
	return r, nil
}

// ### [ Helper functions ] ####################################################

// parseFuncName returns the native address encoded in the given lifted
// function name.
func parseFuncName(name string) (bin.Addr, bool) {
	if !strings.HasPrefix(name, funcPrefix) {
		return 0, false
	}
	x, err := strconv.ParseUint(name[len(funcPrefix):], 16, 64)
	if err != nil {
		return 0, false
	}
	return bin.Addr(x), true
}
