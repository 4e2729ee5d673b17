package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/kr/pretty"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/bridge/callback"
	"github.com/mewmew/bridge/catalog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// request is a trampoline request.
type request struct {
	// Native object.
	o *catalog.NativeObject
	// Transition kind.
	kind callback.Kind
}

// requests returns the trampoline requests of the session, as specified by
// the catalog and the generation policy. Exit points are requested for
// externals and internal functions without lifted translation, entry points
// for exported functions and internal callbacks for functions whose address
// is taken.
func (s *session) requests() ([]request, error) {
	policy := s.cfg.Policy
	skip := make(map[string]bool)
	for _, name := range policy.Skip {
		skip[name] = true
	}
	var reqs []request
	for _, o := range s.cat.Objects() {
		_, isLifted := s.reg.Lookup(o)
		switch {
		case o.Class == catalog.External:
			if !skip[o.Name] {
				reqs = append(reqs, request{o: o, kind: callback.ExitPoint})
			}
		case !isLifted:
			if policy.UnliftedExits {
				reqs = append(reqs, request{o: o, kind: callback.ExitPoint})
			}
		default:
			if o.Exported {
				reqs = append(reqs, request{o: o, kind: callback.EntryPoint})
			}
			if o.AddrTaken {
				reqs = append(reqs, request{o: o, kind: callback.InternalCall})
			}
		}
	}
	entries, err := resolve(s.cat, policy.Entries)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, o := range entries {
		reqs = append(reqs, request{o: o, kind: callback.EntryPoint})
	}
	internal, err := resolve(s.cat, policy.Internal)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, o := range internal {
		reqs = append(reqs, request{o: o, kind: callback.InternalCall})
	}
	return reqs, nil
}

// generate generates the requested trampolines of the session concurrently.
// Generated functions are appended to the lifted module in name order.
func (s *session) generate() error {
	reqs, err := s.requests()
	if err != nil {
		return errors.WithStack(err)
	}
	nfuncs := len(s.m.Funcs)
	var g errgroup.Group
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			return s.get(req)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithStack(err)
	}
	sortFuncs(s.m, nfuncs)
	dbg.Printf("generated %d trampolines", s.gen.Len())
	return nil
}

// get generates the trampoline of the given request. Failures other than
// catalog inconsistencies are reported as warnings unless the policy is
// strict.
func (s *session) get(req request) error {
	_, err := s.gen.Get(req.o, req.kind)
	if err == nil {
		return nil
	}
	if s.cfg.Policy.Strict || errors.Is(err, callback.ErrCatalogInconsistency) {
		return errors.WithStack(err)
	}
	warn.Printf("skipping %v callback of %v; %v", req.kind, req.o.ID(), err)
	return nil
}

// dump prints the generated trampolines to w, followed by the entry
// instruction of internal objects if the executable code is known.
func (s *session) dump(w io.Writer) {
	img := s.cat.Image()
	for _, t := range s.gen.Trampolines() {
		pretty.Fprintf(w, "trampoline %s (%v, %v):\n%# v\n", t.Func.Ident(), t.Kind, t.Conv, t.Object)
		if img == nil || !t.Object.Class.IsInternal() {
			continue
		}
		inst, err := img.Decode(t.Object.Addr)
		if err != nil {
			warn.Printf("unable to decode entry of %v; %v", t.Object.ID(), err)
			continue
		}
		fmt.Fprintf(w, "\t%v\t%s\n", inst.Addr, inst.Text)
	}
}

// sortFuncs sorts the functions of m following the first n functions by name.
func sortFuncs(m *ir.Module, n int) {
	funcs := append([]*ir.Func(nil), m.Funcs[n:]...)
	less := func(i, j int) bool {
		return funcs[i].Name() < funcs[j].Name()
	}
	sort.Slice(funcs, less)
	m.Funcs = append(m.Funcs[:n], funcs...)
}
