package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/bridge/callback"
	"github.com/mewmew/bridge/catalog"
	"github.com/mewmew/bridge/lifted"
	"github.com/mewmew/bridge/state"
	"github.com/pkg/errors"
)

// session is a trampoline generation session of a lifted module.
type session struct {
	// Session configuration.
	cfg *Config
	// Native object catalog.
	cat *catalog.Catalog
	// Lifted module.
	m *ir.Module
	// State marshaling library.
	lib *state.Lib
	// Lifted function registry.
	reg *lifted.Registry
	// Trampoline generator.
	gen *callback.Generator
}

// newSession returns a new session based on the given catalog, binary
// executable (optional) and lifted module (optional) paths.
func newSession(cfg *Config, catalogPath, binPath, llPath string) (*session, error) {
	// Parse native object catalog.
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.apply(cat); err != nil {
		return nil, errors.WithStack(err)
	}
	// Parse binary executable.
	if len(binPath) > 0 {
		if err := cat.AddImage(binPath); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	cat.Freeze()
	dbg.Printf("cataloged %d native objects", cat.Len())
	// Parse lifted module.
	m := ir.NewModule()
	if len(llPath) > 0 {
		dbg.Printf("parsing %q", llPath)
		if m, err = asm.ParseFile(llPath); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	lib, err := state.New(m, cat.Arch, cfg.State)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reg, err := lifted.Scan(m, cat, lib.LiftedSig())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &session{
		cfg: cfg,
		cat: cat,
		m:   m,
		lib: lib,
		reg: reg,
		gen: callback.NewGenerator(m, cat, reg, lib),
	}
	return s, nil
}

// close writes the LLVM IR assembly of the lifted module to the given output
// path, or standard output if empty, and ends the session.
func (s *session) close(output string) error {
	if len(output) == 0 {
		if _, err := fmt.Fprintln(os.Stdout, s.m); err != nil {
			return errors.WithStack(err)
		}
	} else {
		dbg.Printf("writing %q", output)
		if err := ioutil.WriteFile(output, []byte(s.m.String()), 0644); err != nil {
			return errors.WithStack(err)
		}
	}
	return s.gen.Close()
}
