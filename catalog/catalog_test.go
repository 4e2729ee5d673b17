package catalog

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/disasm"
)

func TestLoad(t *testing.T) {
	c, err := Load("testdata/catalog.json")
	if err != nil {
		t.Fatalf("unable to load catalog; %+v", err)
	}
	if c.Arch != abi.ArchX86 || c.OS != "windows" || c.Conv != "stdcall" {
		t.Errorf("catalog header mismatch; got %v/%s/%s", c.Arch, c.OS, c.Conv)
	}
	var got []string
	for _, o := range c.Objects() {
		got = append(got, o.String())
	}
	want := []string{
		`0x00401000 internal "WinMain"`,
		`0x00401080 internal`,
		`0x004010A0 internal-noreturn "die"`,
		`ExitProcess external "ExitProcess"`,
		`MessageBoxA external "MessageBoxA"`,
		`printf external "printf"`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("objects mismatch (-want +got):\n%s", diff)
	}
	die, ok := c.LookupName("die")
	if !ok {
		t.Fatalf("unable to locate %q", "die")
	}
	if !die.IsNoReturn() || c.Classify(die) != InternalNoReturn {
		t.Errorf("expected noreturn classification of %v", die)
	}
	exit, ok := c.LookupName("ExitProcess")
	if !ok {
		t.Fatalf("unable to locate %q", "ExitProcess")
	}
	if !exit.IsNoReturn() || c.Classify(exit) != External {
		t.Errorf("expected noreturn external %v", exit)
	}
	if _, ok := c.Lookup(0x401080); !ok {
		t.Errorf("unable to locate internal object at 0x401080")
	}
}

func TestLoadMissingArgs(t *testing.T) {
	c, err := Load("testdata/noargs.json")
	if err != nil {
		t.Fatalf("unable to load catalog; %+v", err)
	}
	golden := []struct {
		id   ID
		want int
	}{
		{id: ID{Addr: 0x1000}, want: abi.UnknownArity},
		{id: ID{Addr: 0x2000}, want: 0},
		{id: ID{Name: "puts"}, want: abi.UnknownArity},
	}
	for _, g := range golden {
		o, ok := c.objs[g.id]
		if !ok {
			t.Errorf("unable to locate native object %v", g.id)
			continue
		}
		if o.Args != g.want {
			t.Errorf("%v: argument count mismatch; expected %d, got %d", g.id, g.want, o.Args)
		}
	}
}

func TestLoadInvalid(t *testing.T) {
	golden := []string{
		"testdata/dup.json",
		"testdata/noarch.json",
		"testdata/missing.json",
	}
	for _, jsonPath := range golden {
		if _, err := Load(jsonPath); err == nil {
			t.Errorf("%q: expected error, got nil", jsonPath)
		}
	}
}

func TestNativeConv(t *testing.T) {
	c, err := Load("testdata/catalog.json")
	if err != nil {
		t.Fatalf("unable to load catalog; %+v", err)
	}
	golden := []struct {
		addr bin.Addr
		name string
		want *abi.Conv
	}{
		{addr: 0x401000, want: abi.X86Stdcall},
		{addr: 0x401080, want: abi.X86Cdecl},
		{name: "printf", want: abi.X86Cdecl},
		{name: "MessageBoxA", want: abi.X86Stdcall},
	}
	for _, g := range golden {
		var (
			o  *NativeObject
			ok bool
		)
		if len(g.name) > 0 {
			o, ok = c.LookupName(g.name)
		} else {
			o, ok = c.Lookup(g.addr)
		}
		if !ok {
			t.Errorf("unable to locate native object %q at %v", g.name, g.addr)
			continue
		}
		got, err := c.NativeConv(o)
		if err != nil {
			t.Errorf("%v: unexpected error; %v", o, err)
			continue
		}
		if got != g.want {
			t.Errorf("%v: calling convention mismatch; expected %v, got %v", o, g.want, got)
		}
	}
	// Catalog without default calling convention.
	c = New(abi.ArchX86_64, "windows")
	o := &NativeObject{Addr: 0x1000, Class: Internal}
	if err := c.Add(o); err != nil {
		t.Fatalf("%+v", err)
	}
	got, err := c.NativeConv(o)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if got != abi.X86_64Win64 {
		t.Errorf("calling convention mismatch; expected %v, got %v", abi.X86_64Win64, got)
	}
	// Generic C calling convention of the operating system.
	for _, sys := range []string{"windows", "linux"} {
		c = New(abi.ArchX86_64, sys)
		c.Conv = "c"
		o := &NativeObject{Name: "puts", Class: External, Args: 1}
		if err := c.Add(o); err != nil {
			t.Fatalf("%+v", err)
		}
		got, err := c.NativeConv(o)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		want, _ := abi.Default(abi.ArchX86_64, sys)
		if got != want {
			t.Errorf("%s: calling convention mismatch; expected %v, got %v", sys, want, got)
		}
	}
}

func TestAdd(t *testing.T) {
	c := New(abi.ArchX86_64, "linux")
	golden := []struct {
		o   *NativeObject
		err bool
	}{
		{o: &NativeObject{Addr: 0x1000, Name: "f", Class: Internal}},
		{o: &NativeObject{Addr: 0x1000, Class: Internal}, err: true},
		{o: &NativeObject{Addr: 0x2000, Name: "f", Class: Internal}, err: true},
		{o: &NativeObject{Class: Internal}, err: true},
		{o: &NativeObject{Class: External}, err: true},
		{o: &NativeObject{Name: "g", Class: External, Args: -2}, err: true},
		{o: &NativeObject{Name: "g", Class: External, Args: abi.UnknownArity}},
	}
	for i, g := range golden {
		err := c.Add(g.o)
		if g.err && err == nil {
			t.Errorf("%d: expected error adding %v, got nil", i, g.o)
		}
		if !g.err && err != nil {
			t.Errorf("%d: unexpected error adding %v; %v", i, g.o, err)
		}
	}
	if got := c.Len(); got != 2 {
		t.Errorf("expected 2 native objects, got %d", got)
	}
	c.Freeze()
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic adding to frozen catalog")
		}
	}()
	c.Add(&NativeObject{Addr: 0x3000, Class: Internal})
}

func TestValidTarget(t *testing.T) {
	c := New(abi.ArchX86_64, "linux")
	f := &NativeObject{Addr: 0x401000, Class: Internal}
	g := &NativeObject{Addr: 0x402000, Class: Internal}
	ext := &NativeObject{Name: "puts", Class: External}
	for _, o := range []*NativeObject{f, g, ext} {
		if err := c.Add(o); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	// Without executable code, cataloged objects are valid targets.
	if err := c.ValidTarget(g); err != nil {
		t.Errorf("unexpected invalid target %v; %v", g, err)
	}
	img := disasm.NewImage(abi.ArchX86_64)
	img.AddSection(&disasm.Section{Name: ".text", Addr: 0x401000, Data: []byte{0xC3}})
	c.img = img
	golden := []struct {
		o   *NativeObject
		err bool
	}{
		{o: f},
		{o: ext},
		// Outside of executable sections.
		{o: g, err: true},
		// Not the cataloged object.
		{o: &NativeObject{Addr: 0x401000, Class: Internal}, err: true},
		{o: &NativeObject{Name: "exit", Class: External}, err: true},
	}
	for _, gold := range golden {
		err := c.ValidTarget(gold.o)
		if gold.err && err == nil {
			t.Errorf("%v: expected error, got nil", gold.o)
		}
		if !gold.err && err != nil {
			t.Errorf("%v: unexpected error; %v", gold.o, err)
		}
	}
}

func TestAddImageUnknownFormat(t *testing.T) {
	binPath := filepath.Join(t.TempDir(), "a.out")
	if err := ioutil.WriteFile(binPath, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	c := New(abi.ArchX86_64, "linux")
	if err := c.AddImage(binPath); err == nil {
		t.Errorf("expected error for unknown file format, got nil")
	}
	if c.Image() != nil {
		t.Errorf("unexpected image after failure")
	}
}

func TestOverlaps(t *testing.T) {
	c := New(abi.ArchX86, "windows")
	objs := []*NativeObject{
		{Addr: 0x1000, Class: Internal, Size: 0x20},
		{Addr: 0x1010, Class: Internal, Size: 0x10},
		{Addr: 0x1020, Class: Internal},
		{Addr: 0x1030, Class: Internal, Size: 0x10},
		{Addr: 0x1040, Class: InternalNoReturn},
		{Addr: 0x1008, Name: "puts", Class: External},
	}
	for _, o := range objs {
		if err := c.Add(o); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	var got []string
	for _, pair := range c.Overlaps() {
		got = append(got, fmt.Sprintf("%v/%v", pair[0].Addr, pair[1].Addr))
	}
	want := []string{"0x00001000/0x00001010"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("overlaps mismatch (-want +got):\n%s", diff)
	}
	buf := &bytes.Buffer{}
	warn.SetOutput(buf)
	defer warn.SetOutput(os.Stderr)
	c.Freeze()
	if !strings.Contains(buf.String(), "overlaps entry of 0x00001010") {
		t.Errorf("expected overlap warning, got %q", buf)
	}
}

func TestContains(t *testing.T) {
	o := &NativeObject{Addr: 0x1000, Class: Internal, Size: 0x10}
	golden := []struct {
		addr bin.Addr
		want bool
	}{
		{addr: 0x0FFF, want: false},
		{addr: 0x1000, want: true},
		{addr: 0x100F, want: true},
		{addr: 0x1010, want: false},
	}
	for _, g := range golden {
		if got := o.Contains(g.addr); got != g.want {
			t.Errorf("%v: expected %v, got %v", g.addr, g.want, got)
		}
	}
	o.Size = 0
	if o.Contains(0x1001) {
		t.Errorf("object of unknown size contains address past its entry")
	}
}
