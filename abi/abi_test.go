package abi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

func TestParseArch(t *testing.T) {
	golden := []struct {
		in   string
		want Arch
		err  bool
	}{
		{in: "x86", want: ArchX86},
		{in: "i386", want: ArchX86},
		{in: "x86_64", want: ArchX86_64},
		{in: "AMD64", want: ArchX86_64},
		{in: "arm64", want: ArchAArch64},
		{in: "mips", err: true},
	}
	for _, g := range golden {
		got, err := ParseArch(g.in)
		if g.err {
			if err == nil {
				t.Errorf("%q: expected error, got nil", g.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error; %v", g.in, err)
			continue
		}
		if got != g.want {
			t.Errorf("%q: architecture mismatch; expected %v, got %v", g.in, g.want, got)
		}
	}
}

func TestRegisters(t *testing.T) {
	want := []Reg{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}
	if diff := cmp.Diff(want, ArchX86.Registers()); diff != "" {
		t.Errorf("x86 registers mismatch (-want +got):\n%s", diff)
	}
	if got := len(ArchX86_64.Registers()); got != 16 {
		t.Errorf("expected 16 x86_64 registers, got %d", got)
	}
	regs := ArchAArch64.Registers()
	if got := len(regs); got != 32 {
		t.Errorf("expected 32 aarch64 registers, got %d", got)
	}
	if regs[len(regs)-1] != ArchAArch64.SP() {
		t.Errorf("expected stack pointer as last aarch64 register, got %v", regs[len(regs)-1])
	}
	if got := ArchX86_64.SP(); got != "RSP" {
		t.Errorf("stack pointer mismatch; expected RSP, got %v", got)
	}
	if got := ArchX86.PC(); got != "EIP" {
		t.Errorf("program counter mismatch; expected EIP, got %v", got)
	}
}

func TestLookup(t *testing.T) {
	golden := []struct {
		arch Arch
		os   string
		name string
		want *Conv
		err  bool
	}{
		{arch: ArchX86, name: "stdcall", want: X86Stdcall},
		{arch: ArchX86, name: "FASTCALL", want: X86Fastcall},
		{arch: ArchX86, os: "windows", name: "c", want: X86Cdecl},
		{arch: ArchX86_64, os: "linux", name: "c", want: X86_64SysV},
		{arch: ArchX86_64, os: "windows", name: "ccc", want: X86_64Win64},
		{arch: ArchAArch64, os: "windows", name: "c", want: AArch64AAPCS},
		{arch: ArchX86_64, name: "ms_abi", want: X86_64Win64},
		{arch: ArchX86_64, name: "sysv_abi", want: X86_64SysV},
		{arch: ArchAArch64, name: "aapcs", want: AArch64AAPCS},
		{arch: ArchX86_64, name: "stdcall", err: true},
		{arch: ArchX86, name: "pascal", err: true},
	}
	for _, g := range golden {
		got, err := Lookup(g.arch, g.os, g.name)
		if g.err {
			if err == nil {
				t.Errorf("%v/%s: expected error, got nil", g.arch, g.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v/%s: unexpected error; %v", g.arch, g.name, err)
			continue
		}
		if got != g.want {
			t.Errorf("%v/%s: calling convention mismatch; expected %v, got %v", g.arch, g.name, g.want, got)
		}
	}
}

func TestDefault(t *testing.T) {
	golden := []struct {
		arch Arch
		os   string
		want *Conv
	}{
		{arch: ArchX86, os: "windows", want: X86Cdecl},
		{arch: ArchX86_64, os: "linux", want: X86_64SysV},
		{arch: ArchX86_64, os: "Windows", want: X86_64Win64},
		{arch: ArchAArch64, os: "darwin", want: AArch64AAPCS},
	}
	for _, g := range golden {
		got, err := Default(g.arch, g.os)
		if err != nil {
			t.Errorf("%v/%s: unexpected error; %v", g.arch, g.os, err)
			continue
		}
		if got != g.want {
			t.Errorf("%v/%s: calling convention mismatch; expected %v, got %v", g.arch, g.os, g.want, got)
		}
	}
	if _, err := Default(ArchInvalid, "linux"); err == nil {
		t.Errorf("expected error for invalid architecture, got nil")
	}
}

func TestArity(t *testing.T) {
	golden := []struct {
		conv  *Conv
		nargs int
		want  int
		err   bool
	}{
		{conv: X86_64SysV, nargs: 3, want: 3},
		{conv: X86_64SysV, nargs: UnknownArity, want: 6},
		{conv: X86_64Win64, nargs: UnknownArity, want: 4},
		{conv: X86Cdecl, nargs: UnknownArity, want: defaultStackArity},
		{conv: X86Stdcall, nargs: UnknownArity, err: true},
		{conv: X86Stdcall, nargs: 2, want: 2},
		{conv: X86_64SysV, nargs: -2, err: true},
	}
	for _, g := range golden {
		got, err := g.conv.Arity(g.nargs)
		if g.err {
			if err == nil {
				t.Errorf("%v(%d): expected error, got nil", g.conv, g.nargs)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v(%d): unexpected error; %v", g.conv, g.nargs, err)
			continue
		}
		if got != g.want {
			t.Errorf("%v(%d): arity mismatch; expected %d, got %d", g.conv, g.nargs, g.want, got)
		}
	}
}

func TestSig(t *testing.T) {
	sig := X86Fastcall.Sig(3, false, false)
	want := types.NewFunc(types.I32, types.I32, types.I32, types.I32)
	if !sig.Equal(want) {
		t.Errorf("signature mismatch; expected %v, got %v", want, sig)
	}
	sig = X86_64SysV.Sig(1, true, true)
	if !sig.RetType.Equal(types.Void) || !sig.Variadic {
		t.Errorf("expected variadic void signature, got %v", sig)
	}
	params := X86Fastcall.Params(3)
	for i, param := range params {
		inreg := len(param.Attrs) == 1 && param.Attrs[0] == enum.ParamAttrInReg
		if want := i < 2; inreg != want {
			t.Errorf("parameter %d: expected inreg=%v, got %v", i, want, inreg)
		}
	}
	if got := X86_64Win64.StackArgs(6); got != 2 {
		t.Errorf("expected 2 stack arguments, got %d", got)
	}
	if got := X86Cdecl.StackArgs(3); got != 3 {
		t.Errorf("expected 3 stack arguments, got %d", got)
	}
	if err := X86Stdcall.Check(2, true); err == nil {
		t.Errorf("expected error for variadic callee-pop function, got nil")
	}
	if err := X86Cdecl.Check(2, true); err != nil {
		t.Errorf("unexpected error; %v", err)
	}
}
