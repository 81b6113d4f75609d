// Copyright 2020 The godbi Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder_test

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nmosier/godbi/internal/decoder"
)

func mustDecode(t *testing.T, code []byte, pc uint64) decoder.Inst {
	t.Helper()
	in, err := decoder.Decode(code, pc)
	if err != nil {
		t.Fatalf("Decode(% x): %v", code, err)
	}
	return in
}

func TestRet(t *testing.T) {
	in := mustDecode(t, []byte{0xc3}, 0x1000)
	if !in.IsRet() {
		t.Fatal("0xc3 should decode as RET")
	}
	if !in.IsBlockTerminator() {
		t.Fatal("RET should terminate a block")
	}
	if in.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", in.Len())
	}
}

func TestSyscallDoesNotTerminate(t *testing.T) {
	in := mustDecode(t, []byte{0x0f, 0x05}, 0x1000)
	if !in.IsSyscall() {
		t.Fatal("0f 05 should decode as SYSCALL")
	}
	if in.IsBlockTerminator() {
		t.Fatal("SYSCALL must not terminate a block")
	}
}

func TestDirectCall(t *testing.T) {
	// call rel32, encoding a call to one byte past its own end (rel=0).
	in := mustDecode(t, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if !in.IsCall() || in.IsIndirect() {
		t.Fatal("e8 00000000 should decode as a direct CALL")
	}
	target, _, _, ok := in.RelBranchTarget()
	if !ok {
		t.Fatal("direct call should report a branch target")
	}
	if want := uint64(0x1005); target != want {
		t.Fatalf("target = %#x, want %#x", target, want)
	}
}

func TestConditionalJumpRel8(t *testing.T) {
	// je +2 (jump over the next two bytes)
	in := mustDecode(t, []byte{0x74, 0x02}, 0x2000)
	if !in.IsCondJump() || !in.IsJump() {
		t.Fatal("0x74 should decode as a conditional jump")
	}
	if in.Iclass() != x86asm.JE {
		t.Fatalf("Iclass() = %v, want JE", in.Iclass())
	}
	target, off, width, ok := in.RelBranchTarget()
	if !ok {
		t.Fatal("JE should report a branch target")
	}
	if target != 0x2004 {
		t.Fatalf("target = %#x, want 0x2004", target)
	}
	if off != 1 || width != 1 {
		t.Fatalf("branch displacement = off %d width %d, want off 1 width 1", off, width)
	}
}

func TestIndirectJump(t *testing.T) {
	// jmp rax (ff e0)
	in := mustDecode(t, []byte{0xff, 0xe0}, 0x3000)
	if !in.IsJump() || !in.IsIndirect() {
		t.Fatal("ff e0 should decode as an indirect JMP")
	}
	if !in.IsBlockTerminator() {
		t.Fatal("indirect jmp should terminate a block")
	}
}

func TestRegArgs(t *testing.T) {
	// mov rax, rbx (48 89 d8): dest=rax (r/m), src=rbx (reg)
	in := mustDecode(t, []byte{0x48, 0x89, 0xd8}, 0x4000)
	regs := in.RegArgs()
	if len(regs) != 2 {
		t.Fatalf("RegArgs() = %v, want 2 registers", regs)
	}
}

func TestLockPrefix(t *testing.T) {
	// lock xadd [rax], ebx (f0 0f c1 18)
	in := mustDecode(t, []byte{0xf0, 0x0f, 0xc1, 0x18}, 0x5000)
	if !in.HasLock() {
		t.Fatal("expected HasLock to detect the f0 LOCK prefix")
	}
}
